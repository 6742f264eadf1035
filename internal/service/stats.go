package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/storage/memory"
	"tempmail/disposable/internal/usage"
)

// DomainSizer 域名缓存规模
type DomainSizer interface {
	Sizes() (publicDomains, owners int)
}

// UsageStatter 计数器规模
type UsageStatter interface {
	Stats() usage.Stats
}

// SubscriptionCounter 订阅数
type SubscriptionCounter interface {
	Count() int
}

// PendingTimers 未触发的定时器数
type PendingTimers interface {
	Pending() int
}

// StatsService 汇总各组件的只读统计，供管理接口、监控和同步任务使用。
type StatsService struct {
	entities *memory.EntityStore
	domains  DomainSizer
	usage    UsageStatter
	subs     SubscriptionCounter
	timers   PendingTimers
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewStatsService 创建统计服务
func NewStatsService(entities *memory.EntityStore, domains DomainSizer, usage UsageStatter, subs SubscriptionCounter, timers PendingTimers, metrics *monitoring.Metrics) *StatsService {
	return &StatsService{
		entities: entities,
		domains:  domains,
		usage:    usage,
		subs:     subs,
		timers:   timers,
		metrics:  metrics,
		now:      time.Now,
	}
}

// EntityCount 当前存储的邮箱数
func (s *StatsService) EntityCount() int {
	return s.entities.EntityCount()
}

// OwnerCount 当前持有邮箱的用户数
func (s *StatsService) OwnerCount() int {
	return s.entities.OwnerCount()
}

// CacheSizes 各内存结构的规模
func (s *StatsService) CacheSizes() domain.CacheSizes {
	publicDomains, owners := s.domains.Sizes()
	usageStats := s.usage.Stats()

	return domain.CacheSizes{
		Entities:       s.entities.EntityCount(),
		Owners:         s.entities.OwnerCount(),
		Addresses:      s.entities.AddressCount(),
		PublicDomains:  publicDomains,
		OwnerDomains:   owners,
		UsageOwners:    usageStats.Owners,
		PendingDeltas:  usageStats.PendingDeltas,
		Subscriptions:  s.subs.Count(),
		ScheduledTimer: s.timers.Pending(),
	}
}

// RefreshGauges 把当前规模写入监控仪表盘
func (s *StatsService) RefreshGauges() {
	s.metrics.UpdateSizes(s.CacheSizes())
}

// DomainStats 生成域名统计快照，按存活邮箱数倒序。
func (s *StatsService) DomainStats(ctx context.Context) (*domain.DomainStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	publicDomains, owners := s.domains.Sizes()

	stats := s.entities.CountByDomain()
	slices.SortFunc(stats, func(a, b domain.DomainStat) int {
		if a.LiveEntities != b.LiveEntities {
			return b.LiveEntities - a.LiveEntities
		}
		return strings.Compare(a.Domain, b.Domain)
	})

	return &domain.DomainStats{
		CapturedAt:    s.now().UTC(),
		PublicDomains: publicDomains,
		CachedOwners:  owners,
		Domains:       stats,
	}, nil
}
