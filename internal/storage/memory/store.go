package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tempmail/disposable/internal/domain"
)

// Store 使用内存实现持久化接口，主要用于开发验证和测试。
//
// SetUnavailable 可以模拟数据库故障，此时所有读写返回 ErrStorageUnavailable。
type Store struct {
	mu            sync.RWMutex
	publicDomains map[string]*domain.PublicDomain // domain -> 公共域名
	ownerDomains  map[string]*domain.OwnerDomain  // domain -> 用户域名
	snapshots     map[string]*domain.UsageSnapshot
	totals        map[string]*domain.UsageTotal
	stats         []*domain.DomainStats

	unavailable atomic.Bool
	flushes     atomic.Int64
}

var _ domain.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		publicDomains: make(map[string]*domain.PublicDomain),
		ownerDomains:  make(map[string]*domain.OwnerDomain),
		snapshots:     make(map[string]*domain.UsageSnapshot),
		totals:        make(map[string]*domain.UsageTotal),
	}
}

// SetUnavailable 切换模拟故障状态
func (s *Store) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

func (s *Store) check() error {
	if s.unavailable.Load() {
		return domain.ErrStorageUnavailable
	}
	return nil
}

// Ping 检查存储是否可用
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.check()
}

// Close 内存存储无需释放资源
func (s *Store) Close() error { return nil }

// AddPublicDomain 添加一个已激活的公共域名。
func (s *Store) AddPublicDomain(name string) *domain.PublicDomain {
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.publicDomains[name]; ok {
		return existing
	}
	pd := &domain.PublicDomain{
		ID:       uuid.New().String(),
		Domain:   name,
		Status:   domain.DomainStatusVerified,
		IsActive: true,
	}
	s.publicDomains[name] = pd
	return pd
}

// SetPublicDomainActive 启用或停用公共域名
func (s *Store) SetPublicDomainActive(name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pd, ok := s.publicDomains[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("public domain %q not found", name)
	}
	pd.IsActive = active
	return nil
}

// AddOwnerDomain 为用户添加自定义域名。
func (s *Store) AddOwnerDomain(ownerID, name string, status domain.DomainStatus) (*domain.OwnerDomain, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ownerDomains[name]; ok && existing.OwnerID != ownerID {
		return nil, fmt.Errorf("domain %q already belongs to another owner", name)
	}
	od := &domain.OwnerDomain{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Domain:  name,
		Status:  status,
	}
	s.ownerDomains[name] = od
	return od, nil
}

// QueryPublicDomains 返回所有已激活的公共域名。
func (s *Store) QueryPublicDomains(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.publicDomains))
	for name, pd := range s.publicDomains {
		if pd.IsActive {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// QueryOwnerVerifiedDomains 返回用户已验证的自定义域名。
func (s *Store) QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0)
	for name, od := range s.ownerDomains {
		if od.OwnerID == ownerID && od.Status == domain.DomainStatusVerified {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UpsertUsageSnapshots 累加用量增量，要么全部应用，要么全部不应用。
func (s *Store) UpsertUsageSnapshots(ctx context.Context, deltas []*domain.UsageDelta) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range deltas {
		for tier, n := range d.Daily {
			key := d.OwnerID + "|" + d.Date + "|" + string(tier)
			snap, ok := s.snapshots[key]
			if !ok {
				snap = &domain.UsageSnapshot{OwnerID: d.OwnerID, UsageDate: d.Date, Tier: tier}
				s.snapshots[key] = snap
			}
			snap.Count += n
		}

		total, ok := s.totals[d.OwnerID]
		if !ok {
			total = &domain.UsageTotal{OwnerID: d.OwnerID}
			s.totals[d.OwnerID] = total
		}
		total.Total += d.Total
		if d.LastEntityID != "" {
			total.LastEntityID = d.LastEntityID
		}

		for name, n := range d.Domains {
			if od, ok := s.ownerDomains[name]; ok && od.OwnerID == d.OwnerID {
				od.MailboxCount += n
			}
		}
	}
	s.flushes.Add(1)
	return nil
}

// SaveDomainStats 保存一次统计快照
func (s *Store) SaveDomainStats(ctx context.Context, stats *domain.DomainStats) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *stats
	copied.Domains = append([]domain.DomainStat(nil), stats.Domains...)
	s.stats = append(s.stats, &copied)
	return nil
}

// SnapshotCount 返回某用户某天某档位的已落库计数
func (s *Store) SnapshotCount(ownerID, date string, tier domain.Tier) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap, ok := s.snapshots[ownerID+"|"+date+"|"+string(tier)]; ok {
		return snap.Count
	}
	return 0
}

// TotalFor 返回用户的累计计数
func (s *Store) TotalFor(ownerID string) domain.UsageTotal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if total, ok := s.totals[ownerID]; ok {
		return *total
	}
	return domain.UsageTotal{OwnerID: ownerID}
}

// OwnerDomainCount 返回自定义域名的已落库邮箱数
func (s *Store) OwnerDomainCount(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if od, ok := s.ownerDomains[name]; ok {
		return od.MailboxCount
	}
	return 0
}

// StatsHistory 返回已保存的统计快照
func (s *Store) StatsHistory() []*domain.DomainStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.DomainStats(nil), s.stats...)
}

// FlushCount 返回成功写入的批次数
func (s *Store) FlushCount() int64 {
	return s.flushes.Load()
}
