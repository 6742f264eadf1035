package domain

import "context"

// DomainRepository 域名查询（公共域名 + 用户已验证域名）
type DomainRepository interface {
	QueryPublicDomains(ctx context.Context) ([]string, error)
	QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error)
}

// UsageRepository 用量增量落库
//
// 实现必须在一个事务内应用全部增量：要么全部生效，要么全部不生效。
type UsageRepository interface {
	UpsertUsageSnapshots(ctx context.Context, deltas []*UsageDelta) error
}

// StatsRepository 统计快照落库
type StatsRepository interface {
	SaveDomainStats(ctx context.Context, stats *DomainStats) error
}

// Store 聚合核心依赖的全部持久化接口
type Store interface {
	DomainRepository
	UsageRepository
	StatsRepository

	Ping(ctx context.Context) error
	Close() error
}
