package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
)

const dateLayout = "2006-01-02"

var tracer = otel.Tracer("tempmail/disposable/internal/usage")

// ownerUsage 单个用户的内存计数
type ownerUsage struct {
	date     string // 计数所属的本地日期
	daily    map[domain.Tier]int64
	total    int64
	lastSeen time.Time
}

// Usage 用户计数快照
type Usage struct {
	OwnerID string                `json:"ownerId"`
	Date    string                `json:"date"`
	Daily   map[domain.Tier]int64 `json:"daily"`
	Total   int64                 `json:"total"`
}

// Stats 计数器规模
type Stats struct {
	Owners        int `json:"owners"`
	PendingDeltas int `json:"pendingDeltas"`
}

// Counter 每日配额计数器。
//
// 日期按配置时区的本地午夜切换，在下一次访问时惰性完成，不依赖定时器。
// 待刷新增量按 (用户, 日期) 分桶，跨日时旧桶保留，刷新前不会被覆盖。
type Counter struct {
	mu      sync.Mutex
	owners  map[string]*ownerUsage
	pending map[string]*domain.UsageDelta // owner|date -> 增量

	// 刷新互斥，保证同一时刻只有一个批次在写库
	flushMu sync.Mutex

	limits  map[domain.Tier]int64
	loc     *time.Location
	repo    domain.UsageRepository
	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// Option 计数器可选项
type Option func(*Counter)

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(c *Counter) { c.log = logger.OrNop(log) }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Counter) { c.metrics = m }
}

// NewCounter 创建计数器。limits 中没有的档位不做限制。
func NewCounter(repo domain.UsageRepository, limits map[domain.Tier]int64, loc *time.Location, opts ...Option) *Counter {
	if loc == nil {
		loc = time.Local
	}
	c := &Counter{
		owners:  make(map[string]*ownerUsage),
		pending: make(map[string]*domain.UsageDelta),
		limits:  limits,
		loc:     loc,
		repo:    repo,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckQuota 检查用户今天是否还能创建该档位的邮箱（只读，不占用额度）。
func (c *Counter) CheckQuota(ownerID string, tier domain.Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.ownerLocked(ownerID)
	if c.exceededLocked(u, tier) {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// Increment 无条件增加计数，customDomain 非空时同时记录该域名的邮箱数变化。
func (c *Counter) Increment(ownerID string, tier domain.Tier, entityID, customDomain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.incrementLocked(c.ownerLocked(ownerID), ownerID, tier, entityID, customDomain)
}

// TryIncrement 检查配额并增加计数，两步在同一把锁内完成。
func (c *Counter) TryIncrement(ownerID string, tier domain.Tier, entityID, customDomain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.ownerLocked(ownerID)
	if c.exceededLocked(u, tier) {
		return domain.ErrQuotaExceeded
	}
	c.incrementLocked(u, ownerID, tier, entityID, customDomain)
	return nil
}

// Decrement 删除邮箱时减少累计数（每日计数不变），customDomain 非空时减少该域名的邮箱数。
func (c *Counter) Decrement(ownerID, customDomain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.ownerLocked(ownerID)
	if u.total > 0 {
		u.total--
	}

	delta := c.deltaLocked(ownerID, u.date)
	delta.Total--
	if customDomain != "" {
		delta.Domains[customDomain]--
	}
}

// Rollover 强制检查日期切换。正常情况下由每次访问自动触发。
func (c *Counter) Rollover(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownerLocked(ownerID)
}

// Usage 返回用户当前计数
func (c *Counter) Usage(ownerID string) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.ownerLocked(ownerID)
	daily := make(map[domain.Tier]int64, len(u.daily))
	for tier, n := range u.daily {
		daily[tier] = n
	}
	return Usage{OwnerID: ownerID, Date: u.date, Daily: daily, Total: u.total}
}

// PendingCount 返回待刷新的增量桶数
func (c *Counter) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats 返回计数器规模
func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Owners: len(c.owners), PendingDeltas: len(c.pending)}
}

// Sweep 清理不是今天、且没有待刷新增量的用户计数，返回删除的条目数。
//
// 累计数不为零的用户只释放旧日期的每日计数，条目保留，累计数不受清理影响。
func (c *Counter) Sweep(now time.Time) int {
	today := now.In(c.loc).Format(dateLayout)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for ownerID, u := range c.owners {
		if u.date == today {
			continue
		}
		if _, ok := c.pending[ownerID+"|"+u.date]; ok {
			continue
		}
		if u.total != 0 {
			u.date = today
			u.daily = make(map[domain.Tier]int64)
			continue
		}
		delete(c.owners, ownerID)
		removed++
	}
	return removed
}

// Flush 将所有待刷新增量在一个事务内写入存储。
//
// 刷新期间到达的新增量进入新的桶，不会阻塞请求。
// 写入失败时批次合并回队列，下个周期重试；由于增量可加，重复写入的风险只存在于
// 提交成功但进程在清理前崩溃的情况（至少一次语义）。
func (c *Counter) Flush(ctx context.Context) (int, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	batch := c.pending
	c.pending = make(map[string]*domain.UsageDelta)
	c.mu.Unlock()

	deltas := make([]*domain.UsageDelta, 0, len(batch))
	for _, d := range batch {
		if !d.Empty() || d.LastEntityID != "" {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "usage.flush")
	span.SetAttributes(attribute.Int("usage.deltas", len(deltas)))
	defer span.End()

	start := time.Now()
	err := c.repo.UpsertUsageSnapshots(ctx, deltas)
	c.metrics.RecordFlush(time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		c.mu.Lock()
		for key, d := range batch {
			if existing, ok := c.pending[key]; ok {
				// 刷新期间又有新增量：合并而不是覆盖
				d.Merge(existing)
			}
			c.pending[key] = d
		}
		c.mu.Unlock()

		return 0, fmt.Errorf("flush %d usage deltas: %w: %v", len(deltas), domain.ErrStorageUnavailable, err)
	}

	c.log.Debug("usage deltas flushed", zap.Int("deltas", len(deltas)))
	return len(deltas), nil
}

// ownerLocked 取出用户计数并完成日期切换，调用方需持有锁。
func (c *Counter) ownerLocked(ownerID string) *ownerUsage {
	now := c.now()
	today := now.In(c.loc).Format(dateLayout)

	u, ok := c.owners[ownerID]
	if !ok {
		u = &ownerUsage{date: today, daily: make(map[domain.Tier]int64)}
		c.owners[ownerID] = u
	}
	if u.date != today {
		// 跨过本地午夜：每日计数清零，累计数保留。
		// 旧日期的待刷新增量留在各自的桶里，随下一次刷新落库。
		u.date = today
		u.daily = make(map[domain.Tier]int64)
	}
	u.lastSeen = now
	return u
}

func (c *Counter) exceededLocked(u *ownerUsage, tier domain.Tier) bool {
	limit, ok := c.limits[tier]
	if !ok {
		return false
	}
	return u.daily[tier] >= limit
}

func (c *Counter) incrementLocked(u *ownerUsage, ownerID string, tier domain.Tier, entityID, customDomain string) {
	u.daily[tier]++
	u.total++

	delta := c.deltaLocked(ownerID, u.date)
	delta.Daily[tier]++
	delta.Total++
	if entityID != "" {
		delta.LastEntityID = entityID
	}
	if customDomain != "" {
		delta.Domains[customDomain]++
	}
}

func (c *Counter) deltaLocked(ownerID, date string) *domain.UsageDelta {
	key := ownerID + "|" + date
	delta, ok := c.pending[key]
	if !ok {
		delta = domain.NewUsageDelta(ownerID, date)
		c.pending[key] = delta
	}
	return delta
}
