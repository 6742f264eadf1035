package domaincache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tempmail/disposable/internal/cache"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
)

var tracer = otel.Tracer("tempmail/disposable/internal/domaincache")

// DefaultRefreshTimeout 单次从存储刷新域名列表的超时
const DefaultRefreshTimeout = 5 * time.Second

// Resolver 域名缓存：公共域名列表和每个用户的已验证域名列表。
//
// 用户域名的 TTL 比公共域名短，验证状态变化能更快生效。
// 存储不可用时继续使用过期数据；公共域名从未加载成功时退回默认域名。
type Resolver struct {
	repo           domain.DomainRepository
	publicTTL      time.Duration
	defaultDomain  string
	refreshTimeout time.Duration

	mu          sync.RWMutex
	public      []string
	loaded      bool
	lastRefresh time.Time

	owners *cache.LocalCache[[]string]
	group  singleflight.Group

	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// Option 可选项
type Option func(*Resolver)

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = logger.OrNop(log) }
}

// WithRefreshTimeout 设置刷新超时
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.refreshTimeout = d }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver 创建域名缓存
func NewResolver(repo domain.DomainRepository, publicTTL, ownerTTL time.Duration, defaultDomain string, opts ...Option) *Resolver {
	r := &Resolver{
		repo:           repo,
		publicTTL:      publicTTL,
		defaultDomain:  strings.ToLower(defaultDomain),
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.owners = cache.NewLocalCache[[]string](ownerTTL, r.now)
	return r
}

// RandomPublicDomain 随机返回一个公共域名，从不失败。
func (r *Resolver) RandomPublicDomain(ctx context.Context) string {
	list, err := r.publicDomains(ctx)
	if err != nil || len(list) == 0 {
		r.metrics.RecordDomainFallback("default")
		r.log.Warn("no public domain available, using default domain",
			zap.String("domain", r.defaultDomain), zap.Error(err))
		return r.defaultDomain
	}
	return list[rand.IntN(len(list))]
}

// ValidateOwnerDomain 校验用户能否在该域名下创建邮箱。
//
// 先查用户自己的已验证域名，再退回公共域名列表。返回规范化后的域名，
// custom 表示命中的是用户自定义域名。未命中且某个列表完全不可用时返回 ErrStorageUnavailable。
func (r *Resolver) ValidateOwnerDomain(ctx context.Context, ownerID, name string) (string, bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false, domain.ErrDomainInvalid
	}

	owned, ownerErr := r.ownerDomains(ctx, ownerID)
	if slices.Contains(owned, name) {
		return name, true, nil
	}

	public, publicErr := r.publicDomains(ctx)
	if slices.Contains(public, name) {
		return name, false, nil
	}

	// 任一列表既没有新数据也没有过期数据，无法判断域名是否合法
	if ownerErr != nil || publicErr != nil {
		return "", false, fmt.Errorf("validate domain %q: %w", name, domain.ErrStorageUnavailable)
	}
	return "", false, domain.ErrDomainInvalid
}

// PublicDomains 返回当前的公共域名列表（可能是过期数据）
func (r *Resolver) PublicDomains(ctx context.Context) ([]string, error) {
	list, err := r.publicDomains(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(list), nil
}

// Invalidate 丢弃某个用户的域名缓存，下次访问重新加载。
func (r *Resolver) Invalidate(ownerID string) {
	r.owners.Delete(ownerID)
}

// InvalidateAll 丢弃所有用户的域名缓存，并让公共域名在下次访问时刷新。
// 已加载的公共域名保留，刷新失败时仍可作为降级数据。
func (r *Resolver) InvalidateAll() {
	r.owners.Clear()

	r.mu.Lock()
	r.lastRefresh = time.Time{}
	r.mu.Unlock()
}

// Sweep 清理过期超过一个公共 TTL 的用户缓存，返回清理数量
func (r *Resolver) Sweep(now time.Time) int {
	return r.owners.Prune(now.Add(-r.publicTTL))
}

// Sizes 返回公共域名数和已缓存的用户数
func (r *Resolver) Sizes() (publicDomains, owners int) {
	r.mu.RLock()
	publicDomains = len(r.public)
	r.mu.RUnlock()
	return publicDomains, r.owners.Len()
}

func (r *Resolver) publicDomains(ctx context.Context) ([]string, error) {
	now := r.now()

	r.mu.RLock()
	list, loaded, fresh := r.public, r.loaded, now.Sub(r.lastRefresh) < r.publicTTL
	r.mu.RUnlock()
	if loaded && fresh {
		return list, nil
	}

	v, err, _ := r.group.Do("public", func() (any, error) {
		ctx, cancel := r.refreshContext(ctx)
		defer cancel()
		return r.refreshPublic(ctx)
	})
	if err != nil {
		if loaded {
			r.metrics.RecordDomainFallback("stale")
			r.log.Warn("public domain refresh failed, serving stale list", zap.Error(err))
			return list, nil
		}
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) refreshPublic(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "domaincache.refresh_public")
	defer span.End()

	list, err := r.repo.QueryPublicDomains(ctx)
	r.metrics.RecordDomainRefresh("public", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	list = normalize(list)
	span.SetAttributes(attribute.Int("domains", len(list)))

	r.mu.Lock()
	r.public = list
	r.loaded = true
	r.lastRefresh = r.now()
	r.mu.Unlock()

	return list, nil
}

func (r *Resolver) ownerDomains(ctx context.Context, ownerID string) ([]string, error) {
	if list, ok := r.owners.Get(ownerID); ok {
		return list, nil
	}

	v, err, _ := r.group.Do("owner:"+ownerID, func() (any, error) {
		ctx, cancel := r.refreshContext(ctx)
		defer cancel()
		ctx, span := tracer.Start(ctx, "domaincache.refresh_owner")
		defer span.End()

		list, err := r.repo.QueryOwnerVerifiedDomains(ctx, ownerID)
		r.metrics.RecordDomainRefresh("owner", err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		list = normalize(list)
		r.owners.Set(ownerID, list, 0)
		return list, nil
	})
	if err != nil {
		if stale, ok := r.owners.Peek(ownerID); ok {
			r.metrics.RecordDomainFallback("stale")
			r.log.Warn("owner domain refresh failed, serving stale list",
				zap.String("owner_id", ownerID), zap.Error(err))
			return stale, nil
		}
		return nil, err
	}
	return v.([]string), nil
}

// refreshContext 刷新结果由所有等待者共享，不随发起请求的取消而中断
func (r *Resolver) refreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if r.refreshTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.refreshTimeout)
}

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}
