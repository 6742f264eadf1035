package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/notify"
	"tempmail/disposable/internal/storage/memory"
)

const (
	gmailDomain   = "gmail.com"
	localAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// DomainResolver 域名选择与校验
type DomainResolver interface {
	RandomPublicDomain(ctx context.Context) string
	ValidateOwnerDomain(ctx context.Context, ownerID, name string) (string, bool, error)
}

// UsageMeter 配额计数
type UsageMeter interface {
	CheckQuota(ownerID string, tier domain.Tier) error
	TryIncrement(ownerID string, tier domain.Tier, entityID, customDomain string) error
	Decrement(ownerID, customDomain string)
}

// ExpiryScheduler 过期定时器
type ExpiryScheduler interface {
	Schedule(id string, at time.Time, fn func())
	Cancel(id string) bool
}

// Notifier 新邮件推送
type Notifier interface {
	Subscribe(key notify.Key, sink notify.Sink, expiresAt time.Time)
	Unsubscribe(key notify.Key, sinkID string) bool
	Publish(key notify.Key, event notify.Event) int
	DropKey(key notify.Key) int
}

// MailFilter 入站邮件内容过滤
type MailFilter interface {
	Filter(mail *domain.InboundMail)
}

// CreateEntityInput 定义创建邮箱所需的输入。
type CreateEntityInput struct {
	Owner    domain.Owner
	Tier     domain.Tier
	Domain   string          // 留空时随机选择公共域名
	Strategy domain.Strategy // 留空视为 direct
}

// EntityService 封装临时邮箱相关业务操作。
type EntityService struct {
	store    *memory.EntityStore
	resolver DomainResolver
	meter    UsageMeter
	sched    ExpiryScheduler
	notifier Notifier
	filter   MailFilter

	entityCfg config.EntityConfig
	quotaCfg  config.QuotaConfig

	localPart func(n int) string
	now       func() time.Time
	log       *zap.Logger
	metrics   *monitoring.Metrics
}

// EntityOption 可选项
type EntityOption func(*EntityService)

// WithClock 替换时间来源
func WithClock(now func() time.Time) EntityOption {
	return func(s *EntityService) { s.now = now }
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) EntityOption {
	return func(s *EntityService) { s.log = logger.OrNop(log) }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) EntityOption {
	return func(s *EntityService) { s.metrics = m }
}

// WithMailFilter 投递前过滤邮件内容
func WithMailFilter(f MailFilter) EntityOption {
	return func(s *EntityService) { s.filter = f }
}

// WithLocalPartGenerator 替换随机前缀生成器
func WithLocalPartGenerator(fn func(n int) string) EntityOption {
	return func(s *EntityService) { s.localPart = fn }
}

// NewEntityService 创建邮箱业务服务，并接管存储的移除回调。
func NewEntityService(
	store *memory.EntityStore,
	resolver DomainResolver,
	meter UsageMeter,
	sched ExpiryScheduler,
	notifier Notifier,
	entityCfg config.EntityConfig,
	quotaCfg config.QuotaConfig,
	opts ...EntityOption,
) *EntityService {
	s := &EntityService{
		store:     store,
		resolver:  resolver,
		meter:     meter,
		sched:     sched,
		notifier:  notifier,
		entityCfg: entityCfg,
		quotaCfg:  quotaCfg,
		localPart: randomLocalPart,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	store.SetEvictionListener(s.onEvict)
	return s
}

// Create 创建新的临时邮箱。
//
// 顺序：配额预检 -> 选择/校验域名 -> 生成不冲突的地址 -> 占用配额 -> 挂过期定时器。
// 占用配额失败（并发请求抢先用完）时回滚已插入的邮箱。
func (s *EntityService) Create(ctx context.Context, input CreateEntityInput) (*domain.Entity, error) {
	ttl, ok := s.entityCfg.TierDurations[input.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTier, input.Tier)
	}
	if !input.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStrategy, input.Strategy)
	}
	strategy := input.Strategy
	if strategy == "" {
		strategy = domain.StrategyDirect
	}

	ownerID := input.Owner.ID
	privileged := s.quotaCfg.IsPrivileged(input.Owner.Level)
	if !privileged {
		if err := s.meter.CheckQuota(ownerID, input.Tier); err != nil {
			s.metrics.RecordQuotaRejected(input.Tier)
			return nil, err
		}
	}

	domainName, custom, err := s.pickDomain(ctx, ownerID, input.Domain, strategy)
	if err != nil {
		return nil, err
	}

	entity, err := s.insertWithRetry(ownerID, domainName, custom, !privileged, input.Tier, strategy, ttl)
	if err != nil {
		return nil, err
	}

	// 特权用户不计数，删除时也不回退
	if !privileged {
		meteredDomain := ""
		if custom {
			meteredDomain = domainName
		}
		if err := s.meter.TryIncrement(ownerID, input.Tier, entity.ID, meteredDomain); err != nil {
			s.store.Remove(entity.ID)
			s.metrics.RecordQuotaRejected(input.Tier)
			return nil, err
		}
	}

	id := entity.ID
	s.sched.Schedule(id, entity.ExpiresAt, func() {
		s.store.Expire(id)
	})

	s.metrics.RecordEntityCreated(input.Tier, strategy)
	s.log.Info("entity created",
		zap.String("owner_id", ownerID),
		zap.String("entity_id", entity.ID),
		zap.String("address", entity.Address),
		zap.String("tier", string(input.Tier)),
		zap.Bool("custom_domain", custom))

	return entity, nil
}

// Get 获取当前用户的存活邮箱。
func (s *EntityService) Get(ownerID, id string) (*domain.Entity, error) {
	return s.store.Get(id, ownerID)
}

// ListByOwner 返回当前用户的邮箱，新创建的在前。
func (s *EntityService) ListByOwner(ownerID string, includeExpired bool) []*domain.Entity {
	return s.store.ListByOwner(ownerID, includeExpired)
}

// Delete 删除指定邮箱，返回是否确实删除了。
func (s *EntityService) Delete(ownerID, id string) bool {
	removed, ok := s.store.Delete(id, ownerID)
	if !ok {
		return false
	}
	if removed.Metered && removed.IsCustomDomain {
		s.meter.Decrement(ownerID, removed.Domain)
	}
	s.log.Info("entity deleted",
		zap.String("owner_id", ownerID),
		zap.String("entity_id", id))
	return true
}

// AppendMessage 向邮箱追加一封邮件并推送给订阅者。
func (s *EntityService) AppendMessage(entityID string, msg domain.Message) (*domain.Entity, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}

	entity, err := s.store.AppendMessage(entityID, msg)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordMessageStored()

	key := notify.Key{OwnerID: entity.OwnerID, Address: entity.Address}
	s.notifier.Publish(key, notify.NewMailEvent(entity, msg))
	return entity, nil
}

// Resolve 按完整地址查找存活邮箱。
func (s *EntityService) Resolve(address string) (*domain.Entity, error) {
	return s.store.Lookup(address)
}

// Deliver 处理一封入站邮件：按收件地址找到邮箱后追加。
func (s *EntityService) Deliver(mail domain.InboundMail) (*domain.Entity, error) {
	entity, err := s.store.Lookup(mail.Address)
	if err != nil {
		return nil, err
	}
	if s.filter != nil {
		s.filter.Filter(&mail)
	}

	msg := domain.Message{
		From:       mail.From,
		To:         entity.Address,
		Subject:    mail.Subject,
		BodyText:   mail.BodyText,
		BodyHTML:   mail.BodyHTML,
		Headers:    mail.Headers,
		ReceivedAt: mail.Timestamp,
	}
	return s.AppendMessage(entity.ID, msg)
}

// Subscribe 为用户的存活邮箱注册推送。邮箱不存在或已过期时拒绝。
func (s *EntityService) Subscribe(ownerID, entityID string, sink notify.Sink) (*domain.Entity, error) {
	entity, err := s.store.Get(entityID, ownerID)
	if err != nil {
		return nil, err
	}
	key := notify.Key{OwnerID: ownerID, Address: entity.Address}
	s.notifier.Subscribe(key, sink, entity.ExpiresAt)
	// 订阅期间邮箱可能被回收，回收时的 DropKey 已经错过这条订阅
	if _, err := s.store.Get(entityID, ownerID); err != nil {
		s.notifier.Unsubscribe(key, sink.ID())
		return nil, err
	}
	return entity, nil
}

// Unsubscribe 取消推送
func (s *EntityService) Unsubscribe(ownerID, address, sinkID string) bool {
	return s.notifier.Unsubscribe(notify.Key{OwnerID: ownerID, Address: domain.NormalizeAddress(address)}, sinkID)
}

// pickDomain 按分配方式挑选合法的邮箱域名。
func (s *EntityService) pickDomain(ctx context.Context, ownerID, requested string, strategy domain.Strategy) (string, bool, error) {
	if strategy == domain.StrategyGmailAlias {
		if len(s.entityCfg.GmailBases) == 0 {
			return "", false, fmt.Errorf("%w: no gmail base configured", domain.ErrDomainInvalid)
		}
		return gmailDomain, false, nil
	}

	if strings.TrimSpace(requested) == "" {
		return s.resolver.RandomPublicDomain(ctx), false, nil
	}
	return s.resolver.ValidateOwnerDomain(ctx, ownerID, requested)
}

// insertWithRetry 生成随机地址并插入，冲突时重试。
func (s *EntityService) insertWithRetry(ownerID, domainName string, custom, metered bool, tier domain.Tier, strategy domain.Strategy, ttl time.Duration) (*domain.Entity, error) {
	attempts := s.entityCfg.AddressAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		localPart := s.localPart(s.entityCfg.LocalPartLength)
		if strategy == domain.StrategyGmailAlias {
			base := s.entityCfg.GmailBases[rand.IntN(len(s.entityCfg.GmailBases))]
			localPart = base + "+" + localPart
		}

		now := s.now().UTC()
		entity := &domain.Entity{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			Address:        localPart + "@" + domainName,
			LocalPart:      localPart,
			Domain:         domainName,
			Tier:           tier,
			Strategy:       strategy,
			IsCustomDomain: custom,
			Metered:        metered,
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
			Messages:       []domain.Message{},
		}

		err := s.store.Insert(entity)
		if err == nil {
			return entity, nil
		}
		if !errors.Is(err, domain.ErrAddressTaken) {
			return nil, err
		}
		s.log.Debug("address collision, retrying",
			zap.String("address", entity.Address), zap.Int("attempt", i+1))
	}

	return nil, domain.ErrAddressGenerationExhausted
}

// onEvict 邮箱离开存储后：取消定时器并移除该地址的订阅。
func (s *EntityService) onEvict(entity *domain.Entity, reason memory.EvictReason) {
	s.sched.Cancel(entity.ID)
	s.notifier.DropKey(notify.Key{OwnerID: entity.OwnerID, Address: entity.Address})
	s.metrics.RecordEntityEvicted(string(reason))
}

// randomLocalPart 生成随机前缀。
func randomLocalPart(n int) string {
	if n <= 0 {
		n = 10
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = localAlphabet[rand.IntN(len(localAlphabet))]
	}
	return string(b)
}
