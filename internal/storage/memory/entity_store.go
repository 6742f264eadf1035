package memory

import (
	"sync"
	"time"

	"tempmail/disposable/internal/domain"
)

// EvictReason 邮箱离开存储的原因
type EvictReason string

const (
	EvictExpired  EvictReason = "expired"  // 读取时或定时器发现已过期
	EvictDeleted  EvictReason = "deleted"  // 用户主动删除
	EvictSwept    EvictReason = "swept"    // 周期清理
	EvictRollback EvictReason = "rollback" // 创建流程回滚
)

// EvictionListener 邮箱被移除后的回调，在释放锁之后调用。
type EvictionListener func(entity *domain.Entity, reason EvictReason)

// AddressRef 地址索引条目
type AddressRef struct {
	OwnerID  string
	EntityID string
}

type eviction struct {
	entity *domain.Entity
	reason EvictReason
}

// EntityStore 进程内的临时邮箱存储，维护主表、用户索引和地址索引。
//
// 三者始终一致：任何一个邮箱要么同时出现在三处，要么都不出现。
// 过期邮箱在被读到时惰性删除，其余由定时器和周期清理处理。
type EntityStore struct {
	mu        sync.RWMutex
	entities  map[string]*domain.Entity
	byOwner   map[string]map[string]struct{} // ownerID -> entityID 集合
	byAddress map[string]AddressRef          // address -> (ownerID, entityID)

	capacity int
	now      func() time.Time
	onEvict  EvictionListener
}

// NewEntityStore 创建邮箱存储。
func NewEntityStore(capacity int, now func() time.Time) *EntityStore {
	if capacity <= 0 {
		capacity = domain.DefaultMessageCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &EntityStore{
		entities:  make(map[string]*domain.Entity),
		byOwner:   make(map[string]map[string]struct{}),
		byAddress: make(map[string]AddressRef),
		capacity:  capacity,
		now:       now,
	}
}

// SetEvictionListener 设置移除回调，需在开始使用前调用。
func (s *EntityStore) SetEvictionListener(fn EvictionListener) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Insert 保存新邮箱。地址被存活邮箱占用时返回 ErrAddressTaken，
// 被已过期邮箱占用时先清掉旧邮箱。
func (s *EntityStore) Insert(entity *domain.Entity) error {
	var evicted []eviction

	s.mu.Lock()
	if ref, ok := s.byAddress[entity.Address]; ok {
		holder := s.entities[ref.EntityID]
		if holder != nil && !holder.ExpiredAt(s.now()) {
			s.mu.Unlock()
			return domain.ErrAddressTaken
		}
		if holder != nil {
			evicted = append(evicted, eviction{s.deleteEntityLocked(holder.ID), EvictExpired})
		}
	}

	stored := entity.Clone()
	s.entities[stored.ID] = stored
	owned, ok := s.byOwner[stored.OwnerID]
	if !ok {
		owned = make(map[string]struct{})
		s.byOwner[stored.OwnerID] = owned
	}
	owned[stored.ID] = struct{}{}
	s.byAddress[stored.Address] = AddressRef{OwnerID: stored.OwnerID, EntityID: stored.ID}
	s.mu.Unlock()

	s.notify(evicted)
	return nil
}

// Get 获取属于 ownerID 的存活邮箱。
func (s *EntityStore) Get(id, ownerID string) (*domain.Entity, error) {
	s.mu.RLock()
	entity, ok := s.entities[id]
	if ok && entity.OwnerID == ownerID && !entity.ExpiredAt(s.now()) {
		out := entity.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if !ok || entity.OwnerID != ownerID {
		return nil, domain.ErrNotFoundOrExpired
	}

	// 已过期：升级为写锁后再确认一次
	s.expireIfDue(id)
	return nil, domain.ErrNotFoundOrExpired
}

// Lookup 按完整地址查找存活邮箱。
func (s *EntityStore) Lookup(address string) (*domain.Entity, error) {
	address = domain.NormalizeAddress(address)

	s.mu.RLock()
	ref, ok := s.byAddress[address]
	var entity *domain.Entity
	if ok {
		entity = s.entities[ref.EntityID]
	}
	if entity != nil && !entity.ExpiredAt(s.now()) {
		out := entity.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if entity != nil {
		s.expireIfDue(entity.ID)
	}
	return nil, domain.ErrNotFoundOrExpired
}

// ListByOwner 按创建时间倒序返回用户的邮箱。
//
// 读到的过期邮箱一律清理并触发回收回调；includeExpired 为 true 时这些邮箱仍出现在本次结果里。
func (s *EntityStore) ListByOwner(ownerID string, includeExpired bool) []*domain.Entity {
	now := s.now()
	var evicted []eviction

	s.mu.Lock()
	out := make([]*domain.Entity, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		entity := s.entities[id]
		if entity.ExpiredAt(now) {
			removed := s.deleteEntityLocked(id)
			evicted = append(evicted, eviction{removed, EvictExpired})
			if includeExpired {
				out = append(out, removed.Clone())
			}
			continue
		}
		out = append(out, entity.Clone())
	}
	s.mu.Unlock()

	s.notify(evicted)
	domain.SortEntitiesByCreatedDesc(out)
	return out
}

// Delete 删除属于 ownerID 的邮箱，返回是否确实删除了。
// 已过期的邮箱视为不存在。
func (s *EntityStore) Delete(id, ownerID string) (*domain.Entity, bool) {
	s.mu.Lock()
	entity, ok := s.entities[id]
	if !ok || entity.OwnerID != ownerID {
		s.mu.Unlock()
		return nil, false
	}
	if entity.ExpiredAt(s.now()) {
		removed := s.deleteEntityLocked(id)
		s.mu.Unlock()
		s.notify([]eviction{{removed, EvictExpired}})
		return nil, false
	}
	removed := s.deleteEntityLocked(id)
	s.mu.Unlock()

	s.notify([]eviction{{removed, EvictDeleted}})
	return removed, true
}

// Remove 无条件删除邮箱（创建回滚用），返回是否存在。
func (s *EntityStore) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.entities[id]; !ok {
		s.mu.Unlock()
		return false
	}
	removed := s.deleteEntityLocked(id)
	s.mu.Unlock()

	s.notify([]eviction{{removed, EvictRollback}})
	return true
}

// AppendMessage 向存活邮箱追加一封邮件，超出容量时丢弃最旧的。
func (s *EntityStore) AppendMessage(id string, msg domain.Message) (*domain.Entity, error) {
	s.mu.Lock()
	entity, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFoundOrExpired
	}
	if entity.ExpiredAt(s.now()) {
		removed := s.deleteEntityLocked(id)
		s.mu.Unlock()
		s.notify([]eviction{{removed, EvictExpired}})
		return nil, domain.ErrNotFoundOrExpired
	}

	entity.PrependMessage(msg.Clone(), s.capacity)
	out := entity.Clone()
	s.mu.Unlock()

	return out, nil
}

// Expire 定时器回调：邮箱已到期时删除，返回是否删除。
func (s *EntityStore) Expire(id string) bool {
	return s.expireIfDue(id)
}

// Sweep 删除 now 时刻所有已过期的邮箱，返回删除数量。
func (s *EntityStore) Sweep(now time.Time) int {
	var evicted []eviction

	s.mu.Lock()
	for id, entity := range s.entities {
		if entity.ExpiredAt(now) {
			evicted = append(evicted, eviction{s.deleteEntityLocked(id), EvictSwept})
		}
	}
	s.mu.Unlock()

	s.notify(evicted)
	return len(evicted)
}

// EntityCount 当前存储的邮箱数（包含尚未清理的过期邮箱）
func (s *EntityStore) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// OwnerCount 当前持有邮箱的用户数
func (s *EntityStore) OwnerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOwner)
}

// AddressCount 地址索引条目数
func (s *EntityStore) AddressCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddress)
}

// CountByDomain 统计各域名下的存活邮箱数。
func (s *EntityStore) CountByDomain() []domain.DomainStat {
	now := s.now()

	s.mu.RLock()
	counts := make(map[string]*domain.DomainStat)
	for _, entity := range s.entities {
		if entity.ExpiredAt(now) {
			continue
		}
		stat, ok := counts[entity.Domain]
		if !ok {
			stat = &domain.DomainStat{Domain: entity.Domain, Custom: entity.IsCustomDomain}
			counts[entity.Domain] = stat
		}
		stat.LiveEntities++
	}
	s.mu.RUnlock()

	out := make([]domain.DomainStat, 0, len(counts))
	for _, stat := range counts {
		out = append(out, *stat)
	}
	return out
}

func (s *EntityStore) expireIfDue(id string) bool {
	s.mu.Lock()
	entity, ok := s.entities[id]
	if !ok || !entity.ExpiredAt(s.now()) {
		s.mu.Unlock()
		return false
	}
	removed := s.deleteEntityLocked(id)
	s.mu.Unlock()

	s.notify([]eviction{{removed, EvictExpired}})
	return true
}

// deleteEntityLocked 从三个索引中移除邮箱，调用方需持有写锁。
func (s *EntityStore) deleteEntityLocked(id string) *domain.Entity {
	entity, ok := s.entities[id]
	if !ok {
		return nil
	}
	delete(s.entities, id)

	if owned, ok := s.byOwner[entity.OwnerID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(s.byOwner, entity.OwnerID)
		}
	}
	if ref, ok := s.byAddress[entity.Address]; ok && ref.EntityID == id {
		delete(s.byAddress, entity.Address)
	}
	return entity
}

func (s *EntityStore) notify(evicted []eviction) {
	if len(evicted) == 0 {
		return
	}
	s.mu.RLock()
	fn := s.onEvict
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, ev := range evicted {
		if ev.entity != nil {
			fn(ev.entity, ev.reason)
		}
	}
}
