package domain

import (
	"sort"
	"time"
)

// DefaultMessageCapacity 单个临时邮箱保留的最大邮件数
const DefaultMessageCapacity = 50

// Entity 表示一个临时邮箱（一次性地址及其收到的邮件）。
//
// 过期时间一到即视为逻辑死亡，即使尚未被清理任务物理删除。
type Entity struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Address        string    `json:"address"`
	LocalPart      string    `json:"local_part"`
	Domain         string    `json:"domain"`
	Tier           Tier      `json:"tier"`
	Strategy       Strategy  `json:"strategy"`
	IsCustomDomain bool      `json:"is_custom_domain"`
	Metered        bool      `json:"-"` // 创建时计入了配额计数
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Messages       []Message `json:"messages"` // 新邮件在前
}

// ExpiredAt 判断邮箱在 now 时刻是否已过期（now >= ExpiresAt）。
func (e *Entity) ExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// MessageCount 返回当前保留的邮件数
func (e *Entity) MessageCount() int {
	return len(e.Messages)
}

// Clone 深拷贝邮箱，调用方可以自由修改返回值而不影响存储内部状态。
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Messages = make([]Message, len(e.Messages))
	for i := range e.Messages {
		out.Messages[i] = e.Messages[i].Clone()
	}
	return &out
}

// PrependMessage 将邮件插入列表头部，并截断到 capacity 条（丢弃最旧的）。
func (e *Entity) PrependMessage(msg Message, capacity int) {
	if capacity <= 0 {
		capacity = DefaultMessageCapacity
	}
	messages := make([]Message, 0, min(len(e.Messages)+1, capacity))
	messages = append(messages, msg)
	for _, m := range e.Messages {
		if len(messages) >= capacity {
			break
		}
		messages = append(messages, m)
	}
	e.Messages = messages
}

// SortEntitiesByCreatedDesc 按创建时间倒序排序，创建时间相同时按 ID 保证稳定顺序。
func SortEntitiesByCreatedDesc(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].ID > entities[j].ID
		}
		return entities[i].CreatedAt.After(entities[j].CreatedAt)
	})
}
