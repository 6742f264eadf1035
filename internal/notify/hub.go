package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/pool"
)

// Sink 推送通道（例如一个 WebSocket 连接）
type Sink interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Key 订阅键
type Key struct {
	OwnerID string
	Address string
}

// EventType 推送事件类型
type EventType string

const (
	EventNewMail EventType = "new_mail"
)

// MessageSummary 推送给订阅者的邮件摘要，完整内容由客户端重新拉取
type MessageSummary struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Preview    string    `json:"preview,omitempty"`
	HasHTML    bool      `json:"hasHtml"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Event 推送事件
type Event struct {
	Type         EventType      `json:"type"`
	EntityID     string         `json:"entityId"`
	Address      string         `json:"address"`
	Message      MessageSummary `json:"message"`
	MessageCount int            `json:"messageCount"`
}

// NewMailEvent 根据追加后的邮箱构造新邮件事件
func NewMailEvent(entity *domain.Entity, msg domain.Message) Event {
	return Event{
		Type:     EventNewMail,
		EntityID: entity.ID,
		Address:  entity.Address,
		Message: MessageSummary{
			ID:         msg.ID,
			From:       msg.From,
			Subject:    msg.Subject,
			Preview:    msg.Preview(100),
			HasHTML:    msg.BodyHTML != "",
			ReceivedAt: msg.ReceivedAt,
		},
		MessageCount: entity.MessageCount(),
	}
}

type subscription struct {
	sink      Sink
	expiresAt time.Time // 所属邮箱的过期时间
}

// Hub 订阅表与推送分发。
//
// 推送是尽力而为的：每个订阅者单独提交到协程池，带短超时，失败直接丢弃不重试。
// Publish 只负责入队，不等待任何发送完成。
type Hub struct {
	mu   sync.RWMutex
	subs map[Key]map[string]*subscription // key -> sinkID -> 订阅

	pool    *pool.WorkerPool
	timeout time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// Option 可选项
type Option func(*Hub)

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) { h.log = logger.OrNop(log) }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub 创建推送中心，workers 为已启动的协程池
func NewHub(workers *pool.WorkerPool, sendTimeout time.Duration, opts ...Option) *Hub {
	h := &Hub{
		subs:    make(map[Key]map[string]*subscription),
		pool:    workers,
		timeout: sendTimeout,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe 注册订阅。同一 sink 对同一 key 重复订阅只保留一份。
func (h *Hub) Subscribe(key Key, sink Sink, expiresAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sinks, ok := h.subs[key]
	if !ok {
		sinks = make(map[string]*subscription)
		h.subs[key] = sinks
	}
	sinks[sink.ID()] = &subscription{sink: sink, expiresAt: expiresAt}
}

// Unsubscribe 取消订阅，返回是否存在
func (h *Hub) Unsubscribe(key Key, sinkID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sinks, ok := h.subs[key]
	if !ok {
		return false
	}
	if _, ok := sinks[sinkID]; !ok {
		return false
	}
	delete(sinks, sinkID)
	if len(sinks) == 0 {
		delete(h.subs, key)
	}
	return true
}

// UnsubscribeAll 移除某个 sink 的全部订阅（连接断开时调用），返回移除数量
func (h *Hub) UnsubscribeAll(sinkID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for key, sinks := range h.subs {
		if _, ok := sinks[sinkID]; ok {
			delete(sinks, sinkID)
			removed++
			if len(sinks) == 0 {
				delete(h.subs, key)
			}
		}
	}
	return removed
}

// DropKey 移除某个地址的全部订阅（邮箱被删除或过期时调用）
func (h *Hub) DropKey(key Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.subs[key])
	delete(h.subs, key)
	return n
}

// Publish 向 key 的存活订阅者推送事件，返回成功入队的数量。
func (h *Hub) Publish(key Key, event Event) int {
	now := h.now()

	h.mu.RLock()
	targets := make([]Sink, 0, len(h.subs[key]))
	for _, sub := range h.subs[key] {
		// 邮箱已过期的订阅直接跳过
		if !now.Before(sub.expiresAt) {
			continue
		}
		targets = append(targets, sub.sink)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal notification", zap.Error(err))
		return 0
	}

	queued := 0
	for _, sink := range targets {
		sink := sink
		ok := h.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
			defer cancel()

			if err := sink.Send(ctx, payload); err != nil {
				h.metrics.RecordNotify("failed")
				h.log.Debug("notification send failed",
					zap.String("sink_id", sink.ID()), zap.Error(err))
				return
			}
			h.metrics.RecordNotify("sent")
		})
		if !ok {
			h.metrics.RecordNotify("dropped")
			h.log.Warn("notification queue full, dropping", zap.String("sink_id", sink.ID()))
			continue
		}
		queued++
	}
	return queued
}

// Prune 清理所属邮箱已过期的订阅，返回清理数量
func (h *Hub) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for key, sinks := range h.subs {
		for id, sub := range sinks {
			if !now.Before(sub.expiresAt) {
				delete(sinks, id)
				removed++
			}
		}
		if len(sinks) == 0 {
			delete(h.subs, key)
		}
	}
	return removed
}

// Count 返回订阅总数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sinks := range h.subs {
		n += len(sinks)
	}
	return n
}
