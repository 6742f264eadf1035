package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/disposable/internal/logger"
)

// Sweeper 周期清理任务
type Sweeper struct {
	Name  string
	Sweep func(now time.Time) int
}

type timerEntry struct {
	timer *time.Timer
	seq   uint64
}

// Scheduler 过期调度器：每个邮箱一个一次性定时器，外加周期性全量清理兜底。
//
// 定时器在进程重启后不会恢复，漏掉的过期由周期清理和读取时的惰性检查处理。
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]timerEntry
	seq     uint64
	stopped bool

	sweepers []Sweeper
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
	onSweep  func(removed map[string]int)
}

// Option 可选项
type Option func(*Scheduler)

// WithClock 替换时间来源（只影响清理时传入的时间，定时器仍使用真实时间）
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger 设置日志
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = logger.OrNop(log) }
}

// WithSweepHook 每轮清理结束后回调，参数为各清理任务的清理数量
func WithSweepHook(fn func(removed map[string]int)) Option {
	return func(s *Scheduler) { s.onSweep = fn }
}

// New 创建调度器
func New(interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers:   make(map[string]timerEntry),
		interval: interval,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 注册周期清理任务，需在 Run 之前调用。
func (s *Scheduler) Register(sweepers ...Sweeper) {
	s.mu.Lock()
	s.sweepers = append(s.sweepers, sweepers...)
	s.mu.Unlock()
}

// Schedule 在 at 时刻执行 fn。同一 id 重复调度时替换旧定时器。
func (s *Scheduler) Schedule(id string, at time.Time, fn func()) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
	}

	s.seq++
	seq := s.seq
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		entry, ok := s.timers[id]
		// 已被取消或被新定时器替换
		if !ok || entry.seq != seq {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = timerEntry{timer: timer, seq: seq}
}

// Cancel 取消定时器，返回是否存在
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending 返回尚未触发的定时器数量
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// SweepNow 立即执行一轮清理，返回各任务的清理数量
func (s *Scheduler) SweepNow() map[string]int {
	s.mu.Lock()
	sweepers := append([]Sweeper(nil), s.sweepers...)
	s.mu.Unlock()

	now := s.now()
	removed := make(map[string]int, len(sweepers))
	for _, sw := range sweepers {
		removed[sw.Name] = sw.Sweep(now)
	}

	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}

// Run 按固定间隔执行清理，直到 ctx 结束。结束时停止所有定时器。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.Stop()

	s.log.Info("sweep scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep scheduler stopped")
			return nil
		case <-ticker.C:
			removed := s.SweepNow()
			s.log.Info("periodic sweep finished", zap.Any("removed", removed))
		}
	}
}

// Stop 停止所有定时器，之后的 Schedule 调用被忽略。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}
