package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
)

var tracer = otel.Tracer("tempmail/disposable/internal/reconcile")

// Flusher 待刷新增量的来源
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// StatsSource 域名统计快照的来源
type StatsSource interface {
	DomainStats(ctx context.Context) (*domain.DomainStats, error)
}

// Config 同步参数
type Config struct {
	Interval        time.Duration // 刷新间隔
	StatsEvery      int           // 每隔多少个周期保存一次统计，0 表示不保存
	ShutdownTimeout time.Duration // 退出前最后一次刷新的超时
}

// Syncer 定期把计数增量写入存储，并按需保存域名统计。
//
// 存储不可用时只记录日志，增量留在队列里等下个周期。
// ctx 结束后同步执行最后一次刷新再返回。
type Syncer struct {
	flusher Flusher
	stats   StatsSource
	repo    domain.StatsRepository
	cfg     Config
	log     *zap.Logger

	mu     sync.Mutex
	cycles int
}

// NewSyncer 创建同步任务。stats 或 repo 为 nil 时不保存统计。
func NewSyncer(flusher Flusher, stats StatsSource, repo domain.StatsRepository, cfg Config, log *zap.Logger) *Syncer {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Syncer{
		flusher: flusher,
		stats:   stats,
		repo:    repo,
		cfg:     cfg,
		log:     logger.OrNop(log),
	}
}

// Run 按固定间隔同步，直到 ctx 结束。
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("reconcile sync started", zap.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			// 周期内不响应取消，保证一次刷新完整执行
			if err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("reconcile cycle failed, will retry next cycle", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一个同步周期：刷新增量，必要时保存统计。
// 刷新失败不影响统计的保存，两者的错误合并返回。
func (s *Syncer) RunOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "reconcile.cycle")
	defer span.End()

	_, flushErr := s.Flush(ctx)

	s.mu.Lock()
	s.cycles++
	saveStats := s.cfg.StatsEvery > 0 && s.cycles%s.cfg.StatsEvery == 0
	s.mu.Unlock()

	var statsErr error
	if saveStats {
		statsErr = s.SaveStats(ctx)
	}
	return errors.Join(flushErr, statsErr)
}

// Flush 立即刷新增量
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	n, err := s.flusher.Flush(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("usage deltas flushed", zap.Int("deltas", n))
	}
	return n, nil
}

// SaveStats 生成并保存一次域名统计
func (s *Syncer) SaveStats(ctx context.Context) error {
	if s.stats == nil || s.repo == nil {
		return nil
	}
	snapshot, err := s.stats.DomainStats(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.SaveDomainStats(ctx, snapshot); err != nil {
		return err
	}
	s.log.Debug("domain stats saved", zap.Int("domains", len(snapshot.Domains)))
	return nil
}

// shutdown 退出前的最后一次刷新
func (s *Syncer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	n, err := s.Flush(ctx)
	if err != nil {
		s.log.Error("final usage flush failed, pending deltas lost", zap.Error(err))
		return
	}
	s.log.Info("reconcile sync stopped", zap.Int("final_deltas", n))
}
