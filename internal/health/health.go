package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tempmail/disposable/internal/logger"
)

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogFunc 返回当前积压数量
type BacklogFunc func() int

// Options 健康检查参数
type Options struct {
	PingTimeout    time.Duration // 存储探测超时，默认 3 秒
	MaxGoroutines  int           // 协程数上限，0 表示不检查
	MaxBacklog     int           // 待刷新增量上限，0 表示不检查
	BacklogCounter BacklogFunc
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  Pinger
	opts   Options
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store Pinger, opts Options, log *zap.Logger) *HealthChecker {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		opts:   opts,
		logger: logger.OrNop(log),
	}
	hc.addChecks()
	return hc
}

func (hc *HealthChecker) addChecks() {
	if hc.opts.MaxGoroutines > 0 {
		hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(hc.opts.MaxGoroutines))
	}

	// 存储不可用时进程仍可服务（域名走过期缓存，计数留在内存），只影响就绪
	hc.health.AddReadinessCheck("storage", hc.storageCheck())

	if hc.opts.MaxBacklog > 0 && hc.opts.BacklogCounter != nil {
		hc.health.AddReadinessCheck("usage-backlog", BacklogCheck(hc.opts.BacklogCounter, hc.opts.MaxBacklog))
	}
}

func (hc *HealthChecker) storageCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.opts.PingTimeout)
		defer cancel()

		if err := hc.store.Ping(ctx); err != nil {
			hc.logger.Warn("storage health check failed", zap.Error(err))
			return err
		}
		return nil
	}
}

// Handler 返回健康检查处理器，处理 /live 和 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行全部检查并汇总结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.storageCheck()(); err != nil {
		results["storage"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["storage"] = "OK"
	}

	if hc.opts.BacklogCounter != nil {
		results["usage_backlog"] = fmt.Sprintf("%d", hc.opts.BacklogCounter())
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// BacklogCheck 积压超过上限时报告未就绪
func BacklogCheck(counter BacklogFunc, max int) healthcheck.Check {
	return func() error {
		if n := counter(); n > max {
			return fmt.Errorf("usage backlog too large (%d > %d)", n, max)
		}
		return nil
	}
}
