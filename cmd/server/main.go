package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/disposable/internal/auth"
	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domaincache"
	"tempmail/disposable/internal/health"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/notify"
	"tempmail/disposable/internal/pool"
	"tempmail/disposable/internal/reconcile"
	"tempmail/disposable/internal/scheduler"
	"tempmail/disposable/internal/security"
	"tempmail/disposable/internal/service"
	"tempmail/disposable/internal/smtp"
	"tempmail/disposable/internal/storage"
	"tempmail/disposable/internal/storage/memory"
	httptransport "tempmail/disposable/internal/transport/http"
	"tempmail/disposable/internal/usage"
	"tempmail/disposable/internal/websocket"
)

// main 启动临时邮箱服务：HTTP API、WebSocket 推送、可选的 SMTP 接收以及后台清理/同步任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting disposable mail server",
		zap.String("log_level", cfg.Log.Level),
		zap.String("database_type", cfg.Database.Type),
		zap.Bool("smtp_enabled", cfg.SMTP.Enabled),
	)

	// 持久化存储
	store, err := storage.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close error", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics()

	// 核心组件
	entities := memory.NewEntityStore(cfg.Entity.MessageCapacity, time.Now)
	counter := usage.NewCounter(store, cfg.Quota.DailyLimits, cfg.Quota.Location,
		usage.WithLogger(log), usage.WithMetrics(metrics))
	resolver := domaincache.NewResolver(store, cfg.DomainCache.PublicTTL, cfg.DomainCache.OwnerTTL, cfg.DomainCache.DefaultDomain,
		domaincache.WithLogger(log), domaincache.WithMetrics(metrics))

	workers := pool.NewWorkerPool(cfg.Notify.Workers, cfg.Notify.QueueSize, log)
	workers.OnPanic(func(any) { metrics.RecordPanic() })
	notifyHub := notify.NewHub(workers, cfg.Notify.SendTimeout, notify.WithLogger(log), notify.WithMetrics(metrics))

	var stats *service.StatsService
	sched := scheduler.New(cfg.Scheduler.SweepInterval,
		scheduler.WithLogger(log),
		scheduler.WithSweepHook(func(map[string]int) { stats.RefreshGauges() }),
	)

	entityService := service.NewEntityService(entities, resolver, counter, sched, notifyHub, cfg.Entity, cfg.Quota,
		service.WithLogger(log), service.WithMetrics(metrics), service.WithMailFilter(security.NewContentFilter()))
	stats = service.NewStatsService(entities, resolver, counter, notifyHub, sched, metrics)

	sched.Register(
		scheduler.Sweeper{Name: "entities", Sweep: entities.Sweep},
		scheduler.Sweeper{Name: "usage", Sweep: counter.Sweep},
		scheduler.Sweeper{Name: "domain_cache", Sweep: resolver.Sweep},
		scheduler.Sweeper{Name: "subscriptions", Sweep: notifyHub.Prune},
	)

	syncer := reconcile.NewSyncer(counter, stats, store, reconcile.Config{
		Interval:        cfg.Sync.FlushInterval,
		StatsEvery:      cfg.Sync.StatsEvery,
		ShutdownTimeout: cfg.Sync.ShutdownTimeout,
	}, log)

	// 对外接口
	jwtManager := auth.NewJWTManager(&cfg.JWT)
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, entityService, notifyHub, log)

	healthChecker := health.NewHealthChecker(store, health.Options{
		MaxGoroutines:  10000,
		MaxBacklog:     10000,
		BacklogCounter: counter.PendingCount,
	}, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Entities:      entityService,
		Stats:         stats,
		Usage:         counter,
		Domains:       resolver,
		Sync:          syncer,
		Authenticator: jwtManager,
		WebSocketHub:  wsHub,
		Health:        healthChecker.Handler(),
		Metrics:       metrics,
		Logger:        log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConns, cfg.SMTP.MaxRate)
		backend := smtp.NewBackend(entityService, limiter, metrics, log)
		smtpServer = smtp.NewServer(backend, cfg.SMTP.BindAddr, cfg.SMTP.Domain)
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return syncer.Run(groupCtx) })
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("SMTP server shutdown warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	// 关闭期间仍在处理的请求可能又产生了增量
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.ShutdownTimeout)
	if n, err := syncer.Flush(flushCtx); err != nil {
		log.Error("final usage flush failed", zap.Error(err))
	} else if n > 0 {
		log.Info("late usage deltas flushed", zap.Int("deltas", n))
	}
	cancel()

	workers.Stop()
	log.Info("server exited cleanly")
}
