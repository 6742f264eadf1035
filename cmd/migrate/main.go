package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/storage"
	"tempmail/disposable/internal/storage/memory"
	"tempmail/disposable/internal/storage/postgres"
	"tempmail/disposable/internal/storage/redis"
	sqlstore "tempmail/disposable/internal/storage/sql"
)

// main 初始化持久化存储的表结构，并可选地写入公共域名。
//
// 用法:
//
//	TEMPMAIL_DATABASE_TYPE=sql-postgres TEMPMAIL_DATABASE_DSN=... go run ./cmd/migrate -domains=temp.mail,quick.mail
func main() {
	domains := flag.String("domains", "", "逗号分隔的公共域名，留空只建表")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// 打开存储时会按类型完成建表或版本迁移
	store, err := storage.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		log.Fatal("storage unreachable", zap.Error(err))
	}

	if v, ok := store.(*sqlstore.Store); ok {
		version, err := v.SchemaVersion(ctx)
		if err != nil {
			log.Fatal("failed to read schema version", zap.Error(err))
		}
		log.Info("schema up to date", zap.Int("version", version))
	}

	for _, name := range parseList(*domains) {
		if err := seedPublicDomain(ctx, store, name); err != nil {
			log.Fatal("failed to add public domain", zap.String("domain", name), zap.Error(err))
		}
		log.Info("public domain added", zap.String("domain", name))
	}

	published, err := store.QueryPublicDomains(ctx)
	if err != nil {
		log.Fatal("failed to list public domains", zap.Error(err))
	}
	log.Info("migration finished", zap.Strings("public_domains", published))
}

// seedPublicDomain 按存储类型写入公共域名
func seedPublicDomain(ctx context.Context, store domain.Store, name string) error {
	switch s := store.(type) {
	case *postgres.Store:
		_, err := s.AddPublicDomain(ctx, name, true)
		return err
	case *sqlstore.Store:
		return s.AddPublicDomain(ctx, name)
	case *postgres.Client:
		return s.AddPublicDomain(ctx, name)
	case *redis.Client:
		return s.AddPublicDomain(ctx, name)
	case *memory.Store:
		s.AddPublicDomain(name)
		return nil
	default:
		return fmt.Errorf("storage %T does not support seeding domains", store)
	}
}

func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
