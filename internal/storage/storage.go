package storage

import (
	"fmt"

	"go.uber.org/zap"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/storage/memory"
	"tempmail/disposable/internal/storage/postgres"
	"tempmail/disposable/internal/storage/redis"
	sqlstore "tempmail/disposable/internal/storage/sql"
)

// Open 根据配置创建持久化存储
func Open(cfg *config.Config, log *zap.Logger) (domain.Store, error) {
	log = logger.OrNop(log)
	db := cfg.Database

	log.Info("initializing storage", zap.String("database_type", db.Type))

	switch db.Type {
	case "", "memory":
		store := memory.NewStore()
		if cfg.DomainCache.DefaultDomain != "" {
			store.AddPublicDomain(cfg.DomainCache.DefaultDomain)
		}
		log.Info("using memory storage (development mode)")
		return store, nil

	case "postgres", "mysql":
		if db.DSN == "" {
			return nil, fmt.Errorf("database DSN is required for %s", db.Type)
		}
		pool := postgres.PoolConfig{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
		}
		if db.Type == "mysql" {
			return postgres.NewMySQLStore(db.DSN, pool)
		}
		return postgres.NewStore(db.DSN, pool)

	case "sql-postgres", "sql-mysql", "sql-pgx":
		if db.DSN == "" {
			return nil, fmt.Errorf("database DSN is required for %s", db.Type)
		}
		driver := db.Type[len("sql-"):]
		return sqlstore.NewStore(driver, db.DSN, db.MaxOpenConns, db.MaxIdleConns, db.ConnMaxLifetime)

	case "pgx":
		return postgres.New(&db, log)

	case "redis":
		return redis.New(&cfg.Redis, log)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", db.Type)
	}
}
