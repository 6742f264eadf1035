package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	sqlstore "tempmail/disposable/internal/storage/sql"
)

// Client 基于 pgx 连接池的 PostgreSQL 存储，不经过 database/sql
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 创建新的 PostgreSQL 客户端并执行迁移
func New(cfg *config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{pool: pool, log: logger.OrNop(log)}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	c.log.Info("connected to PostgreSQL",
		zap.Int("max_conns", cfg.MaxOpenConns),
		zap.Int("min_conns", cfg.MaxIdleConns),
	)
	return c, nil
}

// Pool 返回底层的连接池
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close 关闭数据库连接池
func (c *Client) Close() error {
	c.pool.Close()
	c.log.Info("PostgreSQL connection closed")
	return nil
}

// Ping 测试数据库连接
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Stats 返回连接池统计信息
func (c *Client) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}

// Migrate 复用 database/sql 存储的版本化建表语句
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current *int32
	if err := c.pool.QueryRow(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range sqlstore.Migrations(sqlstore.DialectPostgres) {
		if current != nil && m.Version <= int(*current) {
			continue
		}
		err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// QueryPublicDomains 返回所有已激活的公共域名
func (c *Client) QueryPublicDomains(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT domain FROM public_domains WHERE is_active = TRUE ORDER BY domain`)
	if err != nil {
		return nil, unavailable("query public domains", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("scan public domains", err)
	}
	return names, nil
}

// AddPublicDomain 添加已验证的公共域名，已存在时重新激活
func (c *Client) AddPublicDomain(ctx context.Context, name string) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO public_domains (id, domain, status, is_active, created_at) VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (domain) DO UPDATE SET is_active = TRUE, status = EXCLUDED.status`,
		uuid.NewString(), strings.ToLower(strings.TrimSpace(name)), string(domain.DomainStatusVerified), time.Now().UTC())
	if err != nil {
		return unavailable("add public domain", err)
	}
	return nil
}

// QueryOwnerVerifiedDomains 返回用户已验证的自定义域名
func (c *Client) QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT domain FROM owner_domains WHERE owner_id = $1 AND status = $2 ORDER BY domain`,
		ownerID, string(domain.DomainStatusVerified))
	if err != nil {
		return nil, unavailable("query owner domains", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("scan owner domains", err)
	}
	return names, nil
}

const (
	snapshotUpsertSQL = `INSERT INTO usage_snapshots (owner_id, usage_date, tier, count, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, usage_date, tier) DO UPDATE SET count = usage_snapshots.count + EXCLUDED.count, updated_at = EXCLUDED.updated_at`
	totalUpsertSQL = `INSERT INTO usage_totals (owner_id, total, last_entity_id, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE SET total = usage_totals.total + EXCLUDED.total,
		last_entity_id = COALESCE(NULLIF(EXCLUDED.last_entity_id, ''), usage_totals.last_entity_id),
		updated_at = EXCLUDED.updated_at`
	domainCountSQL = `UPDATE owner_domains SET mailbox_count = mailbox_count + $1, updated_at = $2 WHERE domain = $3 AND owner_id = $4`
	statInsertSQL  = `INSERT INTO domain_stats (captured_at, domain, live_entities, is_custom) VALUES ($1, $2, $3, $4)`
)

// usageBatch 把增量转换为一批累加语句
func usageBatch(deltas []*domain.UsageDelta, now time.Time) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, d := range deltas {
		for _, tier := range sortedTiers(d.Daily) {
			if n := d.Daily[tier]; n != 0 {
				batch.Queue(snapshotUpsertSQL, d.OwnerID, d.Date, string(tier), n, now)
			}
		}
		if d.Total != 0 || d.LastEntityID != "" {
			batch.Queue(totalUpsertSQL, d.OwnerID, d.Total, d.LastEntityID, now)
		}
		for _, name := range sortedKeys(d.Domains) {
			if n := d.Domains[name]; n != 0 {
				batch.Queue(domainCountSQL, n, now, name, d.OwnerID)
			}
		}
	}
	return batch
}

// UpsertUsageSnapshots 在一个事务内以批量方式累加全部增量
func (c *Client) UpsertUsageSnapshots(ctx context.Context, deltas []*domain.UsageDelta) error {
	batch := usageBatch(deltas, time.Now().UTC())
	if batch.Len() == 0 {
		return nil
	}
	if err := c.sendBatch(ctx, batch); err != nil {
		return unavailable("upsert usage snapshots", err)
	}
	return nil
}

// SaveDomainStats 保存一次统计快照，每个域名一行
func (c *Client) SaveDomainStats(ctx context.Context, stats *domain.DomainStats) error {
	if stats == nil || len(stats.Domains) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range stats.Domains {
		batch.Queue(statInsertSQL, stats.CapturedAt, st.Domain, st.LiveEntities, st.Custom)
	}
	if err := c.sendBatch(ctx, batch); err != nil {
		return unavailable("save domain stats", err)
	}
	return nil
}

func (c *Client) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
}

var _ domain.Store = (*Client)(nil)
var _ domain.Store = (*Store)(nil)
