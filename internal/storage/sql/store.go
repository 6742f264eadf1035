package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	_ "github.com/lib/pq"              // PostgreSQL driver

	"tempmail/disposable/internal/domain"
)

const (
	// DialectPostgres PostgreSQL 语法（$n 占位符，ON CONFLICT）
	DialectPostgres = "postgres"
	// DialectMySQL MySQL 语法（? 占位符，ON DUPLICATE KEY）
	DialectMySQL = "mysql"
)

// Store database/sql 存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// DialectFor 返回驱动对应的 SQL 方言
func DialectFor(driverName string) (string, error) {
	switch driverName {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, pgx)", driverName)
	}
}

// NewStore 打开数据库连接并执行迁移
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	dialect, err := DialectFor(driverName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := New(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// New 包装已有连接，不执行迁移
func New(db *sql.DB, dialect string) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB 返回底层连接
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Migrate 按版本顺序执行尚未应用的迁移。
// 每个版本在独立事务中执行并记录到 schema_version。
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range Migrations(s.dialect) {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion 返回当前已应用的最高版本，未迁移时为 0
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (s *Store) apply(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryPublicDomains 返回所有已激活的公共域名
func (s *Store) QueryPublicDomains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM public_domains WHERE is_active = TRUE ORDER BY domain`)
	if err != nil {
		return nil, unavailable("query public domains", err)
	}
	defer rows.Close()

	names, err := scanStrings(rows)
	if err != nil {
		return nil, unavailable("scan public domains", err)
	}
	return names, nil
}

// AddPublicDomain 添加已验证的公共域名，已存在时重新激活
func (s *Store) AddPublicDomain(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	query := `INSERT INTO public_domains (id, domain, status, is_active, created_at) VALUES (?, ?, ?, TRUE, ?)
		ON CONFLICT (domain) DO UPDATE SET is_active = TRUE, status = EXCLUDED.status`
	if s.dialect == DialectMySQL {
		query = `INSERT INTO public_domains (id, domain, status, is_active, created_at) VALUES (?, ?, ?, TRUE, ?)
			ON DUPLICATE KEY UPDATE is_active = TRUE, status = VALUES(status)`
	}

	_, err := s.db.ExecContext(ctx, s.rebind(query), uuid.NewString(), name, string(domain.DomainStatusVerified), s.now())
	if err != nil {
		return unavailable("add public domain", err)
	}
	return nil
}

// QueryOwnerVerifiedDomains 返回用户已验证的自定义域名
func (s *Store) QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error) {
	query := s.rebind(`SELECT domain FROM owner_domains WHERE owner_id = ? AND status = ? ORDER BY domain`)
	rows, err := s.db.QueryContext(ctx, query, ownerID, string(domain.DomainStatusVerified))
	if err != nil {
		return nil, unavailable("query owner domains", err)
	}
	defer rows.Close()

	names, err := scanStrings(rows)
	if err != nil {
		return nil, unavailable("scan owner domains", err)
	}
	return names, nil
}

// UpsertUsageSnapshots 在一个事务内累加全部增量
func (s *Store) UpsertUsageSnapshots(ctx context.Context, deltas []*domain.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin usage tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	snapshotSQL := s.rebind(s.snapshotUpsert())
	totalSQL := s.rebind(s.totalUpsert())
	// 只更新归属该用户的域名行
	domainSQL := s.rebind(`UPDATE owner_domains SET mailbox_count = mailbox_count + ?, updated_at = ? WHERE domain = ? AND owner_id = ?`)

	for _, d := range deltas {
		for _, tier := range sortedTiers(d.Daily) {
			n := d.Daily[tier]
			if n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, snapshotSQL, d.OwnerID, d.Date, string(tier), n, now); err != nil {
				return unavailable("upsert usage snapshot", err)
			}
		}

		if d.Total != 0 || d.LastEntityID != "" {
			if _, err := tx.ExecContext(ctx, totalSQL, d.OwnerID, d.Total, d.LastEntityID, now); err != nil {
				return unavailable("upsert usage total", err)
			}
		}

		for _, name := range sortedKeys(d.Domains) {
			n := d.Domains[name]
			if n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, domainSQL, n, now, name, d.OwnerID); err != nil {
				return unavailable("update domain mailbox count", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit usage tx", err)
	}
	return nil
}

// SaveDomainStats 保存一次统计快照，每个域名一行
func (s *Store) SaveDomainStats(ctx context.Context, stats *domain.DomainStats) error {
	if stats == nil || len(stats.Domains) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin stats tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert := s.rebind(`INSERT INTO domain_stats (captured_at, domain, live_entities, is_custom) VALUES (?, ?, ?, ?)`)
	for _, st := range stats.Domains {
		if _, err := tx.ExecContext(ctx, insert, stats.CapturedAt, st.Domain, st.LiveEntities, st.Custom); err != nil {
			return unavailable("insert domain stat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit stats tx", err)
	}
	return nil
}

func (s *Store) snapshotUpsert() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO usage_snapshots (owner_id, usage_date, tier, count, updated_at) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE count = count + VALUES(count), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO usage_snapshots (owner_id, usage_date, tier, count, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, usage_date, tier) DO UPDATE SET count = usage_snapshots.count + EXCLUDED.count, updated_at = EXCLUDED.updated_at`
}

func (s *Store) totalUpsert() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO usage_totals (owner_id, total, last_entity_id, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE total = total + VALUES(total),
			last_entity_id = COALESCE(NULLIF(VALUES(last_entity_id), ''), last_entity_id),
			updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO usage_totals (owner_id, total, last_entity_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET total = usage_totals.total + EXCLUDED.total,
		last_entity_id = COALESCE(NULLIF(EXCLUDED.last_entity_id, ''), usage_totals.last_entity_id),
		updated_at = EXCLUDED.updated_at`
}

// rebind 把 ? 占位符转换为当前方言的写法
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func sortedTiers(m map[domain.Tier]int64) []domain.Tier {
	out := make([]domain.Tier, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// unavailable 把驱动错误归类为存储不可用，ctx 取消原样返回
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
}
