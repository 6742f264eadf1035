package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempmail/disposable/internal/domain"
)

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig 默认连接池参数
var DefaultPoolConfig = PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}

// Store GORM 存储实现（PostgreSQL / MySQL）
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, pool PoolConfig) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), pool)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, pool PoolConfig) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), pool)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, pool PoolConfig) (*Store, error) {
	config := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.PublicDomain{},
		&domain.OwnerDomain{},
		&domain.UsageSnapshot{},
		&domain.UsageTotal{},
		&domain.DomainStatRecord{},
	)
}

// DB 返回 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== 域名 ==========

// QueryPublicDomains 返回所有已激活的公共域名
func (s *Store) QueryPublicDomains(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&domain.PublicDomain{}).
		Where("is_active = ?", true).
		Order("domain").
		Pluck("domain", &names).Error
	if err != nil {
		return nil, unavailable("query public domains", err)
	}
	return names, nil
}

// QueryOwnerVerifiedDomains 返回用户已验证的自定义域名
func (s *Store) QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&domain.OwnerDomain{}).
		Where("owner_id = ? AND status = ?", ownerID, domain.DomainStatusVerified).
		Order("domain").
		Pluck("domain", &names).Error
	if err != nil {
		return nil, unavailable("query owner domains", err)
	}
	return names, nil
}

// AddPublicDomain 新增或更新公共域名
func (s *Store) AddPublicDomain(ctx context.Context, name string, active bool) (*domain.PublicDomain, error) {
	pd := &domain.PublicDomain{
		ID:       uuid.NewString(),
		Domain:   domain.NormalizeAddress(name),
		Status:   domain.DomainStatusVerified,
		IsActive: active,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active", "status"}),
	}).Create(pd).Error
	if err != nil {
		return nil, err
	}
	return pd, nil
}

// AddOwnerDomain 新增用户自定义域名
func (s *Store) AddOwnerDomain(ctx context.Context, ownerID, name string, status domain.DomainStatus) (*domain.OwnerDomain, error) {
	od := &domain.OwnerDomain{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Domain:  domain.NormalizeAddress(name),
		Status:  status,
	}
	if err := s.db.WithContext(ctx).Create(od).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("domain %s: %w", od.Domain, domain.ErrAddressTaken)
		}
		return nil, err
	}
	return od, nil
}

// ========== 用量 ==========

// UpsertUsageSnapshots 在一个事务内累加全部增量
func (s *Store) UpsertUsageSnapshots(ctx context.Context, deltas []*domain.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	snapshotConflict, totalConflict := s.usageConflicts()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range deltas {
			rows := make([]domain.UsageSnapshot, 0, len(d.Daily))
			for _, tier := range sortedTiers(d.Daily) {
				if n := d.Daily[tier]; n != 0 {
					rows = append(rows, domain.UsageSnapshot{OwnerID: d.OwnerID, UsageDate: d.Date, Tier: tier, Count: n})
				}
			}
			if len(rows) > 0 {
				if err := tx.Clauses(snapshotConflict).Create(&rows).Error; err != nil {
					return err
				}
			}

			if d.Total != 0 || d.LastEntityID != "" {
				total := domain.UsageTotal{OwnerID: d.OwnerID, Total: d.Total, LastEntityID: d.LastEntityID}
				if err := tx.Clauses(totalConflict).Create(&total).Error; err != nil {
					return err
				}
			}

			for _, name := range sortedKeys(d.Domains) {
				n := d.Domains[name]
				if n == 0 {
					continue
				}
				err := tx.Model(&domain.OwnerDomain{}).
					Where("domain = ? AND owner_id = ?", name, d.OwnerID).
					UpdateColumns(map[string]interface{}{
						"mailbox_count": gorm.Expr("mailbox_count + ?", n),
						"updated_at":    time.Now().UTC(),
					}).Error
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("upsert usage snapshots", err)
	}
	return nil
}

// usageConflicts 返回当前方言下的累加写法
func (s *Store) usageConflicts() (snapshot, total clause.OnConflict) {
	if s.db.Dialector.Name() == "mysql" {
		snapshot = clause.OnConflict{
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("count + VALUES(count)"),
				"updated_at": gorm.Expr("VALUES(updated_at)"),
			}),
		}
		total = clause.OnConflict{
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total":          gorm.Expr("total + VALUES(total)"),
				"last_entity_id": gorm.Expr("COALESCE(NULLIF(VALUES(last_entity_id), ''), last_entity_id)"),
				"updated_at":     gorm.Expr("VALUES(updated_at)"),
			}),
		}
		return snapshot, total
	}

	snapshot = clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "usage_date"}, {Name: "tier"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":      gorm.Expr("usage_snapshots.count + excluded.count"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}
	total = clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total":          gorm.Expr("usage_totals.total + excluded.total"),
			"last_entity_id": gorm.Expr("COALESCE(NULLIF(excluded.last_entity_id, ''), usage_totals.last_entity_id)"),
			"updated_at":     gorm.Expr("excluded.updated_at"),
		}),
	}
	return snapshot, total
}

// SnapshotCount 返回某用户某天某档位的已落库计数
func (s *Store) SnapshotCount(ctx context.Context, ownerID, date string, tier domain.Tier) (int64, error) {
	var snap domain.UsageSnapshot
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND usage_date = ? AND tier = ?", ownerID, date, tier).
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return snap.Count, err
}

// TotalFor 返回用户的累计计数
func (s *Store) TotalFor(ctx context.Context, ownerID string) (*domain.UsageTotal, error) {
	var total domain.UsageTotal
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&total).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.UsageTotal{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &total, nil
}

// ========== 统计 ==========

// SaveDomainStats 保存一次统计快照，每个域名一行
func (s *Store) SaveDomainStats(ctx context.Context, stats *domain.DomainStats) error {
	if stats == nil || len(stats.Domains) == 0 {
		return nil
	}

	records := make([]domain.DomainStatRecord, 0, len(stats.Domains))
	for _, st := range stats.Domains {
		records = append(records, domain.DomainStatRecord{
			CapturedAt:   stats.CapturedAt,
			Domain:       st.Domain,
			LiveEntities: st.LiveEntities,
			IsCustom:     st.Custom,
		})
	}

	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return unavailable("save domain stats", err)
	}
	return nil
}

// DeleteStatsBefore 清理早于 before 的统计快照
func (s *Store) DeleteStatsBefore(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("captured_at < ?", before).Delete(&domain.DomainStatRecord{})
	return result.RowsAffected, result.Error
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
