package sql

// Migration 一个版本的建表语句
type Migration struct {
	Version    int
	Statements []string
}

// 版本号只增不改；已发布的版本不能修改，只能追加新版本。
var postgresMigrations = []Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS public_domains (
				id VARCHAR(36) PRIMARY KEY,
				domain VARCHAR(255) NOT NULL UNIQUE,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS owner_domains (
				id VARCHAR(36) PRIMARY KEY,
				owner_id VARCHAR(64) NOT NULL,
				domain VARCHAR(255) NOT NULL UNIQUE,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				mailbox_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_owner_domains_owner ON owner_domains (owner_id, status)`,
			`CREATE TABLE IF NOT EXISTS usage_snapshots (
				owner_id VARCHAR(64) NOT NULL,
				usage_date VARCHAR(10) NOT NULL,
				tier VARCHAR(20) NOT NULL,
				count BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (owner_id, usage_date, tier)
			)`,
			`CREATE TABLE IF NOT EXISTS usage_totals (
				owner_id VARCHAR(64) PRIMARY KEY,
				total BIGINT NOT NULL DEFAULT 0,
				last_entity_id VARCHAR(36) NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		Version: 2,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS domain_stats (
				id BIGSERIAL PRIMARY KEY,
				captured_at TIMESTAMPTZ NOT NULL,
				domain VARCHAR(255) NOT NULL,
				live_entities INTEGER NOT NULL DEFAULT 0,
				is_custom BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_domain_stats_captured ON domain_stats (captured_at)`,
		},
	},
}

var mysqlMigrations = []Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS public_domains (
				id VARCHAR(36) PRIMARY KEY,
				domain VARCHAR(255) NOT NULL UNIQUE,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				is_active TINYINT(1) NOT NULL DEFAULT 0,
				is_default TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS owner_domains (
				id VARCHAR(36) PRIMARY KEY,
				owner_id VARCHAR(64) NOT NULL,
				domain VARCHAR(255) NOT NULL UNIQUE,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				mailbox_count BIGINT NOT NULL DEFAULT 0,
				created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
				updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
				INDEX idx_owner_domains_owner (owner_id, status)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS usage_snapshots (
				owner_id VARCHAR(64) NOT NULL,
				usage_date VARCHAR(10) NOT NULL,
				tier VARCHAR(20) NOT NULL,
				count BIGINT NOT NULL DEFAULT 0,
				updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
				PRIMARY KEY (owner_id, usage_date, tier)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS usage_totals (
				owner_id VARCHAR(64) PRIMARY KEY,
				total BIGINT NOT NULL DEFAULT 0,
				last_entity_id VARCHAR(36) NOT NULL DEFAULT '',
				updated_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
	{
		Version: 2,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS domain_stats (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				captured_at DATETIME(3) NOT NULL,
				domain VARCHAR(255) NOT NULL,
				live_entities INT NOT NULL DEFAULT 0,
				is_custom TINYINT(1) NOT NULL DEFAULT 0,
				INDEX idx_domain_stats_captured (captured_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
}

// Migrations 返回指定方言的全部迁移
func Migrations(dialect string) []Migration {
	if dialect == DialectMySQL {
		return mysqlMigrations
	}
	return postgresMigrations
}

// LatestVersion 返回最新的 schema 版本
func LatestVersion(dialect string) int {
	m := Migrations(dialect)
	return m[len(m)-1].Version
}
