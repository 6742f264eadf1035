package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tempmail/disposable/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SMTPConfig 定义 SMTP 邮件接收服务器的配置
type SMTPConfig struct {
	Enabled  bool   // 是否启动 SMTP 接收
	BindAddr string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Domain   string // SMTP 服务器域名，用于 HELO/EHLO 响应
	MaxConns int    // 最大并发连接数
	MaxRate  int    // 每秒最大新建连接数
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义持久化存储配置
type DatabaseConfig struct {
	// 存储类型:
	//   memory     进程内存储（开发环境）
	//   postgres   GORM + PostgreSQL
	//   mysql      GORM + MySQL
	//   sql-postgres / sql-mysql / sql-pgx  database/sql 直连
	//   pgx        pgx 连接池直连 PostgreSQL
	//   redis      Redis
	Type            string
	DSN             string
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义 JWT 校验配置（令牌由外部账户服务签发）
type JWTConfig struct {
	Secret string // JWT 签名密钥，必须至少 32 字符
	Issuer string // JWT 签发者标识，默认 "tempmail"
}

// EntityConfig 临时邮箱配置
type EntityConfig struct {
	TierDurations   map[domain.Tier]time.Duration // 各档位的生存时间
	MessageCapacity int                           // 每个邮箱最多保留的邮件数
	AddressAttempts int                           // 地址冲突时的最大重试次数
	LocalPartLength int                           // 随机前缀长度
	GmailBases      []string                      // gmail_alias 方式使用的基础账号（不含 @gmail.com）
}

// QuotaConfig 每日配额配置
type QuotaConfig struct {
	DailyLimits map[domain.Tier]int64 // 各档位每日上限
	Privileged  []domain.QuotaLevel   // 不受配额限制的等级
	Location    *time.Location        // 计算“本地午夜”使用的时区
}

// DomainCacheConfig 域名缓存配置
type DomainCacheConfig struct {
	PublicTTL     time.Duration // 公共域名列表刷新间隔
	OwnerTTL      time.Duration // 用户域名列表刷新间隔（比公共域名短）
	DefaultDomain string        // 存储不可用且无缓存时使用的兜底域名
}

// SchedulerConfig 清理任务配置
type SchedulerConfig struct {
	SweepInterval time.Duration
}

// SyncConfig 计数同步配置
type SyncConfig struct {
	FlushInterval   time.Duration // 增量刷新间隔
	StatsEvery      int           // 每隔多少次刷新保存一次域名统计，0 表示不保存
	ShutdownTimeout time.Duration // 关闭时最后一次刷新的超时时间
}

// NotifyConfig 推送配置
type NotifyConfig struct {
	SendTimeout time.Duration // 单个订阅者的发送超时
	Workers     int           // 推送协程数
	QueueSize   int           // 推送队列长度
}

// WebhookConfig 入站 webhook 配置
type WebhookConfig struct {
	Secret    string  // 共享密钥，留空表示不校验
	RateLimit float64 // 每秒允许的投递数
	Burst     int
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server      ServerConfig
	SMTP        SMTPConfig
	CORS        CORSConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Entity      EntityConfig
	Quota       QuotaConfig
	DomainCache DomainCacheConfig
	Scheduler   SchedulerConfig
	Sync        SyncConfig
	Notify      NotifyConfig
	Webhook     WebhookConfig
}

// IsPrivileged 判断配额等级是否不受每日配额限制
func (c QuotaConfig) IsPrivileged(level domain.QuotaLevel) bool {
	for _, p := range c.Privileged {
		if p == level {
			return true
		}
	}
	return false
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_，例如 TEMPMAIL_QUOTA_DAILY_LIMITS="10min=20,1hour=10,1day=5"
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	tierDurations, err := parseDurationTable(v.GetString("entity.tier_durations"))
	if err != nil {
		return nil, fmt.Errorf("invalid entity.tier_durations: %w", err)
	}

	dailyLimits, err := parseLimitTable(v.GetString("quota.daily_limits"))
	if err != nil {
		return nil, fmt.Errorf("invalid quota.daily_limits: %w", err)
	}
	for tier := range dailyLimits {
		if _, ok := tierDurations[tier]; !ok {
			return nil, fmt.Errorf("quota.daily_limits: tier %q has no duration", tier)
		}
	}

	location, err := time.LoadLocation(v.GetString("quota.timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid quota.timezone: %w", err)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"database.conn_max_lifetime",
		"domain_cache.public_ttl",
		"domain_cache.owner_ttl",
		"scheduler.sweep_interval",
		"sync.flush_interval",
		"sync.shutdown_timeout",
		"notify.send_timeout",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = d
	}

	if durations["domain_cache.owner_ttl"] > durations["domain_cache.public_ttl"] {
		return nil, fmt.Errorf("domain_cache.owner_ttl must not exceed domain_cache.public_ttl")
	}

	defaultDomain := strings.ToLower(strings.TrimSpace(v.GetString("domain_cache.default_domain")))
	if defaultDomain == "" {
		return nil, fmt.Errorf("domain_cache.default_domain must not be empty")
	}

	jwtSecret := v.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set TEMPMAIL_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	privileged := make([]domain.QuotaLevel, 0)
	for _, level := range parseList(v.GetString("quota.privileged_levels")) {
		privileged = append(privileged, domain.QuotaLevel(strings.ToLower(level)))
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			Enabled:  v.GetBool("smtp.enabled"),
			BindAddr: v.GetString("smtp.bind_addr"),
			Domain:   v.GetString("smtp.domain"),
			MaxConns: positiveOr(v.GetInt("smtp.max_conns"), 100),
			MaxRate:  positiveOr(v.GetInt("smtp.max_rate"), 20),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    positiveOr(v.GetInt("database.max_open_conns"), 25),
			MaxIdleConns:    positiveOr(v.GetInt("database.max_idle_conns"), 5),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: v.GetString("jwt.issuer"),
		},
		Entity: EntityConfig{
			TierDurations:   tierDurations,
			MessageCapacity: positiveOr(v.GetInt("entity.message_capacity"), domain.DefaultMessageCapacity),
			AddressAttempts: positiveOr(v.GetInt("entity.address_attempts"), 10),
			LocalPartLength: positiveOr(v.GetInt("entity.local_part_length"), 10),
			GmailBases:      parseDomains(v.GetString("entity.gmail_bases")),
		},
		Quota: QuotaConfig{
			DailyLimits: dailyLimits,
			Privileged:  privileged,
			Location:    location,
		},
		DomainCache: DomainCacheConfig{
			PublicTTL:     durations["domain_cache.public_ttl"],
			OwnerTTL:      durations["domain_cache.owner_ttl"],
			DefaultDomain: defaultDomain,
		},
		Scheduler: SchedulerConfig{
			SweepInterval: durations["scheduler.sweep_interval"],
		},
		Sync: SyncConfig{
			FlushInterval:   durations["sync.flush_interval"],
			StatsEvery:      v.GetInt("sync.stats_every"),
			ShutdownTimeout: durations["sync.shutdown_timeout"],
		},
		Notify: NotifyConfig{
			SendTimeout: durations["notify.send_timeout"],
			Workers:     positiveOr(v.GetInt("notify.workers"), 8),
			QueueSize:   positiveOr(v.GetInt("notify.queue_size"), 1024),
		},
		Webhook: WebhookConfig{
			Secret:    v.GetString("webhook.secret"),
			RateLimit: v.GetFloat64("webhook.rate_limit"),
			Burst:     positiveOr(v.GetInt("webhook.burst"), 50),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.domain", "temp.mail")
	v.SetDefault("smtp.max_conns", 100)
	v.SetDefault("smtp.max_rate", 20)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "tempmail")
	v.SetDefault("entity.tier_durations", "10min=10m,1hour=1h,1day=24h")
	v.SetDefault("entity.message_capacity", domain.DefaultMessageCapacity)
	v.SetDefault("entity.address_attempts", 10)
	v.SetDefault("entity.local_part_length", 10)
	v.SetDefault("entity.gmail_bases", "")
	v.SetDefault("quota.daily_limits", "10min=20,1hour=10,1day=5")
	v.SetDefault("quota.privileged_levels", "unlimited,enterprise")
	v.SetDefault("quota.timezone", "Local")
	v.SetDefault("domain_cache.public_ttl", "5m")
	v.SetDefault("domain_cache.owner_ttl", "1m")
	v.SetDefault("domain_cache.default_domain", "temp.mail")
	v.SetDefault("scheduler.sweep_interval", "1h")
	v.SetDefault("sync.flush_interval", "30s")
	v.SetDefault("sync.stats_every", 10)
	v.SetDefault("sync.shutdown_timeout", "10s")
	v.SetDefault("notify.send_timeout", "2s")
	v.SetDefault("notify.workers", 8)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.rate_limit", 50)
	v.SetDefault("webhook.burst", 100)
}

// parseDurationTable 解析 "10min=10m,1hour=1h" 形式的档位时长表
func parseDurationTable(value string) (map[domain.Tier]time.Duration, error) {
	out := make(map[domain.Tier]time.Duration)
	for _, item := range parseList(value) {
		key, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q must be tier=duration", item)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("tier %q: duration must be positive", key)
		}
		out[domain.Tier(strings.TrimSpace(key))] = d
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}
	return out, nil
}

// parseLimitTable 解析 "10min=20,1hour=10" 形式的每日上限表
func parseLimitTable(value string) (map[domain.Tier]int64, error) {
	out := make(map[domain.Tier]int64)
	for _, item := range parseList(value) {
		key, raw, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q must be tier=limit", item)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", key, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("tier %q: limit must not be negative", key)
		}
		out[domain.Tier(strings.TrimSpace(key))] = n
	}
	return out, nil
}

// parseDomains 将逗号分隔的字符串解析为小写数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
