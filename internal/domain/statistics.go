package domain

import "time"

// DomainStat 单个域名下的存活邮箱数
type DomainStat struct {
	Domain       string `json:"domain"`
	LiveEntities int    `json:"liveEntities"`
	Custom       bool   `json:"custom"`
}

// DomainStats 域名缓存派生的聚合统计，由同步任务定期落库用于观测
type DomainStats struct {
	CapturedAt    time.Time    `json:"capturedAt"`
	PublicDomains int          `json:"publicDomains"`
	CachedOwners  int          `json:"cachedOwners"`
	Domains       []DomainStat `json:"domains"`
}

// DomainStatRecord 统计快照的持久化行
type DomainStatRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	CapturedAt   time.Time `gorm:"index;not null"`
	Domain       string    `gorm:"type:varchar(255);not null"`
	LiveEntities int       `gorm:"not null;default:0"`
	IsCustom     bool      `gorm:"not null;default:false"`
}

// TableName 指定表名
func (DomainStatRecord) TableName() string { return "domain_stats" }

// CacheSizes 各内存结构的规模，供管理接口和监控使用
type CacheSizes struct {
	Entities       int `json:"entities"`
	Owners         int `json:"owners"`
	Addresses      int `json:"addresses"`
	PublicDomains  int `json:"publicDomains"`
	OwnerDomains   int `json:"ownerDomains"`
	UsageOwners    int `json:"usageOwners"`
	PendingDeltas  int `json:"pendingDeltas"`
	Subscriptions  int `json:"subscriptions"`
	ScheduledTimer int `json:"scheduledTimers"`
}
