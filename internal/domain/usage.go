package domain

import "time"

// UsageDelta 某个用户在某一天尚未落库的计数增量。
//
// 增量是可加的：同一 (OwnerID, Date) 的多个增量合并后再写库，
// 写库失败时再合并回待刷新队列，保证不丢失。
type UsageDelta struct {
	OwnerID      string
	Date         string           // 本地日期，格式 2006-01-02
	Daily        map[Tier]int64   // 当日各档位新增数
	Total        int64            // 累计数变化（删除时为负）
	Domains      map[string]int64 // 自定义域名邮箱数变化
	LastEntityID string
}

// NewUsageDelta 创建空增量
func NewUsageDelta(ownerID, date string) *UsageDelta {
	return &UsageDelta{
		OwnerID: ownerID,
		Date:    date,
		Daily:   make(map[Tier]int64),
		Domains: make(map[string]int64),
	}
}

// Key 返回 (OwnerID, Date) 组合键
func (d *UsageDelta) Key() string {
	return d.OwnerID + "|" + d.Date
}

// Merge 将 other 累加到当前增量。
func (d *UsageDelta) Merge(other *UsageDelta) {
	if other == nil {
		return
	}
	for tier, n := range other.Daily {
		d.Daily[tier] += n
	}
	for name, n := range other.Domains {
		d.Domains[name] += n
	}
	d.Total += other.Total
	if other.LastEntityID != "" {
		d.LastEntityID = other.LastEntityID
	}
}

// Empty 判断是否没有任何需要落库的变化
func (d *UsageDelta) Empty() bool {
	if d.Total != 0 {
		return false
	}
	for _, n := range d.Daily {
		if n != 0 {
			return false
		}
	}
	for _, n := range d.Domains {
		if n != 0 {
			return false
		}
	}
	return true
}

// UsageSnapshot 每日分档位计数（持久化行）
type UsageSnapshot struct {
	OwnerID   string    `gorm:"primaryKey;type:varchar(64)"`
	UsageDate string    `gorm:"primaryKey;type:varchar(10)"`
	Tier      Tier      `gorm:"primaryKey;type:varchar(20)"`
	Count     int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (UsageSnapshot) TableName() string { return "usage_snapshots" }

// UsageTotal 用户累计计数（持久化行）
type UsageTotal struct {
	OwnerID      string    `gorm:"primaryKey;type:varchar(64)"`
	Total        int64     `gorm:"not null;default:0"`
	LastEntityID string    `gorm:"type:varchar(36)"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (UsageTotal) TableName() string { return "usage_totals" }
