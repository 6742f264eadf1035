package domain

import "time"

// DomainStatus 域名验证状态
type DomainStatus string

const (
	// DomainStatusPending 待验证
	DomainStatusPending DomainStatus = "pending"
	// DomainStatusVerified 已验证
	DomainStatusVerified DomainStatus = "verified"
	// DomainStatusFailed 验证失败
	DomainStatusFailed DomainStatus = "failed"
)

// PublicDomain 公共域名（所有用户可用）
type PublicDomain struct {
	ID        string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Domain    string       `json:"domain" gorm:"uniqueIndex;type:varchar(255);not null"`
	Status    DomainStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	IsActive  bool         `json:"isActive" gorm:"default:false;index"`
	IsDefault bool         `json:"isDefault" gorm:"default:false"`
	CreatedAt time.Time    `json:"createdAt"`
}

// TableName 指定表名
func (PublicDomain) TableName() string { return "public_domains" }

// OwnerDomain 用户自定义域名
type OwnerDomain struct {
	ID           string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID      string       `json:"ownerId" gorm:"type:varchar(64);index;not null"`
	Domain       string       `json:"domain" gorm:"uniqueIndex;type:varchar(255);not null"`
	Status       DomainStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	MailboxCount int64        `json:"mailboxCount" gorm:"default:0"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// TableName 指定表名
func (OwnerDomain) TableName() string { return "owner_domains" }
