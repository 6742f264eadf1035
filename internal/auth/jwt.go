package auth

import (
	"strings"
	"time"

	"tempmail/disposable/internal/auth/jwt"
	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
)

// Identity 从令牌解析出的请求方
type Identity struct {
	Owner domain.Owner
	Admin bool
}

// JWTManager JWT管理器包装
type JWTManager struct {
	manager *jwt.Manager
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{manager: jwt.NewManager(cfg.Secret, cfg.Issuer)}
}

// IssueToken 为外部账户签发访问令牌
func (j *JWTManager) IssueToken(owner domain.Owner, admin bool, ttl time.Duration) (string, error) {
	level := owner.Level
	if level == "" {
		level = domain.QuotaFree
	}
	return j.manager.Issue(owner.ID, string(level), admin, ttl)
}

// Authenticate 验证令牌并返回身份
func (j *JWTManager) Authenticate(tokenString string) (*Identity, error) {
	claims, err := j.manager.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	level := domain.QuotaLevel(claims.QuotaLevel)
	if level == "" {
		level = domain.QuotaFree
	}
	return &Identity{
		Owner: domain.Owner{ID: claims.OwnerID, Level: level},
		Admin: claims.Admin,
	}, nil
}

// BearerToken 从 Authorization 头中取出令牌
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
