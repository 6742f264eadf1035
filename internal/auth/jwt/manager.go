package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
)

// Claims JWT 自定义声明。账户由上游服务管理，这里只携带身份和配额等级。
type Claims struct {
	OwnerID    string `json:"owner_id"`
	QuotaLevel string `json:"quota_level"`
	Admin      bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Manager JWT 管理器
type Manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue 签发令牌
func (m *Manager) Issue(ownerID, quotaLevel string, admin bool, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		OwnerID:    ownerID,
		QuotaLevel: quotaLevel,
		Admin:      admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ownerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken 验证令牌并返回声明
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OwnerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
