package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/disposable/internal/auth"
	"tempmail/disposable/internal/logger"
)

// identityKey 上下文中保存身份的键
const identityKey = "identity"

// Authenticator 解析访问令牌
type Authenticator interface {
	Authenticate(token string) (*auth.Identity, error)
}

// JWTAuth JWT认证中间件
type JWTAuth struct {
	authenticator Authenticator
	log           *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(authenticator Authenticator, log *zap.Logger) *JWTAuth {
	return &JWTAuth{
		authenticator: authenticator,
		log:           logger.OrNop(log),
	}
}

// RequireAuth 要求JWT认证，成功后把身份写入上下文
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "需要登录",
			})
			return
		}

		identity, err := ja.authenticator.Authenticate(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "令牌无效或已过期",
			})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom 取出 RequireAuth 写入的身份
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*auth.Identity)
	return identity, ok && identity != nil
}
