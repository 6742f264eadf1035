package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAdmin 要求管理员令牌，必须挂在 RequireAuth 之后
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "需要登录",
			})
			return
		}
		if !identity.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "需要管理员权限",
			})
			return
		}
		c.Next()
	}
}
