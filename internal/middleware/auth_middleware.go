package middleware

import (
	"strings"

	"patchbridge/pkg/jwt"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 运维接口认证中间件
type AuthMiddleware struct {
	jwtManager *jwt.JWTManager
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(manager *jwt.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: manager}
}

// RequireLogin 校验 Authorization: Bearer <token>
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.AbortUnauthorized(c, "请先登录")
			return
		}

		// 检查Bearer格式
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.AbortUnauthorized(c, "认证头格式错误")
			return
		}

		claims, err := m.jwtManager.VerifyToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			response.AbortUnauthorized(c, "Token无效或已过期")
			return
		}

		c.Set("username", claims.Username)
		c.Set("claims", claims)
		c.Next()
	}
}
