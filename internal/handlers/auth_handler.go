package handlers

import (
	"errors"
	"strings"

	"patchbridge/internal/services"
	"patchbridge/pkg/jwt"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthHandler 运维认证处理器
type AuthHandler struct {
	authService *services.AuthService
	jwtManager  *jwt.JWTManager
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(authService *services.AuthService, manager *jwt.JWTManager) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		jwtManager:  manager,
	}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 运维登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.authService.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			response.AbortUnauthorized(c, "用户名或密码错误")
			return
		}
		response.ServerError(c, "生成Token失败")
		return
	}

	response.Success(c, result)
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		response.AbortUnauthorized(c, "认证头格式错误")
		return
	}

	token, err := h.jwtManager.RefreshToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		response.AbortUnauthorized(c, "Token无效或已过期")
		return
	}

	response.Success(c, gin.H{"token": token})
}

// Me 当前运维账号
func (h *AuthHandler) Me(c *gin.Context) {
	response.Success(c, gin.H{"username": c.GetString("username")})
}
