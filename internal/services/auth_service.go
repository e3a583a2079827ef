package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"patchbridge/pkg/config"
	"patchbridge/pkg/jwt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials 用户名或密码错误
var ErrInvalidCredentials = errors.New("用户名或密码错误")

// LoginResult 登录结果
type LoginResult struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthService 运维账号认证
type AuthService struct {
	operator config.OperatorConfig
	jwt      *jwt.JWTManager
}

// NewAuthService 创建认证服务
func NewAuthService(operator config.OperatorConfig, manager *jwt.JWTManager) *AuthService {
	return &AuthService{operator: operator, jwt: manager}
}

// Login 校验运维账号并签发令牌
func (s *AuthService) Login(username, password string) (*LoginResult, error) {
	if s.operator.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.operator.Username)) != 1 {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.operator.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateToken(username)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Token:     token,
		Username:  username,
		ExpiresAt: time.Now().Add(s.jwt.GetTokenDuration()),
	}, nil
}

// HashPassword 生成运维密码哈希，供配置 OPERATOR_PASSWORD_HASH 使用
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
