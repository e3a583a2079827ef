package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 全局配置。启动时加载一次，之后只读，通过构造函数注入各服务
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Operator   OperatorConfig
	Log        LogConfig
	Redis      RedisConfig
	Credential CredentialConfig
	CORS       CORSConfig
	Bridge     BridgeConfig
	Dispatcher DispatcherConfig
	SMTP       SMTPConfig
	Forges     []ForgeConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey     string        // JWT密钥
	TokenDuration time.Duration // 令牌有效期
}

// OperatorConfig 运维账号，密码以bcrypt哈希保存
type OperatorConfig struct {
	Username     string
	PasswordHash string
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int    // MB
	MaxBackups int    // 保留的备份文件数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩
	Format     string // json 或 text
}

type RedisConfig struct {
	Host     string // Redis主机地址
	Port     int    // Redis端口
	Password string // Redis密码
	DB       int    // Redis数据库编号
	Prefix   string // 队列键前缀
}

type CredentialConfig struct {
	EncryptionKey string // forge令牌加密密钥（32字节用于AES-256）
}

type CORSConfig struct {
	AllowOrigins     []string // 允许的源
	AllowMethods     []string // 允许的HTTP方法
	AllowHeaders     []string // 允许的请求头
	ExposeHeaders    []string // 暴露的响应头
	AllowCredentials bool     // 是否允许携带凭证
	MaxAge           int      // 预检请求缓存时间（小时）
}

// BridgeConfig 桥接行为开关
type BridgeConfig struct {
	EmailToMR         bool          // 邮件 → 合并请求
	MRToEmail         bool          // 合并请求 → 邮件
	CommentBridging   bool          // 评论双向桥接
	PipelineGating    bool          // 流水线成功后才发邮件
	PipelineMaxWait   time.Duration // 等待流水线的最长时间
	CCFilterDomains   []string      // 抄送地址域名白名单，空表示不过滤
	DoNotBridgeLabels []string      // 带这些标签的合并请求不桥接
	MaxEmails         int           // 单个系列最多发送的补丁邮件数
	RepoDir           string        // 规范克隆的存储根目录
	FromTemplate      string        // 发件人模板，{forge_user} 会被替换
	MessageIDDomain   string        // Message-ID 的域名部分
	SeriesTimeout     time.Duration // 不完整系列的缓冲超时
	BotUsername       string        // 桥接机器人在forge上的用户名
	InboundToken      string        // 补丁跟踪系统回调使用的共享令牌
	WrapWidth         int           // 正文折行宽度
	BranchesFile      string        // 启动时注册的分支列表
}

// DispatcherConfig 任务调度配置
type DispatcherConfig struct {
	Workers     int           // 并发worker数
	MaxAttempts int           // 最大尝试次数
	BaseBackoff time.Duration // 首次重试退避
	MaxBackoff  time.Duration // 退避上限
	TaskBudget  time.Duration // 单个任务的墙钟预算
	LockTTL     time.Duration // 提交锁过期时间
	PollTimeout time.Duration // 出队阻塞时间
}

// SMTPConfig 外发邮件配置，Host为空时仅记录日志
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
}

// 获取环境变量，如果不存在则使用默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 获取环境变量转换为int
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// 获取环境变量转换为bool
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

// 获取环境变量转换为time.Duration，如 "30s"、"2h"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// 获取环境变量转换为字符串数组（逗号分隔）
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// 处理逗号分隔的字符串，去除空格
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// LoadConfig 从环境变量（以及可选的.env文件）加载配置
func LoadConfig() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Mode: getEnv("SERVER_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "patchbridge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", "default-secret-change-me"),
			TokenDuration: getEnvAsDuration("JWT_TOKEN_DURATION", 24*time.Hour),
		},
		Operator: OperatorConfig{
			Username:     getEnv("OPERATOR_USERNAME", "admin"),
			PasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/patchbridge.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "patchbridge:queue"),
		},
		Credential: CredentialConfig{
			EncryptionKey: getEnv("CREDENTIAL_ENCRYPTION_KEY", "patchbridge-credential-key-32byt"),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"*"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
		Bridge: BridgeConfig{
			EmailToMR:         getEnvAsBool("BRIDGE_EMAIL_TO_MR", true),
			MRToEmail:         getEnvAsBool("BRIDGE_MR_TO_EMAIL", true),
			CommentBridging:   getEnvAsBool("BRIDGE_COMMENTS", true),
			PipelineGating:    getEnvAsBool("BRIDGE_PIPELINE_GATING", false),
			PipelineMaxWait:   getEnvAsDuration("BRIDGE_PIPELINE_MAX_WAIT", 2*time.Hour),
			CCFilterDomains:   getEnvAsStringArray("BRIDGE_CC_DOMAINS", nil),
			DoNotBridgeLabels: getEnvAsStringArray("BRIDGE_DO_NOT_BRIDGE_LABELS", []string{"Do Not Email"}),
			MaxEmails:         getEnvAsInt("BRIDGE_MAX_EMAILS", 25),
			RepoDir:           getEnv("BRIDGE_REPO_DIR", "/var/lib/patchbridge"),
			FromTemplate:      getEnv("BRIDGE_FROM_TEMPLATE", "{forge_user} via patchbridge <patchbridge@localhost>"),
			MessageIDDomain:   getEnv("BRIDGE_MESSAGE_ID_DOMAIN", "patchbridge.localhost"),
			SeriesTimeout:     getEnvAsDuration("BRIDGE_SERIES_TIMEOUT", 10*time.Minute),
			BotUsername:       getEnv("BRIDGE_BOT_USERNAME", "patchbridge"),
			InboundToken:      getEnv("BRIDGE_INBOUND_TOKEN", ""),
			WrapWidth:         getEnvAsInt("BRIDGE_WRAP_WIDTH", 72),
			BranchesFile:      getEnv("BRANCHES_FILE", "branches.yaml"),
		},
		Dispatcher: DispatcherConfig{
			Workers:     getEnvAsInt("DISPATCHER_WORKERS", 4),
			MaxAttempts: getEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvAsDuration("DISPATCHER_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:  getEnvAsDuration("DISPATCHER_MAX_BACKOFF", 30*time.Minute),
			TaskBudget:  getEnvAsDuration("DISPATCHER_TASK_BUDGET", 10*time.Minute),
			LockTTL:     getEnvAsDuration("DISPATCHER_LOCK_TTL", 15*time.Minute),
			PollTimeout: getEnvAsDuration("DISPATCHER_POLL_TIMEOUT", time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			StartTLS: getEnvAsBool("SMTP_STARTTLS", true),
		},
	}

	forges, err := LoadForges(getEnv("FORGES_FILE", "forges.yaml"), config.Credential.EncryptionKey)
	if err != nil {
		return nil, err
	}
	config.Forges = forges

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return config, nil
}

// validateConfig 验证配置
func validateConfig(cfg *Config) error {
	if cfg.Dispatcher.Workers <= 0 {
		return fmt.Errorf("worker数必须大于0")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("最大尝试次数必须大于0")
	}
	if cfg.Bridge.MaxEmails <= 0 {
		return fmt.Errorf("单系列最大邮件数必须大于0")
	}
	if cfg.Bridge.RepoDir == "" {
		return fmt.Errorf("仓库存储目录不能为空")
	}
	if !strings.Contains(cfg.Bridge.FromTemplate, "<") {
		return fmt.Errorf("发件人模板必须包含邮件地址: %s", cfg.Bridge.FromTemplate)
	}
	return nil
}

// ForgeByName 按名称查找forge配置
func (c *Config) ForgeByName(name string) (*ForgeConfig, bool) {
	for i := range c.Forges {
		if c.Forges[i].Name == name {
			return &c.Forges[i], true
		}
	}
	return nil, false
}

// ForgeByHost 按主机名查找forge配置
func (c *Config) ForgeByHost(host string) (*ForgeConfig, bool) {
	for i := range c.Forges {
		if strings.EqualFold(c.Forges[i].Host, host) {
			return &c.Forges[i], true
		}
	}
	return nil, false
}
