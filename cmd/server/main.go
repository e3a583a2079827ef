package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"patchbridge/internal/database"
	"patchbridge/internal/router"
	"patchbridge/internal/services"
	"patchbridge/internal/worker"
	"patchbridge/pkg/config"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/jwt"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/mailer"
	"patchbridge/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	hashPassword := pflag.String("hash-password", "", "输出密码的bcrypt哈希后退出，用于 OPERATOR_PASSWORD_HASH")
	pflag.Parse()
	if *hashPassword != "" {
		hashed, err := services.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hashed)
		return
	}

	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting patchbridge...")

	// 初始化数据库
	db, err := database.Connect(cfg.Database)
	if err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化Redis队列
	q := database.NewRedisQueue(cfg.Redis)
	defer func() {
		if err := q.Close(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = q.Ping(pingCtx)
	cancelPing()
	if err != nil {
		appLogger.Fatalf("Failed to connect Redis: %v", err)
	}

	committer, err := committerIdentity(cfg.Bridge)
	if err != nil {
		appLogger.Fatalf("Invalid committer identity: %v", err)
	}
	repos := gitrepo.NewManager(cfg.Bridge.RepoDir, committer)
	forges := gitforge.NewRegistry(cfg.Forges)
	engine := services.NewBridgeEngine(cfg, db, q, forges, repos, mailer.NewTransport(cfg.SMTP))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := seedBranches(ctx, cfg, engine.Branches(), cfg.Bridge.BranchesFile); err != nil {
		appLogger.Fatalf("Failed to initialize branches: %v", err)
	}

	// 清理上次运行遗留的工作树
	if err := repos.Prune(ctx); err != nil {
		appLogger.WithError(err).Warn("清理工作树失败")
	}

	gin.SetMode(cfg.Server.Mode)

	// 启动任务调度器
	dispatcher := worker.NewDispatcher(q, cfg.Dispatcher, nil)
	dispatcher.Register(queue.TaskInboundEmailApply, engine.HandleApply)
	dispatcher.Register(queue.TaskOutboundWebhook, engine.HandleWebhook)
	dispatcher.Register(queue.TaskInboundComment, engine.HandleInboundComment)
	dispatcher.Register(queue.TaskPipelineTimeout, engine.HandlePipelineTimeout)
	dispatcher.OnDeadLetter(engine.OnDeadLetter)
	if err := dispatcher.Start(ctx); err != nil {
		appLogger.Fatalf("Failed to start dispatcher: %v", err)
	}

	// 启动超时扫描和工作树清理
	scheduler := services.NewBridgeScheduler(engine, repos)
	if err := scheduler.Start(); err != nil {
		appLogger.Fatalf("Failed to start bridge scheduler: %v", err)
	}

	r := router.SetupRouter(&router.Dependencies{
		Config: cfg,
		DB:     db,
		Queue:  q,
		Engine: engine,
		JWT:    jwt.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.TokenDuration),
	})

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket长连接不设写超时
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	scheduler.Stop()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("任务调度器未能按时停止")
	}
	appLogger.Info("Server exited")
}

// committerIdentity 从发件人模板推导git提交者
func committerIdentity(cfg config.BridgeConfig) (gitrepo.Identity, error) {
	from := strings.ReplaceAll(cfg.FromTemplate, "{forge_user}", cfg.BotUsername)
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return gitrepo.Identity{}, err
	}
	name := addr.Name
	if name == "" {
		name = cfg.BotUsername
	}
	return gitrepo.Identity{Name: name, Email: addr.Address}, nil
}
