package router

import (
	"patchbridge/internal/handlers"
	"patchbridge/internal/middleware"
	"patchbridge/internal/services"
	"patchbridge/pkg/config"
	"patchbridge/pkg/jwt"
	"patchbridge/pkg/queue"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Dependencies 路由需要的服务
type Dependencies struct {
	Config *config.Config
	DB     *gorm.DB
	Queue  *queue.RedisQueue
	Engine *services.BridgeEngine
	JWT    *jwt.JWTManager
}

// SetupRouter 设置路由
func SetupRouter(deps *Dependencies) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SetupCORS(deps.Config.CORS))

	registerRoutes(router, deps)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, deps *Dependencies) {
	auth := middleware.NewAuthMiddleware(deps.JWT)

	systemHandler := handlers.NewSystemHandler(deps.DB, deps.Queue)
	webhookHandler := handlers.NewWebhookHandler(deps.Config, deps.Engine)
	inboundHandler := handlers.NewInboundHandler(deps.Config.Bridge.InboundToken, deps.Engine)
	authHandler := handlers.NewAuthHandler(services.NewAuthService(deps.Config.Operator, deps.JWT), deps.JWT)
	branchHandler := handlers.NewBranchHandler(deps.Engine.Branches())
	submissionHandler := handlers.NewSubmissionHandler(deps.Engine.Submissions())
	queueHandler := handlers.NewQueueHandler(services.NewQueueService(deps.DB, deps.Queue))
	wsHandler := handlers.NewWebSocketHandler(deps.Queue, deps.JWT, deps.Config.CORS.AllowOrigins)

	api := router.Group("/api/v1")
	{
		api.GET("/health", systemHandler.Health)
		api.GET("/ping", ping)

		// forge回调，签名校验在处理器内针对原始请求体完成
		api.POST("/webhooks/:forge", webhookHandler.Receive)

		// 补丁跟踪系统回调
		api.POST("/inbound/messages", inboundHandler.RequireToken(), inboundHandler.Receive)

		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.RefreshToken)
			authGroup.GET("/me", auth.RequireLogin(), authHandler.Me)
		}

		branches := api.Group("/branches", auth.RequireLogin())
		{
			branches.POST("", branchHandler.Create)
			branches.GET("", branchHandler.List)
			branches.GET("/:id", branchHandler.Get)
		}

		submissions := api.Group("/submissions", auth.RequireLogin())
		{
			submissions.GET("", submissionHandler.List)
			submissions.GET("/:id", submissionHandler.Get)
		}

		queueGroup := api.Group("/queue", auth.RequireLogin())
		{
			queueGroup.GET("/stats", queueHandler.GetQueueStatus)
			queueGroup.GET("/dead", queueHandler.ListDead)
			queueGroup.POST("/dead/:task_id/retry", queueHandler.RetryDead)
			queueGroup.GET("/tasks/:task_id", queueHandler.GetTaskStatus)
		}
	}

	// WebSocket令牌从查询参数读取
	router.GET("/ws/events", wsHandler.Events)
}

func ping(c *gin.Context) {
	response.SuccessWithMessage(c, "pong", nil)
}
