package handlers

import (
	"context"
	"net/http"
	"time"

	"patchbridge/pkg/queue"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SystemHandler 系统处理器
type SystemHandler struct {
	db    *gorm.DB
	queue *queue.RedisQueue
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(db *gorm.DB, q *queue.RedisQueue) *SystemHandler {
	return &SystemHandler{db: db, queue: q}
}

// Health 检查数据库和Redis连通性
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "redis": "ok"}
	healthy := true

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unavailable"
		healthy = false
	}
	if err := h.queue.Ping(ctx); err != nil {
		checks["redis"] = "unavailable"
		healthy = false
	}

	if !healthy {
		response.WithStatus(c, http.StatusServiceUnavailable, "服务不可用", checks)
		return
	}
	response.Success(c, checks)
}
