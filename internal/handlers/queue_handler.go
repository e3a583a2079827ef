package handlers

import (
	"errors"
	"strconv"

	"patchbridge/internal/services"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// QueueHandler 队列处理器
type QueueHandler struct {
	queueService *services.QueueService
}

// NewQueueHandler 创建队列处理器
func NewQueueHandler(queueService *services.QueueService) *QueueHandler {
	return &QueueHandler{
		queueService: queueService,
	}
}

// GetQueueStatus 获取队列状态
func (h *QueueHandler) GetQueueStatus(c *gin.Context) {
	status, err := h.queueService.GetQueueStatus(c.Request.Context())
	if err != nil {
		response.ServerError(c, "获取队列状态失败")
		return
	}

	response.Success(c, status)
}

// ListDead 获取死信任务列表
func (h *QueueHandler) ListDead(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	tasks, err := h.queueService.ListDead(c.Request.Context(), limit)
	if err != nil {
		response.ServerError(c, "获取死信任务失败")
		return
	}

	response.Success(c, tasks)
}

// RetryDead 重新投递死信任务
func (h *QueueHandler) RetryDead(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		response.BadRequest(c, "任务ID不能为空")
		return
	}

	if err := h.queueService.RetryDead(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, services.ErrDeadTaskNotFound) {
			response.NotFound(c, "死信任务不存在")
			return
		}
		response.ServerError(c, "重新投递失败")
		return
	}

	response.SuccessWithMessage(c, "任务已重新投递", gin.H{"task_id": taskID})
}

// GetTaskStatus 获取任务状态
func (h *QueueHandler) GetTaskStatus(c *gin.Context) {
	status, err := h.queueService.TaskStatus(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		if errors.Is(err, services.ErrDeadTaskNotFound) {
			response.NotFound(c, "任务不存在")
			return
		}
		response.ServerError(c, "获取任务状态失败")
		return
	}

	response.Success(c, status)
}
