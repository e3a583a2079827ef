package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"patchbridge/internal/services"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HeaderInboundToken 补丁跟踪系统回调携带的共享令牌
const HeaderInboundToken = "X-Patchbridge-Token"

// maxInboundMessage 单封邮件大小上限
const maxInboundMessage = 25 << 20

// InboundMessageRequest 补丁跟踪系统的邮件通知
type InboundMessageRequest struct {
	ListID string `json:"list_id" binding:"required"`
	Raw    string `json:"raw" binding:"required"`
}

// InboundHandler 邮件入口
type InboundHandler struct {
	token  string
	engine *services.BridgeEngine
}

// NewInboundHandler 创建邮件入口处理器
func NewInboundHandler(token string, engine *services.BridgeEngine) *InboundHandler {
	return &InboundHandler{token: token, engine: engine}
}

// RequireToken 校验共享令牌，未配置令牌时拒绝所有请求
func (h *InboundHandler) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderInboundToken)
		if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			response.AbortUnauthorized(c, "令牌无效")
			return
		}
		c.Next()
	}
}

// Receive 接收一封邮件。
// 支持JSON（list_id + raw）或 message/rfc822 请求体（list_id 在查询参数中）
func (h *InboundHandler) Receive(c *gin.Context) {
	var req InboundMessageRequest
	if strings.HasPrefix(c.ContentType(), "message/rfc822") {
		raw, ok := readBody(c, maxInboundMessage)
		if !ok {
			return
		}
		req.ListID = c.Query("list_id")
		req.Raw = string(raw)
		if req.ListID == "" || len(raw) == 0 {
			response.WithStatus(c, http.StatusBadRequest, "缺少list_id或邮件内容", nil)
			return
		}
	} else {
		// JSON转义会让邮件变长，上限放宽一倍
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*maxInboundMessage)
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.WithStatus(c, http.StatusRequestEntityTooLarge, "请求体超过上限", nil)
				return
			}
			response.WithStatus(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
			return
		}
	}

	result, err := h.engine.IngestMessage(c.Request.Context(), req.ListID, []byte(req.Raw))
	if err != nil {
		abortWithBridgeError(c, "InboundHandler.Receive", err)
		return
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"list_id": req.ListID,
		"action":  result.Action,
		"reason":  result.Reason,
		"task_id": result.TaskID,
	}).Info("收到邮件")

	if result.Action == services.IngestEnqueued || result.Action == services.IngestBuffered {
		response.WithStatus(c, http.StatusOK, "邮件已接收", result)
		return
	}
	response.WithStatus(c, http.StatusAccepted, "邮件未处理", result)
}
