package handlers

import (
	"net/http"

	"patchbridge/internal/services"
	"patchbridge/pkg/config"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/response"
	"patchbridge/pkg/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxWebhookBody webhook请求体上限
const maxWebhookBody = 10 << 20

// WebhookHandler forge webhook入口
type WebhookHandler struct {
	cfg    *config.Config
	engine *services.BridgeEngine
}

// NewWebhookHandler 创建webhook处理器
func NewWebhookHandler(cfg *config.Config, engine *services.BridgeEngine) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, engine: engine}
}

// Receive 校验签名、规范化并排队事件。
// 签名错误返回401；重复、过期或无关事件返回202；已排队返回200
func (h *WebhookHandler) Receive(c *gin.Context) {
	forge, ok := h.cfg.ForgeByName(c.Param("forge"))
	if !ok || !forge.WebhookEnabled {
		response.WithStatus(c, http.StatusNotFound, "未知的forge", nil)
		return
	}

	body, ok := readBody(c, maxWebhookBody)
	if !ok {
		return
	}

	// 签名必须针对原始请求体校验
	if err := webhook.VerifySignature(forge.WebhookSecret, body, c.Request.Header); err != nil {
		logger.GetLogger().WithError(err).WithField("forge", forge.Name).Warn("webhook签名校验失败")
		response.AbortUnauthorized(c, "签名校验失败")
		return
	}

	ev, err := webhook.Normalize(forge, c.Request.Header, body)
	if err != nil {
		abortWithBridgeError(c, "WebhookHandler.Receive", err)
		return
	}
	if ev == nil {
		response.Accepted(c, "事件与桥接无关")
		return
	}

	admitted, task, err := h.engine.AdmitEvent(c.Request.Context(), ev)
	if err != nil {
		abortWithBridgeError(c, "WebhookHandler.Receive", err)
		return
	}
	log := logger.GetLogger().WithFields(logrus.Fields{
		"forge": forge.Name,
		"event": webhook.String(ev),
	})
	if !admitted {
		log.Debug("事件重复或已过期，丢弃")
		response.Accepted(c, "事件重复或已过期")
		return
	}

	log.WithField("task_id", task.TaskID).Info("事件已排队")
	response.WithStatus(c, http.StatusOK, "事件已排队", gin.H{"task_id": task.TaskID})
}
