package handlers

import (
	"errors"
	"io"
	"net/http"

	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// statusFor 将桥接错误映射为HTTP状态码。
// 调用方（forge、补丁跟踪系统）会对5xx重投
func statusFor(err error) int {
	switch bridgeerr.KindOf(err) {
	case bridgeerr.KindMalformed:
		return http.StatusBadRequest
	case bridgeerr.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case bridgeerr.KindConfigurationError:
		return http.StatusUnprocessableEntity
	case bridgeerr.KindTransientInfra, bridgeerr.KindRepositoryUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithBridgeError 记录并返回桥接错误
func abortWithBridgeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	entry := logger.GetLogger().WithError(err).WithField("op", op)
	if status >= http.StatusInternalServerError {
		entry.Error("请求处理失败")
	} else {
		entry.Warn("请求被拒绝")
	}
	response.WithStatus(c, status, bridgeerr.KindOf(err).String()+": "+err.Error(), nil)
	c.Abort()
}

// readBody 读取不超过limit字节的请求体。超限返回413，读取失败返回400
func readBody(c *gin.Context, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		logger.GetLogger().WithField("limit", limit).Warn("请求体超过上限")
		response.WithStatus(c, http.StatusRequestEntityTooLarge, "请求体超过上限", nil)
	} else {
		response.WithStatus(c, http.StatusBadRequest, "读取请求体失败", nil)
	}
	c.Abort()
	return nil, false
}
