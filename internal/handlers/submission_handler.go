package handlers

import (
	"errors"
	"strconv"

	"patchbridge/internal/services"
	"patchbridge/pkg/pagination"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// SubmissionHandler 桥接提交处理器
type SubmissionHandler struct {
	submissionService *services.SubmissionService
}

// NewSubmissionHandler 创建提交处理器
func NewSubmissionHandler(submissionService *services.SubmissionService) *SubmissionHandler {
	return &SubmissionHandler{submissionService: submissionService}
}

// List 提交列表，可按分支、状态、来源过滤
func (h *SubmissionHandler) List(c *gin.Context) {
	var filter services.SubmissionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "查询参数错误: "+err.Error())
		return
	}

	params := pagination.ParsePageParams(c)
	subs, total, err := h.submissionService.List(filter, params)
	if err != nil {
		response.ServerError(c, "获取提交列表失败")
		return
	}
	response.SuccessWithPage(c, subs, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 提交详情，包括邮件、审计记录和推送记录
func (h *SubmissionHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的提交ID")
		return
	}

	detail, err := h.submissionService.GetDetail(uint(id))
	if err != nil {
		if errors.Is(err, services.ErrSubmissionNotFound) {
			response.NotFound(c, "提交不存在")
			return
		}
		response.ServerError(c, "获取提交详情失败")
		return
	}
	response.Success(c, detail)
}
