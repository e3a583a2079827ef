package handlers

import (
	"errors"
	"strconv"

	"patchbridge/internal/services"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/pagination"
	"patchbridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// BranchHandler 桥接分支处理器
type BranchHandler struct {
	branchService *services.BranchService
}

// NewBranchHandler 创建分支处理器
func NewBranchHandler(branchService *services.BranchService) *BranchHandler {
	return &BranchHandler{branchService: branchService}
}

// Create 注册桥接分支
func (h *BranchHandler) Create(c *gin.Context) {
	var req services.CreateBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	branch, err := h.branchService.Create(c.Request.Context(), &req)
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.KindConfigurationError) {
			response.BadRequest(c, err.Error())
			return
		}
		response.ServerError(c, "注册分支失败: "+err.Error())
		return
	}
	response.SuccessWithMessage(c, "分支已注册", branch)
}

// List 分支列表
func (h *BranchHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	branches, total, err := h.branchService.List(params)
	if err != nil {
		response.ServerError(c, "获取分支列表失败")
		return
	}
	response.SuccessWithPage(c, branches, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 分支详情
func (h *BranchHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的分支ID")
		return
	}

	branch, err := h.branchService.GetByID(uint(id))
	if err != nil {
		if errors.Is(err, services.ErrBranchNotFound) {
			response.NotFound(c, "分支不存在")
			return
		}
		response.ServerError(c, "获取分支失败")
		return
	}
	response.Success(c, branch)
}
