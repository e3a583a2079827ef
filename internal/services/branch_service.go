package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"patchbridge/internal/models"
	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/pagination"

	"gorm.io/gorm"
)

// ErrBranchNotFound 分支未注册
var ErrBranchNotFound = errors.New("分支未注册")

// CreateBranchRequest 注册桥接分支的请求
type CreateBranchRequest struct {
	Forge          string `json:"forge" binding:"required" yaml:"forge"`
	ProjectID      int64  `json:"project_id" binding:"required,gt=0" yaml:"project_id"`
	Name           string `json:"name" binding:"required" yaml:"name"`
	ListID         string `json:"list_id" binding:"required" yaml:"list_id"`
	ListAddress    string `json:"list_address" binding:"required,email" yaml:"list_address"`
	SubjectPrefix  string `json:"subject_prefix" yaml:"subject_prefix"`
	SubjectMatch   string `json:"subject_match" yaml:"subject_match"`
	CloneURL       string `json:"clone_url" yaml:"clone_url"`
	PipelineGating bool   `json:"pipeline_gating" yaml:"pipeline_gating"`
}

// ForgeResolver 按主机名获取forge客户端和配置
type ForgeResolver interface {
	Get(host string) (gitforge.Client, error)
	Config(host string) (*config.ForgeConfig, bool)
}

// BranchService 桥接分支服务
type BranchService struct {
	db     *gorm.DB
	cfg    *config.Config
	forges ForgeResolver
}

// NewBranchService 创建分支服务
func NewBranchService(db *gorm.DB, cfg *config.Config, forges ForgeResolver) *BranchService {
	return &BranchService{db: db, cfg: cfg, forges: forges}
}

// Create 注册分支。未提供克隆地址时从forge项目信息中获取
func (s *BranchService) Create(ctx context.Context, req *CreateBranchRequest) (*models.Branch, error) {
	forgeCfg, ok := s.cfg.ForgeByName(req.Forge)
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.KindConfigurationError, "BranchService.Create", "未配置forge: %s", req.Forge)
	}
	if req.SubjectMatch != "" {
		if _, err := regexp.Compile(req.SubjectMatch); err != nil {
			return nil, fmt.Errorf("无效的主题匹配表达式: %v", err)
		}
	}

	var count int64
	s.db.Model(&models.Branch{}).
		Where("forge_host = ? AND project_id = ? AND name = ?", forgeCfg.Host, req.ProjectID, req.Name).
		Count(&count)
	if count > 0 {
		return nil, fmt.Errorf("分支已注册")
	}

	branch := &models.Branch{
		ForgeName:      forgeCfg.Name,
		ForgeHost:      strings.ToLower(forgeCfg.Host),
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		ListID:         req.ListID,
		ListAddress:    req.ListAddress,
		SubjectPrefix:  req.SubjectPrefix,
		SubjectMatch:   req.SubjectMatch,
		CloneURL:       req.CloneURL,
		LocalPath:      models.CloneKey(forgeCfg.Host, req.ProjectID),
		PipelineGating: req.PipelineGating,
	}

	client, err := s.forges.Get(forgeCfg.Host)
	if err != nil {
		return nil, err
	}
	project, err := client.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("获取forge项目失败: %w", err)
	}
	branch.ProjectPath = project.PathWithNS
	if branch.CloneURL == "" {
		branch.CloneURL = project.HTTPURLToRepo
	}

	if err := s.db.Create(branch).Error; err != nil {
		return nil, fmt.Errorf("注册分支失败: %v", err)
	}

	logger.GetLogger().WithFields(map[string]interface{}{
		"branch_id": branch.ID,
		"project":   branch.ProjectPath,
		"branch":    branch.Name,
		"list_id":   branch.ListID,
	}).Info("已注册桥接分支")
	return branch, nil
}

// GetByID 获取分支
func (s *BranchService) GetByID(id uint) (*models.Branch, error) {
	var branch models.Branch
	if err := s.db.First(&branch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBranchNotFound
		}
		return nil, err
	}
	return &branch, nil
}

// List 分页列出分支
func (s *BranchService) List(page *pagination.PageParams) ([]models.Branch, int64, error) {
	var branches []models.Branch
	total, err := pagination.Find(s.db.Model(&models.Branch{}), page, "id", &branches)
	if err != nil {
		return nil, 0, err
	}
	return branches, total, nil
}

// FindForEvent 按forge事件的项目和目标分支查找。未注册时返回配置错误
func (s *BranchService) FindForEvent(host string, projectID int64, target string) (*models.Branch, error) {
	var branch models.Branch
	err := s.db.Where("forge_host = ? AND project_id = ? AND name = ?", strings.ToLower(host), projectID, target).
		First(&branch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bridgeerr.Newf(bridgeerr.KindConfigurationError, "BranchService.FindForEvent",
				"%w: %s 项目 %d 分支 %s", ErrBranchNotFound, host, projectID, target)
		}
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "BranchService.FindForEvent", err)
	}
	return &branch, nil
}

// Route 按邮件列表和主题找到第一个匹配的分支
func (s *BranchService) Route(listID, subject string) (*models.Branch, error) {
	var branches []models.Branch
	if err := s.db.Where("list_id = ?", listID).Order("id").Find(&branches).Error; err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "BranchService.Route", err)
	}
	for i := range branches {
		if branches[i].MatchesSubject(subject) {
			return &branches[i], nil
		}
	}
	return nil, bridgeerr.Newf(bridgeerr.KindConfigurationError, "BranchService.Route",
		"%w: 列表 %s 没有匹配主题的分支", ErrBranchNotFound, listID)
}

// Remote 分支对应的git远端，克隆地址带上forge令牌
func (s *BranchService) Remote(branch *models.Branch) (gitrepo.Remote, error) {
	forgeCfg, ok := s.forges.Config(branch.ForgeHost)
	if !ok {
		return gitrepo.Remote{}, bridgeerr.Newf(bridgeerr.KindConfigurationError, "BranchService.Remote", "未配置forge: %s", branch.ForgeHost)
	}
	return gitrepo.Remote{
		Key:    branch.LocalPath,
		URL:    gitforge.AuthenticatedURL(branch.CloneURL, forgeCfg.Token),
		Branch: branch.Name,
	}, nil
}

// Gated 该分支是否需要等待流水线
func (s *BranchService) Gated(branch *models.Branch) bool {
	return branch.PipelineGating || s.cfg.Bridge.PipelineGating
}
