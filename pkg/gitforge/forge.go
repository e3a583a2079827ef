package gitforge

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
)

// ErrNotFound 资源不存在
var ErrNotFound = errors.New("forge资源不存在")

// User forge用户
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Pipeline 流水线摘要
type Pipeline struct {
	ID     int64  `json:"id"`
	SHA    string `json:"sha"`
	Status string `json:"status"`
}

// Project forge项目
type Project struct {
	ID            int64  `json:"id"`
	PathWithNS    string `json:"path_with_namespace"`
	WebURL        string `json:"web_url"`
	HTTPURLToRepo string `json:"http_url_to_repo"`
	DefaultBranch string `json:"default_branch"`
}

// MergeRequest 合并请求
type MergeRequest struct {
	IID            int64     `json:"iid"`
	ProjectID      int64     `json:"project_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	State          string    `json:"state"`
	SourceBranch   string    `json:"source_branch"`
	TargetBranch   string    `json:"target_branch"`
	SHA            string    `json:"sha"`
	WebURL         string    `json:"web_url"`
	MergeStatus    string    `json:"merge_status"`
	Draft          bool      `json:"draft"`
	WorkInProgress bool      `json:"work_in_progress"`
	Labels         []string  `json:"labels"`
	Author         User      `json:"author"`
	HeadPipeline   *Pipeline `json:"head_pipeline"`
}

// IsDraft 草稿或WIP
func (mr *MergeRequest) IsDraft() bool {
	return mr.Draft || mr.WorkInProgress
}

// IsOpen 是否仍然打开
func (mr *MergeRequest) IsOpen() bool {
	return mr.State == "opened"
}

// HasLabel 是否带有指定标签（不区分大小写）
func (mr *MergeRequest) HasLabel(label string) bool {
	for _, l := range mr.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Commit 合并请求中的提交
type Commit struct {
	ID           string    `json:"id"`
	ShortID      string    `json:"short_id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	AuthorName   string    `json:"author_name"`
	AuthorEmail  string    `json:"author_email"`
	AuthoredDate time.Time `json:"authored_date"`
}

// CreateMergeRequestOptions 创建合并请求的参数
type CreateMergeRequestOptions struct {
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
	Labels       []string
}

// UpdateMergeRequestOptions 更新合并请求的参数，空值表示不修改
type UpdateMergeRequestOptions struct {
	Title       string
	Description string
	AddLabels   []string
}

// Client forge API
type Client interface {
	CurrentUser(ctx context.Context) (*User, error)
	GetProject(ctx context.Context, projectID int64) (*Project, error)
	GetMergeRequest(ctx context.Context, projectID, iid int64) (*MergeRequest, error)
	FindMergeRequestBySourceBranch(ctx context.Context, projectID int64, sourceBranch string) (*MergeRequest, error)
	CreateMergeRequest(ctx context.Context, projectID int64, opts CreateMergeRequestOptions) (*MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, projectID, iid int64, opts UpdateMergeRequestOptions) (*MergeRequest, error)
	ListMergeRequestCommits(ctx context.Context, projectID, iid int64) ([]Commit, error)
	PostComment(ctx context.Context, projectID, iid int64, body string) error
	AddLabels(ctx context.Context, projectID, iid int64, labels []string) error
}

// Registry 按主机名索引的forge客户端
type Registry struct {
	clients map[string]Client
	configs map[string]*config.ForgeConfig
}

// NewRegistry 为每个配置的forge创建GitLab客户端
func NewRegistry(forges []config.ForgeConfig) *Registry {
	r := &Registry{clients: make(map[string]Client), configs: make(map[string]*config.ForgeConfig)}
	for i := range forges {
		r.Register(&forges[i], NewGitLabClient(&forges[i]))
	}
	return r
}

// Register 注册客户端，测试中用于替换实现
func (r *Registry) Register(cfg *config.ForgeConfig, client Client) {
	host := strings.ToLower(cfg.Host)
	r.clients[host] = client
	r.configs[host] = cfg
}

// Get 按主机名获取客户端
func (r *Registry) Get(host string) (Client, error) {
	client, ok := r.clients[strings.ToLower(host)]
	if !ok {
		return nil, bridgeerr.Newf(bridgeerr.KindConfigurationError, "gitforge.Get", "未配置forge: %s", host)
	}
	return client, nil
}

// Config 按主机名获取forge配置
func (r *Registry) Config(host string) (*config.ForgeConfig, bool) {
	cfg, ok := r.configs[strings.ToLower(host)]
	return cfg, ok
}

// AuthenticatedURL 在HTTP克隆地址中加入访问令牌
func AuthenticatedURL(cloneURL, token string) string {
	u, err := url.Parse(cloneURL)
	if err != nil || token == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return cloneURL
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String()
}
