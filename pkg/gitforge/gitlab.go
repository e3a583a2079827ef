package gitforge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"

	"github.com/sirupsen/logrus"
)

const maxRateLimitRetries = 3

// GitLabClient GitLab REST API v4 客户端
type GitLabClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *logrus.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGitLabClient 创建GitLab客户端
func NewGitLabClient(cfg *config.ForgeConfig) *GitLabClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitLabClient{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		log:     logger.GetLogger(),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do 发送请求并解析JSON响应。429时按Retry-After退避重试
func (c *GitLabClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return bridgeerr.New(bridgeerr.KindMalformed, op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return bridgeerr.New(bridgeerr.KindConfigurationError, op, err)
		}
		req.Header.Set("PRIVATE-TOKEN", c.token)
		req.Header.Set("User-Agent", "patchbridge/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return bridgeerr.New(bridgeerr.KindTransientInfra, op, err)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if readErr != nil {
			return bridgeerr.New(bridgeerr.KindTransientInfra, op, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := retryAfter(resp.Header.Get("Retry-After"), attempt)
			c.log.WithFields(logrus.Fields{"op": op, "wait": wait.String()}).Warn("forge限流，等待后重试")
			if err := c.sleep(ctx, wait); err != nil {
				return bridgeerr.New(bridgeerr.KindTransientInfra, op, err)
			}
			continue
		}

		if err := classifyStatus(op, resp.StatusCode, data); err != nil {
			return err
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return bridgeerr.New(bridgeerr.KindMalformed, op, fmt.Errorf("解析响应失败: %v", err))
			}
		}
		return nil
	}
}

// retryAfter 解析Retry-After（秒数或HTTP日期），缺失时指数退避
func retryAfter(value string, attempt int) time.Duration {
	if value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(value); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}
	return time.Duration(1<<attempt) * time.Second
}

func classifyStatus(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	err := fmt.Errorf("HTTP %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return bridgeerr.New(bridgeerr.KindAuthenticationFailed, op, err)
	case status == http.StatusNotFound:
		return bridgeerr.New(bridgeerr.KindConfigurationError, op, fmt.Errorf("%w: %v", ErrNotFound, err))
	case status == http.StatusTooManyRequests || status >= 500:
		return bridgeerr.New(bridgeerr.KindTransientInfra, op, err)
	}
	return bridgeerr.New(bridgeerr.KindMalformed, op, err)
}

func mrPath(projectID, iid int64) string {
	return fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid)
}

// CurrentUser 令牌对应的用户
func (c *GitLabClient) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetProject 获取项目
func (c *GitLabClient) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d", projectID), nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// GetMergeRequest 获取合并请求
func (c *GitLabClient) GetMergeRequest(ctx context.Context, projectID, iid int64) (*MergeRequest, error) {
	var mr MergeRequest
	if err := c.do(ctx, http.MethodGet, mrPath(projectID, iid), nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// FindMergeRequestBySourceBranch 查找源分支上打开的合并请求，没有时返回 nil, nil
func (c *GitLabClient) FindMergeRequestBySourceBranch(ctx context.Context, projectID int64, sourceBranch string) (*MergeRequest, error) {
	query := url.Values{"source_branch": {sourceBranch}, "state": {"opened"}}
	var mrs []MergeRequest
	path := fmt.Sprintf("/projects/%d/merge_requests?%s", projectID, query.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &mrs); err != nil {
		return nil, err
	}
	if len(mrs) == 0 {
		return nil, nil
	}
	return &mrs[0], nil
}

// CreateMergeRequest 创建合并请求
func (c *GitLabClient) CreateMergeRequest(ctx context.Context, projectID int64, opts CreateMergeRequestOptions) (*MergeRequest, error) {
	body := map[string]interface{}{
		"source_branch":        opts.SourceBranch,
		"target_branch":        opts.TargetBranch,
		"title":                opts.Title,
		"description":          opts.Description,
		"remove_source_branch": true,
	}
	if len(opts.Labels) > 0 {
		body["labels"] = strings.Join(opts.Labels, ",")
	}

	var mr MergeRequest
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests", projectID), body, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// UpdateMergeRequest 更新合并请求
func (c *GitLabClient) UpdateMergeRequest(ctx context.Context, projectID, iid int64, opts UpdateMergeRequestOptions) (*MergeRequest, error) {
	body := map[string]interface{}{}
	if opts.Title != "" {
		body["title"] = opts.Title
	}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if len(opts.AddLabels) > 0 {
		body["add_labels"] = strings.Join(opts.AddLabels, ",")
	}

	var mr MergeRequest
	if err := c.do(ctx, http.MethodPut, mrPath(projectID, iid), body, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// ListMergeRequestCommits 合并请求的提交，从旧到新
func (c *GitLabClient) ListMergeRequestCommits(ctx context.Context, projectID, iid int64) ([]Commit, error) {
	var all []Commit
	for page := 1; ; page++ {
		var commits []Commit
		path := fmt.Sprintf("%s/commits?per_page=100&page=%d", mrPath(projectID, iid), page)
		if err := c.do(ctx, http.MethodGet, path, nil, &commits); err != nil {
			return nil, err
		}
		all = append(all, commits...)
		if len(commits) < 100 {
			break
		}
	}

	// API按从新到旧返回
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// PostComment 在合并请求上发表评论
func (c *GitLabClient) PostComment(ctx context.Context, projectID, iid int64, body string) error {
	return c.do(ctx, http.MethodPost, mrPath(projectID, iid)+"/notes", map[string]string{"body": body}, nil)
}

// AddLabels 给合并请求追加标签
func (c *GitLabClient) AddLabels(ctx context.Context, projectID, iid int64, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, err := c.UpdateMergeRequest(ctx, projectID, iid, UpdateMergeRequestOptions{AddLabels: labels})
	return err
}

// IsNotFound 错误是否表示资源不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
