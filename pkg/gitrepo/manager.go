package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Remote 一个目标分支对应的远端仓库
type Remote struct {
	Key    string // 规范克隆目录名，如 gitlab.example.com-42
	URL    string // 带认证信息的克隆地址
	Branch string // 目标分支
}

// Worktree 为单个任务创建的临时工作树
type Worktree struct {
	Path   string
	Base   string // 创建时目标分支的提交
	remote Remote
}

// Remote 返回工作树所属的远端
func (w *Worktree) Remote() Remote {
	return w.remote
}

// CommitRange 应用补丁后得到的提交范围
type CommitRange struct {
	Base    string
	Head    string
	Commits []string // 从旧到新
}

// Identity 提交者身份
type Identity struct {
	Name  string
	Email string
}

// Manager 管理规范克隆和临时工作树。
// 规范克隆是裸仓库，只做fetch；所有补丁应用都在工作树中进行
type Manager struct {
	baseDir   string
	committer Identity
	log       *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager 创建仓库管理器
func NewManager(baseDir string, committer Identity) *Manager {
	return &Manager{
		baseDir:   baseDir,
		committer: committer,
		log:       logger.GetLogger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor 每个规范克隆一把锁，fetch/push/worktree增删都在锁内完成
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) clonePath(r Remote) string {
	return filepath.Join(m.baseDir, "clones", r.Key)
}

// git 在dir中执行git命令，返回去掉首尾空白的合并输出
func (m *Manager) git(ctx context.Context, dir string, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_COMMITTER_NAME="+m.committer.Name,
		"GIT_COMMITTER_EMAIL="+m.committer.Email,
	)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(output)), fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// EnsureClone 确保规范克隆存在
func (m *Manager) EnsureClone(ctx context.Context, r Remote) error {
	l := m.lockFor(r.Key)
	l.Lock()
	defer l.Unlock()
	return m.ensureCloneLocked(ctx, r)
}

func (m *Manager) ensureCloneLocked(ctx context.Context, r Remote) error {
	path := m.clonePath(r)
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		// 令牌可能轮换，每次同步远端地址
		if _, err := m.git(ctx, path, nil, "remote", "set-url", "origin", r.URL); err != nil {
			return bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.ensureClone", err)
		}
		return nil
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.ensureClone", err)
	}
	steps := [][]string{
		{"init", "--bare", "--quiet"},
		{"remote", "add", "origin", r.URL},
		{"config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"},
	}
	for _, args := range steps {
		if _, err := m.git(ctx, path, nil, args...); err != nil {
			os.RemoveAll(path)
			return bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.ensureClone", err)
		}
	}

	m.log.WithFields(logrus.Fields{"clone": r.Key}).Info("创建规范克隆")
	return nil
}

func (m *Manager) fetchLocked(ctx context.Context, r Remote, refspecs ...string) error {
	args := append([]string{"fetch", "--quiet", "--prune", "origin"}, refspecs...)
	if _, err := m.git(ctx, m.clonePath(r), nil, args...); err != nil {
		return bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.fetch", err)
	}
	return nil
}

func (m *Manager) remoteRef(ctx context.Context, r Remote, ref string) string {
	sha, err := m.git(ctx, m.clonePath(r), nil, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+ref)
	if err != nil {
		return ""
	}
	return sha
}

// AcquireWorktree 刷新规范克隆并在目标分支最新提交上创建分离HEAD的工作树
func (m *Manager) AcquireWorktree(ctx context.Context, r Remote) (*Worktree, error) {
	l := m.lockFor(r.Key)
	l.Lock()
	defer l.Unlock()

	if err := m.ensureCloneLocked(ctx, r); err != nil {
		return nil, err
	}
	if err := m.fetchLocked(ctx, r); err != nil {
		return nil, err
	}

	base := m.remoteRef(ctx, r, r.Branch)
	if base == "" {
		return nil, bridgeerr.Newf(bridgeerr.KindConfigurationError, "gitrepo.AcquireWorktree", "远端不存在分支 %s", r.Branch)
	}

	path := filepath.Join(m.baseDir, "worktrees", uuid.New().String())
	if _, err := m.git(ctx, m.clonePath(r), nil, "worktree", "add", "--detach", "--quiet", path, base); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.AcquireWorktree", err)
	}

	return &Worktree{Path: path, Base: base, remote: r}, nil
}

// ReleaseWorktree 删除工作树，失败时退化为直接删除目录并prune
func (m *Manager) ReleaseWorktree(wt *Worktree) error {
	if wt == nil {
		return nil
	}
	l := m.lockFor(wt.remote.Key)
	l.Lock()
	defer l.Unlock()

	ctx := context.Background()
	clone := m.clonePath(wt.remote)
	if _, err := m.git(ctx, clone, nil, "worktree", "remove", "--force", wt.Path); err != nil {
		m.log.WithError(err).WithField("worktree", wt.Path).Warn("删除工作树失败，直接清理目录")
		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			return rmErr
		}
		_, err = m.git(ctx, clone, nil, "worktree", "prune")
		return err
	}
	return nil
}

// ApplySeries 在工作树中按顺序应用mbox中的补丁。
// 提交时间取作者时间，同一系列在同一基线上重复应用得到相同的提交
func (m *Manager) ApplySeries(ctx context.Context, wt *Worktree, mbox []byte) (*CommitRange, error) {
	if output, err := m.git(ctx, wt.Path, mbox, "am", "--patch-format=mboxrd", "--3way", "--keep-cr", "--committer-date-is-author-date"); err != nil {
		m.git(context.Background(), wt.Path, nil, "am", "--abort")
		return nil, bridgeerr.Newf(bridgeerr.KindPatchApplyFailed, "gitrepo.ApplySeries", "%s", output)
	}

	head, err := m.git(ctx, wt.Path, nil, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	list, err := m.git(ctx, wt.Path, nil, "rev-list", "--reverse", wt.Base+".."+head)
	if err != nil {
		return nil, err
	}

	return &CommitRange{Base: wt.Base, Head: head, Commits: strings.Fields(list)}, nil
}

// Push 以force-with-lease方式把工作树HEAD推送到refs/heads/<ref>。
// expected为空表示远端分支不应存在。被拒绝时重新fetch：
// 远端已是本次结果视为成功，否则以fetch到的远端提交为租约再推送一次，
// 仍被拒绝则返回并发冲突
func (m *Manager) Push(ctx context.Context, wt *Worktree, ref, expected string) (string, error) {
	l := m.lockFor(wt.remote.Key)
	l.Lock()
	defer l.Unlock()

	head, err := m.git(ctx, wt.Path, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	log := m.log.WithFields(logrus.Fields{"ref": ref, "head": head, "expected": expected})

	lease := expected
	for attempt := 0; attempt < 2; attempt++ {
		output, err := m.git(ctx, wt.Path, nil, "push", "--porcelain",
			fmt.Sprintf("--force-with-lease=refs/heads/%s:%s", ref, lease),
			"origin", "HEAD:refs/heads/"+ref)
		if err == nil {
			return head, nil
		}
		if !isRejection(output) {
			return "", bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.Push", err)
		}
		if attempt > 0 {
			break
		}

		log.Warn("推送被拒绝，重新fetch")
		if err := m.fetchLocked(ctx, wt.remote); err != nil {
			return "", err
		}
		current := m.remoteRef(ctx, wt.remote, ref)
		if current == head {
			return head, nil
		}
		log.WithField("current", current).Info("远端分支已变化，按新租约重试推送")
		lease = current
	}

	return "", bridgeerr.Newf(bridgeerr.KindConcurrentUpdateConflict, "gitrepo.Push", "分支 %s 推送重试后仍被拒绝", ref)
}

func isRejection(output string) bool {
	for _, marker := range []string{"[rejected]", "stale info", "non-fast-forward", "fetch first"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// FetchMergeRequest 把合并请求的head拉取到规范克隆，返回其提交
func (m *Manager) FetchMergeRequest(ctx context.Context, r Remote, iid int64) (string, error) {
	l := m.lockFor(r.Key)
	l.Lock()
	defer l.Unlock()

	if err := m.ensureCloneLocked(ctx, r); err != nil {
		return "", err
	}
	ref := fmt.Sprintf("refs/merge-requests/%d/head", iid)
	if err := m.fetchLocked(ctx, r, "+"+ref+":"+ref); err != nil {
		return "", err
	}
	return m.git(ctx, m.clonePath(r), nil, "rev-parse", ref)
}

// FormatPatch 生成单个提交的补丁邮件文本
func (m *Manager) FormatPatch(ctx context.Context, r Remote, sha string) (string, error) {
	output, err := m.git(ctx, m.clonePath(r), nil, "format-patch", "-1", "--stdout", sha)
	if err != nil {
		return "", bridgeerr.New(bridgeerr.KindRepositoryUnavailable, "gitrepo.FormatPatch", err)
	}
	return output + "\n", nil
}

// Prune 清理所有规范克隆中失效的工作树记录
func (m *Manager) Prune(ctx context.Context) error {
	entries, err := os.ReadDir(filepath.Join(m.baseDir, "clones"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r := Remote{Key: entry.Name()}
		l := m.lockFor(r.Key)
		l.Lock()
		_, err := m.git(ctx, m.clonePath(r), nil, "worktree", "prune")
		l.Unlock()
		if err != nil {
			m.log.WithError(err).WithField("clone", r.Key).Warn("清理工作树失败")
		}
	}
	return nil
}
