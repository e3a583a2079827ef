package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	bridgeerr "patchbridge/pkg/errors"
)

const badPatch = `From 0000000000000000000000000000000000000000 Mon Sep 17 00:00:00 2001
From: Alice <alice@example.com>
Date: Mon, 1 Jan 2024 00:00:00 +0000
Subject: [PATCH] Change missing line

---
 README | 2 +-
 1 file changed, 1 insertion(+), 1 deletion(-)

diff --git a/README b/README
index 1234567..89abcde 100644
--- a/README
+++ b/README
@@ -1 +1 @@
-this line is not there
+bye
`

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Seed", "GIT_AUTHOR_EMAIL=seed@example.com",
		"GIT_COMMITTER_NAME=Seed", "GIT_COMMITTER_EMAIL=seed@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// setupOrigin 创建带main分支的裸远端，并返回若干互不冲突的补丁
func setupOrigin(t *testing.T, patches int) (string, [][]byte) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	origin := filepath.Join(dir, "origin.git")
	seed := filepath.Join(dir, "seed")
	os.MkdirAll(origin, 0755)
	os.MkdirAll(seed, 0755)

	runGit(t, origin, "init", "--bare", "--quiet")
	runGit(t, seed, "init", "--quiet")
	os.WriteFile(filepath.Join(seed, "README"), []byte("hello\n"), 0644)
	runGit(t, seed, "add", "README")
	runGit(t, seed, "commit", "--quiet", "-m", "Initial commit")
	runGit(t, seed, "push", "--quiet", origin, "HEAD:refs/heads/main")
	base := runGit(t, seed, "rev-parse", "HEAD")

	var mboxes [][]byte
	for i := 0; i < patches; i++ {
		name := fmt.Sprintf("file%d.txt", i)
		os.WriteFile(filepath.Join(seed, name), []byte(fmt.Sprintf("content %d\n", i)), 0644)
		runGit(t, seed, "add", name)
		runGit(t, seed, "commit", "--quiet", "-m", "Add "+name)
		mboxes = append(mboxes, []byte(runGit(t, seed, "format-patch", "-1", "--stdout", "HEAD")+"\n"))
		runGit(t, seed, "reset", "--quiet", "--hard", base)
	}
	return origin, mboxes
}

func newTestManager(t *testing.T) *Manager {
	return NewManager(t.TempDir(), Identity{Name: "Bridge", Email: "bridge@example.com"})
}

func TestApplyAndPush(t *testing.T) {
	origin, mboxes := setupOrigin(t, 1)
	m := newTestManager(t)
	ctx := context.Background()
	remote := Remote{Key: "origin", URL: origin, Branch: "main"}

	wt, err := m.AcquireWorktree(ctx, remote)
	if err != nil {
		t.Fatalf("AcquireWorktree: %v", err)
	}
	defer m.ReleaseWorktree(wt)

	rng, err := m.ApplySeries(ctx, wt, mboxes[0])
	if err != nil {
		t.Fatalf("ApplySeries: %v", err)
	}
	if len(rng.Commits) != 1 || rng.Commits[0] != rng.Head {
		t.Fatalf("range = %+v", rng)
	}

	head, err := m.Push(ctx, wt, "emails/series-1", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := runGit(t, origin, "rev-parse", "refs/heads/emails/series-1"); got != head {
		t.Errorf("origin ref = %s, want %s", got, head)
	}

	// 同一结果再次推送是幂等的
	if _, err := m.Push(ctx, wt, "emails/series-1", ""); err != nil {
		t.Errorf("repeated push: %v", err)
	}

	// 规范克隆不能有工作区
	if _, err := os.Stat(filepath.Join(m.clonePath(remote), "README")); !os.IsNotExist(err) {
		t.Error("canonical clone has a checkout")
	}
}

func TestPushRefreshesLease(t *testing.T) {
	origin, mboxes := setupOrigin(t, 2)
	m := newTestManager(t)
	ctx := context.Background()
	remote := Remote{Key: "origin", URL: origin, Branch: "main"}

	first, _ := m.AcquireWorktree(ctx, remote)
	defer m.ReleaseWorktree(first)
	second, _ := m.AcquireWorktree(ctx, remote)
	defer m.ReleaseWorktree(second)

	if _, err := m.ApplySeries(ctx, first, mboxes[0]); err != nil {
		t.Fatalf("ApplySeries: %v", err)
	}
	if _, err := m.ApplySeries(ctx, second, mboxes[1]); err != nil {
		t.Fatalf("ApplySeries: %v", err)
	}

	firstHead, err := m.Push(ctx, first, "emails/series-2", "")
	if err != nil {
		t.Fatalf("first push: %v", err)
	}

	// 租约为空但远端分支已存在：第一次被拒绝，fetch后按新租约推送成功
	secondHead, err := m.Push(ctx, second, "emails/series-2", "")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if secondHead == firstHead {
		t.Fatalf("second push returned the first head %s", firstHead)
	}
	if got := runGit(t, origin, "rev-parse", "refs/heads/emails/series-2"); got != secondHead {
		t.Errorf("origin ref = %s, want %s", got, secondHead)
	}
}

func TestApplyFailureAborts(t *testing.T) {
	origin, _ := setupOrigin(t, 0)
	m := newTestManager(t)
	ctx := context.Background()

	wt, err := m.AcquireWorktree(ctx, Remote{Key: "origin", URL: origin, Branch: "main"})
	if err != nil {
		t.Fatalf("AcquireWorktree: %v", err)
	}
	defer m.ReleaseWorktree(wt)

	_, err = m.ApplySeries(ctx, wt, []byte(badPatch))
	if !bridgeerr.Is(err, bridgeerr.KindPatchApplyFailed) {
		t.Fatalf("error = %v, want patch apply failure", err)
	}
	if head := runGit(t, wt.Path, "rev-parse", "HEAD"); head != wt.Base {
		t.Errorf("HEAD moved to %s after failed apply", head)
	}
}

func TestUnknownBranch(t *testing.T) {
	origin, _ := setupOrigin(t, 0)
	m := newTestManager(t)

	_, err := m.AcquireWorktree(context.Background(), Remote{Key: "origin", URL: origin, Branch: "nope"})
	if !bridgeerr.Is(err, bridgeerr.KindConfigurationError) {
		t.Fatalf("error = %v, want configuration error", err)
	}
}

func TestUnreachableRemote(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := newTestManager(t)

	_, err := m.AcquireWorktree(context.Background(), Remote{Key: "gone", URL: filepath.Join(t.TempDir(), "missing.git"), Branch: "main"})
	if !bridgeerr.Is(err, bridgeerr.KindRepositoryUnavailable) {
		t.Fatalf("error = %v, want repository unavailable", err)
	}
}

func TestConcurrentSeriesOnSameBranch(t *testing.T) {
	origin, mboxes := setupOrigin(t, 4)
	m := newTestManager(t)
	ctx := context.Background()
	remote := Remote{Key: "origin", URL: origin, Branch: "main"}

	var wg sync.WaitGroup
	errs := make([]error, len(mboxes))
	for i := range mboxes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wt, err := m.AcquireWorktree(ctx, remote)
			if err != nil {
				errs[i] = err
				return
			}
			defer m.ReleaseWorktree(wt)
			if _, err := m.ApplySeries(ctx, wt, mboxes[i]); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = m.Push(ctx, wt, fmt.Sprintf("emails/series-c%d", i), "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("series %d: %v", i, err)
		}
	}
	for i := range mboxes {
		files := runGit(t, origin, "ls-tree", "--name-only", fmt.Sprintf("refs/heads/emails/series-c%d", i))
		if !strings.Contains(files, fmt.Sprintf("file%d.txt", i)) || strings.Count(files, "file") != 1 {
			t.Errorf("series %d tree = %q", i, files)
		}
	}
}
