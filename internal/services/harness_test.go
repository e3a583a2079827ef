package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"patchbridge/internal/database"
	"patchbridge/internal/models"
	"patchbridge/pkg/config"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/mailer"
	"patchbridge/pkg/queue"
	"patchbridge/pkg/webhook"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testHost      = "gitlab.example.com"
	testProjectID = int64(42)
	testListID    = "dev.lists.example.com"
	testList      = "dev@lists.example.com"
)

// ========== forge ==========

type forgeComment struct {
	IID  int64
	Body string
}

type fakeForge struct {
	mu       sync.Mutex
	project  gitforge.Project
	mrs      map[int64]*gitforge.MergeRequest
	commits  map[int64][]gitforge.Commit
	labels   map[int64][]string
	comments []forgeComment
	nextIID  int64
	created  int
	updated  int
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		project: gitforge.Project{
			ID:            testProjectID,
			PathWithNS:    "group/proj",
			WebURL:        "https://gitlab.example.com/group/proj",
			HTTPURLToRepo: "https://gitlab.example.com/group/proj.git",
			DefaultBranch: "main",
		},
		mrs:     make(map[int64]*gitforge.MergeRequest),
		commits: make(map[int64][]gitforge.Commit),
		labels:  make(map[int64][]string),
		nextIID: 100,
	}
}

func (f *fakeForge) CurrentUser(ctx context.Context) (*gitforge.User, error) {
	return &gitforge.User{ID: 1, Username: "patchbridge-bot"}, nil
}

func (f *fakeForge) GetProject(ctx context.Context, projectID int64) (*gitforge.Project, error) {
	if projectID != f.project.ID {
		return nil, gitforge.ErrNotFound
	}
	p := f.project
	return &p, nil
}

func (f *fakeForge) GetMergeRequest(ctx context.Context, projectID, iid int64) (*gitforge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.mrs[iid]
	if !ok {
		return nil, gitforge.ErrNotFound
	}
	cp := *mr
	cp.Labels = append([]string{}, mr.Labels...)
	return &cp, nil
}

func (f *fakeForge) FindMergeRequestBySourceBranch(ctx context.Context, projectID int64, sourceBranch string) (*gitforge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mr := range f.mrs {
		if mr.SourceBranch == sourceBranch && mr.IsOpen() {
			cp := *mr
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeForge) CreateMergeRequest(ctx context.Context, projectID int64, opts gitforge.CreateMergeRequestOptions) (*gitforge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIID++
	f.created++
	mr := &gitforge.MergeRequest{
		IID:          f.nextIID,
		ProjectID:    projectID,
		Title:        opts.Title,
		Description:  opts.Description,
		State:        "opened",
		SourceBranch: opts.SourceBranch,
		TargetBranch: opts.TargetBranch,
		WebURL:       fmt.Sprintf("https://gitlab.example.com/group/proj/-/merge_requests/%d", f.nextIID),
		Labels:       append([]string{}, opts.Labels...),
		Author:       gitforge.User{Username: "patchbridge-bot"},
	}
	f.mrs[mr.IID] = mr
	cp := *mr
	return &cp, nil
}

func (f *fakeForge) UpdateMergeRequest(ctx context.Context, projectID, iid int64, opts gitforge.UpdateMergeRequestOptions) (*gitforge.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.mrs[iid]
	if !ok {
		return nil, gitforge.ErrNotFound
	}
	f.updated++
	if opts.Title != "" {
		mr.Title = opts.Title
	}
	if opts.Description != "" {
		mr.Description = opts.Description
	}
	cp := *mr
	return &cp, nil
}

func (f *fakeForge) ListMergeRequestCommits(ctx context.Context, projectID, iid int64) ([]gitforge.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitforge.Commit{}, f.commits[iid]...), nil
}

func (f *fakeForge) PostComment(ctx context.Context, projectID, iid int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, forgeComment{IID: iid, Body: body})
	return nil
}

func (f *fakeForge) AddLabels(ctx context.Context, projectID, iid int64, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[iid] = append(f.labels[iid], labels...)
	return nil
}

// openMR 在forge上放一个合并请求，提交按标题生成
func (f *fakeForge) openMR(iid int64, title string, commitTitles ...string) *gitforge.MergeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr := &gitforge.MergeRequest{
		IID:          iid,
		ProjectID:    testProjectID,
		Title:        title,
		Description:  "Please review.",
		State:        "opened",
		SourceBranch: fmt.Sprintf("feature-%d", iid),
		TargetBranch: "main",
		WebURL:       fmt.Sprintf("https://gitlab.example.com/group/proj/-/merge_requests/%d", iid),
		MergeStatus:  "can_be_merged",
		Author:       gitforge.User{Username: "alice"},
	}
	f.mrs[iid] = mr
	f.setCommitsLocked(iid, commitTitles...)
	return mr
}

func (f *fakeForge) setCommits(iid int64, titles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCommitsLocked(iid, titles...)
}

func (f *fakeForge) setCommitsLocked(iid int64, titles ...string) {
	commits := make([]gitforge.Commit, 0, len(titles))
	for _, title := range titles {
		commits = append(commits, gitforge.Commit{
			ID:          fakeSHA("commit", title),
			Title:       title,
			Message:     title + "\n\nSigned-off-by: Alice <alice@example.com>",
			AuthorName:  "Alice",
			AuthorEmail: "alice@example.com",
		})
	}
	f.commits[iid] = commits
}

func (f *fakeForge) mutate(iid int64, fn func(mr *gitforge.MergeRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.mrs[iid])
}

func (f *fakeForge) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

// ========== git ==========

type pushCall struct {
	Ref      string
	Expected string
	Head     string
}

type fakeRepo struct {
	mu        sync.Mutex
	heads     map[int64]string
	applyErrs []error
	pushes    []pushCall
	applied   int
	acquired  int
	released  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{heads: make(map[int64]string)}
}

func fakeSHA(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func (r *fakeRepo) AcquireWorktree(ctx context.Context, remote gitrepo.Remote) (*gitrepo.Worktree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired++
	return &gitrepo.Worktree{Path: fmt.Sprintf("/tmp/wt-%d", r.acquired), Base: fakeSHA("base")}, nil
}

func (r *fakeRepo) ReleaseWorktree(wt *gitrepo.Worktree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return nil
}

// ApplySeries 每个补丁生成一个由mbox内容决定的提交
func (r *fakeRepo) ApplySeries(ctx context.Context, wt *gitrepo.Worktree, mbox []byte) (*gitrepo.CommitRange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applyErrs) > 0 {
		err := r.applyErrs[0]
		r.applyErrs = r.applyErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r.applied++
	n := strings.Count(string(mbox), "From 0000000000000000000000000000000000000000 ")
	rng := &gitrepo.CommitRange{Base: wt.Base}
	for i := 0; i < n; i++ {
		rng.Commits = append(rng.Commits, fakeSHA(string(mbox), fmt.Sprint(i)))
	}
	if n > 0 {
		rng.Head = rng.Commits[n-1]
	}
	return rng, nil
}

func (r *fakeRepo) Push(ctx context.Context, wt *gitrepo.Worktree, ref, expected string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := fakeSHA("push", ref, fmt.Sprint(len(r.pushes)))
	r.pushes = append(r.pushes, pushCall{Ref: ref, Expected: expected, Head: head})
	return head, nil
}

func (r *fakeRepo) FetchMergeRequest(ctx context.Context, remote gitrepo.Remote, iid int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, ok := r.heads[iid]
	if !ok {
		return "", errors.New("no such merge request")
	}
	return head, nil
}

func (r *fakeRepo) FormatPatch(ctx context.Context, remote gitrepo.Remote, sha string) (string, error) {
	return "From " + sha + " Mon Sep 17 00:00:00 2001\n" +
		"From: Alice <alice@example.com>\n" +
		"Date: Mon, 1 Jan 2024 00:00:00 +0000\n" +
		"Subject: [PATCH] change " + sha[:7] + "\n\n" +
		"Body of " + sha[:7] + "\n\nSigned-off-by: Alice <alice@example.com>\n" +
		"---\n x | 1 +\n\ndiff --git a/x b/x\n", nil
}

func (r *fakeRepo) setHead(iid int64, head string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heads[iid] = head
}

// ========== mail ==========

type fakeTransport struct {
	mu   sync.Mutex
	sent []*mailer.Message
	fail int
}

func (t *fakeTransport) Send(ctx context.Context, msg *mailer.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail > 0 {
		t.fail--
		return errors.New("smtp: connection refused")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) messages() []*mailer.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*mailer.Message{}, t.sent...)
}

// flakyTransport 第failAt次发送失败，其余交给inner
type flakyTransport struct {
	inner  mailer.Transport
	failAt int
	calls  int
}

func (t *flakyTransport) Send(ctx context.Context, msg *mailer.Message) error {
	t.calls++
	if t.calls == t.failAt {
		return errors.New("smtp: 451 temporary failure")
	}
	return t.inner.Send(ctx, msg)
}

// ========== harness ==========

type failedTask struct {
	Task *queue.TaskMessage
	Err  error
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	cfg    *config.Config
	db     *gorm.DB
	queue  *queue.RedisQueue
	forge  *fakeForge
	repo   *fakeRepo
	mail   *fakeTransport
	engine *BridgeEngine
	branch *models.Branch
	seq    int64
}

func testConfig() *config.Config {
	return &config.Config{
		Bridge: config.BridgeConfig{
			EmailToMR:         true,
			MRToEmail:         true,
			CommentBridging:   true,
			PipelineMaxWait:   2 * time.Hour,
			DoNotBridgeLabels: []string{"no-email"},
			MaxEmails:         30,
			FromTemplate:      "{forge_user} via patchbridge <bridge@example.com>",
			MessageIDDomain:   "bridge.example.com",
			SeriesTimeout:     10 * time.Minute,
			BotUsername:       "patchbridge-bot",
			WrapWidth:         72,
		},
		Forges: []config.ForgeConfig{{
			Name:   "gitlab",
			Host:   testHost,
			APIURL: "https://gitlab.example.com/api/v4",
			Token:  "secret-token",
		}},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 内存库只能有一个连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisQueueWithClient(client, "test")
}

func newHarness(t *testing.T, mutate ...func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		cfg:   cfg,
		db:    newTestDB(t),
		queue: newTestQueue(t),
		forge: newFakeForge(),
		repo:  newFakeRepo(),
		mail:  &fakeTransport{},
	}
	registry := gitforge.NewRegistry(nil)
	registry.Register(&cfg.Forges[0], h.forge)
	h.engine = NewBridgeEngine(cfg, h.db, h.queue, registry, h.repo, h.mail)

	h.branch = &models.Branch{
		ForgeName:   "gitlab",
		ForgeHost:   testHost,
		ProjectID:   testProjectID,
		ProjectPath: "group/proj",
		Name:        "main",
		ListID:      testListID,
		ListAddress: testList,
		CloneURL:    "https://gitlab.example.com/group/proj.git",
		LocalPath:   models.CloneKey(testHost, testProjectID),
	}
	if err := h.db.Create(h.branch).Error; err != nil {
		t.Fatalf("create branch: %v", err)
	}
	return h
}

// drain 依次执行队列中的所有任务，返回失败的任务
func (h *harness) drain() []failedTask {
	h.t.Helper()
	var failed []failedTask
	for i := 0; i < 100; i++ {
		// 空队列上的阻塞出队至少等一秒
		stats, err := h.queue.GetQueueStats(h.ctx)
		if err != nil {
			h.t.Fatalf("GetQueueStats: %v", err)
		}
		if stats["ready"] == 0 {
			return failed
		}
		task, err := h.queue.Dequeue(h.ctx, time.Second)
		if err != nil {
			h.t.Fatalf("Dequeue: %v", err)
		}
		if task == nil {
			return failed
		}
		if err := h.handle(task); err != nil {
			failed = append(failed, failedTask{Task: task, Err: err})
		}
		if err := h.queue.Ack(h.ctx, task, queue.StatusSuccess); err != nil {
			h.t.Fatalf("Ack: %v", err)
		}
	}
	h.t.Fatalf("queue did not drain")
	return nil
}

// mustDrain 执行所有任务，任何失败都终止测试
func (h *harness) mustDrain() {
	h.t.Helper()
	for _, f := range h.drain() {
		h.t.Fatalf("task %s failed: %v", f.Task.TaskType, f.Err)
	}
}

func (h *harness) handle(task *queue.TaskMessage) error {
	switch task.TaskType {
	case queue.TaskInboundEmailApply:
		return h.engine.HandleApply(h.ctx, task)
	case queue.TaskOutboundWebhook:
		return h.engine.HandleWebhook(h.ctx, task)
	case queue.TaskInboundComment:
		return h.engine.HandleInboundComment(h.ctx, task)
	case queue.TaskPipelineTimeout:
		return h.engine.HandlePipelineTimeout(h.ctx, task)
	}
	return fmt.Errorf("unknown task type %s", task.TaskType)
}

func (h *harness) ingest(raw []byte) *IngestResult {
	h.t.Helper()
	res, err := h.engine.IngestMessage(h.ctx, testListID, raw)
	if err != nil {
		h.t.Fatalf("IngestMessage: %v", err)
	}
	return res
}

func (h *harness) meta(iid int64, eventID string) webhook.Meta {
	h.seq++
	return webhook.Meta{
		EventID:         eventID,
		Forge:           "gitlab",
		Host:            testHost,
		ProjectID:       testProjectID,
		MergeRequestIID: iid,
		TargetBranch:    "main",
		Sequence:        h.seq,
		Actor:           "alice",
	}
}

func (h *harness) admit(ev webhook.Event) bool {
	h.t.Helper()
	admitted, _, err := h.engine.AdmitEvent(h.ctx, ev)
	if err != nil {
		h.t.Fatalf("AdmitEvent: %v", err)
	}
	return admitted
}

func (h *harness) submissionForMR(iid int64) *models.BridgedSubmission {
	h.t.Helper()
	sub, err := h.engine.Submissions().FindByMergeRequest(h.db, h.branch.ID, iid)
	if err != nil {
		h.t.Fatalf("FindByMergeRequest: %v", err)
	}
	if sub == nil {
		h.t.Fatalf("no submission for merge request %d", iid)
	}
	return sub
}

func (h *harness) onlySubmission() *models.BridgedSubmission {
	h.t.Helper()
	var subs []models.BridgedSubmission
	if err := h.db.Order("id").Find(&subs).Error; err != nil {
		h.t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 1 {
		h.t.Fatalf("got %d submissions, want 1", len(subs))
	}
	return &subs[0]
}

func (h *harness) count(model interface{}, query string, args ...interface{}) int64 {
	h.t.Helper()
	var n int64
	q := h.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		h.t.Fatalf("count: %v", err)
	}
	return n
}

// ========== mails ==========

const testDate = "Mon, 1 Jan 2024 10:00:00 +0000"

// patchMail 构造一封git send-email风格的补丁邮件
func patchMail(msgID, inReplyTo, subject, file string) []byte {
	headers := fmt.Sprintf("From: Alice Developer <alice@example.com>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: %s\r\n", testList, subject, testDate, msgID)
	if inReplyTo != "" {
		headers += fmt.Sprintf("In-Reply-To: %s\r\nReferences: %s\r\n", inReplyTo, inReplyTo)
	}
	body := fmt.Sprintf("Change %s.\n\n"+
		"Signed-off-by: Alice Developer <alice@example.com>\n"+
		"---\n"+
		" %s | 1 +\n"+
		" 1 file changed, 1 insertion(+)\n\n"+
		"diff --git a/%s b/%s\n"+
		"new file mode 100644\n"+
		"--- /dev/null\n"+
		"+++ b/%s\n"+
		"@@ -0,0 +1 @@\n"+
		"+%s\n"+
		"-- \n"+
		"2.43.0\n", file, file, file, file, file, file)
	return []byte(headers + "\r\n" + body)
}

// coverMail 构造封面信
func coverMail(msgID, inReplyTo, subject, body string) []byte {
	headers := fmt.Sprintf("From: Alice Developer <alice@example.com>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: %s\r\n", testList, subject, testDate, msgID)
	if inReplyTo != "" {
		headers += fmt.Sprintf("In-Reply-To: %s\r\nReferences: %s\r\n", inReplyTo, inReplyTo)
	}
	return []byte(headers + "\r\n" + body + "\n")
}

// replyMail 构造评审回复
func replyMail(msgID, inReplyTo string, references []string, subject, body string, extra ...string) []byte {
	headers := fmt.Sprintf("From: Bob Reviewer <bob@example.com>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"Message-ID: %s\r\n"+
		"In-Reply-To: %s\r\n"+
		"References: %s\r\n", testList, subject, testDate, msgID, inReplyTo, strings.Join(references, " "))
	for _, h := range extra {
		headers += h + "\r\n"
	}
	return []byte(headers + "\r\n" + body + "\n")
}

// sendSeries 发送一个带封面信的完整系列，返回各邮件的Message-ID
func (h *harness) sendSeries(version int, title string, files ...string) []string {
	h.t.Helper()
	return h.sendSeriesAs("", version, title, files...)
}

// sendSeriesAs 同 sendSeries，tag 区分重新发送时的Message-ID
func (h *harness) sendSeriesAs(tag string, version int, title string, files ...string) []string {
	h.t.Helper()
	prefix := "PATCH"
	if version > 1 {
		prefix = fmt.Sprintf("PATCH v%d", version)
	}
	coverID := fmt.Sprintf("<cover%s-v%d-%s@example.com>", tag, version, strings.Join(files, "-"))
	ids := []string{coverID}
	h.ingest(coverMail(coverID, "", fmt.Sprintf("[%s 0/%d] %s", prefix, len(files), title), "This series does things."))
	for i, file := range files {
		id := fmt.Sprintf("<patch%s-v%d-%d-%s@example.com>", tag, version, i+1, file)
		ids = append(ids, id)
		h.ingest(patchMail(id, coverID, fmt.Sprintf("[%s %d/%d] add %s", prefix, i+1, len(files), file), file))
	}
	return ids
}
