package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"patchbridge/internal/database"
	"patchbridge/internal/models"
	"patchbridge/internal/services"
	"patchbridge/pkg/config"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/jwt"
	"patchbridge/pkg/mailer"
	"patchbridge/pkg/queue"
	"patchbridge/pkg/webhook"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSecret  = "hook-secret"
	testToken   = "inbound-token"
	testListID  = "dev.lists.example.com"
	testList    = "dev@lists.example.com"
	operatorPwd = "operator-pass"
)

type testServer struct {
	t      *testing.T
	router *gin.Engine
	db     *gorm.DB
	queue  *queue.RedisQueue
	engine *services.BridgeEngine
	jwt    *jwt.JWTManager
	forge  *httptest.Server
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// forge API只需要项目信息
	forgeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects/42" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"id":42,"path_with_namespace":"group/proj","http_url_to_repo":"https://gitlab.example.com/group/proj.git"}`)
	}))
	t.Cleanup(forgeAPI.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewRedisQueueWithClient(client, "test")

	hash, err := services.HashPassword(operatorPwd)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := &config.Config{
		Operator: config.OperatorConfig{Username: "admin", PasswordHash: hash},
		CORS:     config.CORSConfig{AllowOrigins: []string{"*"}, AllowMethods: []string{"GET", "POST"}},
		Bridge: config.BridgeConfig{
			EmailToMR:       true,
			MRToEmail:       true,
			CommentBridging: true,
			MaxEmails:       30,
			FromTemplate:    "{forge_user} via patchbridge <bridge@example.com>",
			MessageIDDomain: "bridge.example.com",
			SeriesTimeout:   10 * time.Minute,
			BotUsername:     "patchbridge-bot",
			InboundToken:    testToken,
			WrapWidth:       72,
		},
		Forges: []config.ForgeConfig{{
			Name:           "gitlab",
			Host:           "gitlab.example.com",
			APIURL:         forgeAPI.URL + "/api/v4",
			Token:          "secret-token",
			WebhookSecret:  testSecret,
			WebhookEnabled: true,
		}},
	}

	engine := services.NewBridgeEngine(cfg, db, q, gitforge.NewRegistry(cfg.Forges), nil, mailer.NewTransport(cfg.SMTP))
	manager := jwt.NewJWTManager("test-secret", time.Hour)
	return &testServer{
		t:      t,
		router: SetupRouter(&Dependencies{Config: cfg, DB: db, Queue: q, Engine: engine, JWT: manager}),
		db:     db,
		queue:  q,
		engine: engine,
		jwt:    manager,
		forge:  forgeAPI,
	}
}

func (s *testServer) do(method, path string, body []byte, headers ...string) (*httptest.ResponseRecorder, apiResponse) {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			s.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, resp
}

func (s *testServer) bearer() string {
	s.t.Helper()
	token, err := s.jwt.GenerateToken("admin")
	if err != nil {
		s.t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + token
}

func (s *testServer) readyTasks() int64 {
	s.t.Helper()
	stats, err := s.queue.GetQueueStats(context.Background())
	if err != nil {
		s.t.Fatalf("GetQueueStats: %v", err)
	}
	return stats["ready"]
}

func (s *testServer) createBranch() *models.Branch {
	s.t.Helper()
	branch := &models.Branch{
		ForgeName: "gitlab", ForgeHost: "gitlab.example.com", ProjectID: 42, ProjectPath: "group/proj",
		Name: "main", ListID: testListID, ListAddress: testList,
		CloneURL: "https://gitlab.example.com/group/proj.git", LocalPath: models.CloneKey("gitlab.example.com", 42),
	}
	if err := s.db.Create(branch).Error; err != nil {
		s.t.Fatalf("create branch: %v", err)
	}
	return branch
}

func mergeRequestBody(action string) []byte {
	return []byte(fmt.Sprintf(`{
  "object_kind": "merge_request",
  "user": {"username": "alice"},
  "project": {"id": 42},
  "object_attributes": {
    "iid": 7, "target_branch": "main", "source_branch": "fix",
    "title": "Fix bug", "state": "opened", "action": %q,
    "updated_at": "2024-01-02 03:04:05 UTC", "merge_status": "can_be_merged",
    "last_commit": {"id": "0123456789abcdef"}
  }
}`, action))
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.engine.Submissions().ClaimEvent(s.db, "evt-done", 0, string(webhook.KindMergeRequestOpened), 1); err != nil {
		t.Fatalf("ClaimEvent: %v", err)
	}

	body := mergeRequestBody("open")
	push := []byte(`{"object_kind":"push","project":{"id":42}}`)
	// 超过10MiB上限的合法JSON
	oversized := append(append([]byte(`{"object_kind":"merge_request","padding":"`), bytes.Repeat([]byte("x"), 10<<20)...), '"', '}')
	tests := []struct {
		name    string
		path    string
		body    []byte
		headers []string
		status  int
		queued  int64
	}{
		{"bad signature", "/api/v1/webhooks/gitlab", body, []string{webhook.HeaderSignature, webhook.Sign("wrong", body)}, http.StatusUnauthorized, 0},
		{"missing signature", "/api/v1/webhooks/gitlab", body, nil, http.StatusUnauthorized, 0},
		{"unknown forge", "/api/v1/webhooks/github", body, []string{webhook.HeaderSignature, webhook.Sign(testSecret, body)}, http.StatusNotFound, 0},
		{"malformed", "/api/v1/webhooks/gitlab", []byte("not json"), []string{webhook.HeaderSignature, webhook.Sign(testSecret, []byte("not json"))}, http.StatusBadRequest, 0},
		{"irrelevant event", "/api/v1/webhooks/gitlab", push, []string{webhook.HeaderGitlabToken, testSecret}, http.StatusAccepted, 0},
		{"already processed", "/api/v1/webhooks/gitlab", body, []string{webhook.HeaderGitlabToken, testSecret, webhook.HeaderEventUUID, "evt-done"}, http.StatusAccepted, 0},
		{"oversized", "/api/v1/webhooks/gitlab", oversized, []string{webhook.HeaderSignature, webhook.Sign(testSecret, oversized)}, http.StatusRequestEntityTooLarge, 0},
		{"enqueued", "/api/v1/webhooks/gitlab", body, []string{webhook.HeaderSignature, webhook.Sign(testSecret, body), webhook.HeaderEventUUID, "evt-new"}, http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := s.do(http.MethodPost, tt.path, tt.body, tt.headers...)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, resp.Message)
			}
			if got := s.readyTasks(); got != tt.queued {
				t.Errorf("ready tasks = %d, want %d", got, tt.queued)
			}
			if tt.status == http.StatusOK && !strings.Contains(string(resp.Data), "task_id") {
				t.Errorf("data = %s", resp.Data)
			}
		})
	}
}

func TestInboundEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createBranch()

	patch := "From: Alice Developer <alice@example.com>\r\n" +
		"To: " + testList + "\r\n" +
		"Subject: [PATCH] add a\r\n" +
		"Date: Tue, 02 Jan 2024 03:04:05 +0000\r\n" +
		"Message-ID: <inbound-1@example.com>\r\n\r\n" +
		"Add a.\n\nSigned-off-by: Alice Developer <alice@example.com>\n---\n" +
		" a | 1 +\n 1 file changed, 1 insertion(+)\n\n" +
		"diff --git a/a b/a\nnew file mode 100644\n--- /dev/null\n+++ b/a\n@@ -0,0 +1 @@\n+a\n-- \n2.43.0\n"
	chatter := "From: Bob <bob@example.com>\r\nSubject: meeting notes\r\nMessage-ID: <chat@example.com>\r\n\r\nhello\n"

	jsonBody := func(listID, raw string) []byte {
		data, _ := json.Marshal(map[string]string{"list_id": listID, "raw": raw})
		return data
	}

	t.Run("missing token", func(t *testing.T) {
		w, _ := s.do(http.MethodPost, "/api/v1/inbound/messages", jsonBody(testListID, patch))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("wrong token", func(t *testing.T) {
		w, _ := s.do(http.MethodPost, "/api/v1/inbound/messages", jsonBody(testListID, patch), "X-Patchbridge-Token", "nope")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("bad request", func(t *testing.T) {
		w, _ := s.do(http.MethodPost, "/api/v1/inbound/messages", []byte(`{"list_id":""}`), "X-Patchbridge-Token", testToken)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("not a patch", func(t *testing.T) {
		w, resp := s.do(http.MethodPost, "/api/v1/inbound/messages", jsonBody(testListID, chatter), "X-Patchbridge-Token", testToken)
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d (%s)", w.Code, resp.Message)
		}
		var result services.IngestResult
		json.Unmarshal(resp.Data, &result)
		if result.Action != services.IngestIgnored || result.Reason != "not_a_patch" {
			t.Errorf("result = %+v", result)
		}
	})
	t.Run("unrouted list", func(t *testing.T) {
		w, _ := s.do(http.MethodPost, "/api/v1/inbound/messages", jsonBody("other.lists.example.com", patch), "X-Patchbridge-Token", testToken)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d", w.Code)
		}
	})
	t.Run("rfc822 patch", func(t *testing.T) {
		w, resp := s.do(http.MethodPost, "/api/v1/inbound/messages?list_id="+testListID, []byte(patch),
			"X-Patchbridge-Token", testToken, "Content-Type", "message/rfc822")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", w.Code, resp.Message)
		}
		var result services.IngestResult
		json.Unmarshal(resp.Data, &result)
		if result.Action != services.IngestEnqueued && result.Action != services.IngestBuffered {
			t.Errorf("result = %+v", result)
		}
	})
}

func TestAuthAndOperatorRoutes(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(http.MethodPost, "/api/v1/auth/login", []byte(`{"username":"admin","password":"wrong"}`))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", w.Code)
	}
	w, resp = s.do(http.MethodPost, "/api/v1/auth/login", []byte(`{"username":"admin","password":"`+operatorPwd+`"}`))
	if w.Code != http.StatusOK || resp.Code != 200 {
		t.Fatalf("login = %d %+v", w.Code, resp)
	}
	var login services.LoginResult
	if err := json.Unmarshal(resp.Data, &login); err != nil || login.Token == "" {
		t.Fatalf("login data = %s", resp.Data)
	}
	auth := "Bearer " + login.Token

	if w, _ := s.do(http.MethodGet, "/api/v1/branches", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", w.Code)
	}
	if w, _ := s.do(http.MethodGet, "/api/v1/branches", nil, "Authorization", "Token abc"); w.Code != http.StatusUnauthorized {
		t.Errorf("malformed header status = %d", w.Code)
	}

	_, resp = s.do(http.MethodGet, "/api/v1/auth/me", nil, "Authorization", auth)
	if !strings.Contains(string(resp.Data), `"admin"`) {
		t.Errorf("me = %s", resp.Data)
	}

	create := []byte(`{"forge":"gitlab","project_id":42,"name":"main","list_id":"` + testListID + `","list_address":"` + testList + `"}`)
	_, resp = s.do(http.MethodPost, "/api/v1/branches", create, "Authorization", auth)
	if resp.Code != 200 {
		t.Fatalf("create branch = %+v", resp)
	}
	var branch models.Branch
	json.Unmarshal(resp.Data, &branch)
	if branch.ID == 0 || branch.ProjectPath != "group/proj" {
		t.Errorf("branch = %+v", branch)
	}

	tests := []struct {
		name string
		path string
		code int
	}{
		{"list branches", "/api/v1/branches", 200},
		{"get branch", fmt.Sprintf("/api/v1/branches/%d", branch.ID), 200},
		{"missing branch", "/api/v1/branches/999", 404},
		{"bad branch id", "/api/v1/branches/abc", 400},
		{"list submissions", "/api/v1/submissions?state=open", 200},
		{"missing submission", "/api/v1/submissions/5", 404},
		{"queue stats", "/api/v1/queue/stats", 200},
		{"dead tasks", "/api/v1/queue/dead", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := s.do(http.MethodGet, tt.path, nil, "Authorization", auth)
			if w.Code != http.StatusOK || resp.Code != tt.code {
				t.Errorf("GET %s = %d/%d, want %d (%s)", tt.path, w.Code, resp.Code, tt.code, resp.Message)
			}
		})
	}

	_, resp = s.do(http.MethodPost, "/api/v1/branches", create, "Authorization", auth)
	if resp.Code != 400 && resp.Code != 500 {
		t.Errorf("duplicate branch = %+v", resp)
	}
	_, resp = s.do(http.MethodPost, "/api/v1/queue/dead/nope/retry", nil, "Authorization", auth)
	if resp.Code != 404 {
		t.Errorf("retry unknown = %+v", resp)
	}

	_, resp = s.do(http.MethodPost, "/api/v1/auth/refresh", nil, "Authorization", auth)
	if !strings.Contains(string(resp.Data), "token") {
		t.Errorf("refresh = %+v", resp)
	}
}

func TestQueueRetryDead(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	task, err := queue.NewTask(queue.TaskInboundEmailApply, "series:1:k", "email", map[string]string{"buffer_key": "k"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.queue.DeadLetter(ctx, task, fmt.Errorf("boom")); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	_, resp := s.do(http.MethodGet, "/api/v1/queue/dead", nil, "Authorization", s.bearer())
	if !strings.Contains(string(resp.Data), task.TaskID) {
		t.Fatalf("dead = %s", resp.Data)
	}
	_, resp = s.do(http.MethodPost, "/api/v1/queue/dead/"+task.TaskID+"/retry", nil, "Authorization", s.bearer())
	if resp.Code != 200 {
		t.Fatalf("retry = %+v", resp)
	}
	if got := s.readyTasks(); got != 1 {
		t.Errorf("ready = %d", got)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, resp := s.do(http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(string(resp.Data), `"redis":"ok"`) {
		t.Errorf("health = %d %s", w.Code, resp.Data)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	token := strings.TrimPrefix(s.bearer(), "Bearer ")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?branch_id=1&token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// 订阅在升级之后完成，持续发布直到收到
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.engine.Submissions().Publish(context.Background(),
					services.StateChange{SubmissionID: 9, BranchID: 2, From: "pending", To: "open"},
					services.StateChange{SubmissionID: 3, BranchID: 1, From: "pending", To: "awaiting_pipeline"},
				)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var change services.StateChange
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if change.BranchID != 1 || change.SubmissionID != 3 || change.To != "awaiting_pipeline" {
		t.Errorf("change = %+v", change)
	}
}
