package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewRedisQueueWithClient(client, "test")

	cfg := config.DispatcherConfig{
		Workers:     2,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		TaskBudget:  time.Second,
		LockTTL:     time.Minute,
		PollTimeout: 10 * time.Millisecond,
	}
	return NewDispatcher(q, cfg, nil), q
}

func enqueue(t *testing.T, q *queue.RedisQueue, taskType, lockKey string) *queue.TaskMessage {
	t.Helper()
	task, err := queue.NewTask(taskType, lockKey, "test", map[string]string{})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func status(t *testing.T, q *queue.RedisQueue, taskID string) map[string]string {
	t.Helper()
	st, err := q.GetTaskStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	return st
}

func TestBackoff(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, BaseBackoff: 30 * time.Second, MaxBackoff: 2 * time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 2 * time.Minute},
		{20, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute, Classify: ClassifyError}
	tests := []struct {
		name     string
		err      error
		attempts int
		want     Decision
		kind     bridgeerr.Kind
	}{
		{"success", nil, 1, DecisionAck, bridgeerr.KindUnknown},
		{"transient", bridgeerr.Newf(bridgeerr.KindTransientInfra, "op", "timeout"), 1, DecisionRetry, bridgeerr.KindTransientInfra},
		{"budget exceeded", context.DeadlineExceeded, 1, DecisionRetry, bridgeerr.KindUnknown},
		{"exhausted", bridgeerr.Newf(bridgeerr.KindTransientInfra, "op", "timeout"), 3, DecisionDeadLetter, bridgeerr.KindBridgeFailed},
		{"auth", bridgeerr.Newf(bridgeerr.KindAuthenticationFailed, "op", "bad token"), 1, DecisionDeadLetter, bridgeerr.KindAuthenticationFailed},
		{"apply", bridgeerr.Newf(bridgeerr.KindPatchApplyFailed, "op", "conflict"), 1, DecisionDeadLetter, bridgeerr.KindPatchApplyFailed},
		{"stale", bridgeerr.Newf(bridgeerr.KindStale, "op", "old"), 1, DecisionDrop, bridgeerr.KindStale},
		{"conflict first attempt", bridgeerr.Newf(bridgeerr.KindConcurrentUpdateConflict, "op", "ref moved"), 1, DecisionRetry, bridgeerr.KindConcurrentUpdateConflict},
		{"conflict after refresh", bridgeerr.Newf(bridgeerr.KindConcurrentUpdateConflict, "op", "ref moved"), 2, DecisionDeadLetter, bridgeerr.KindConcurrentUpdateConflict},
		{"unclassified", errors.New("boom"), 1, DecisionRetry, bridgeerr.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, _, err := p.Decide(tt.err, tt.attempts)
			if decision != tt.want {
				t.Fatalf("decision = %s, want %s", decision, tt.want)
			}
			if tt.err != nil && decision != DecisionRetry && bridgeerr.KindOf(err) != tt.kind {
				t.Errorf("kind = %s, want %s", bridgeerr.KindOf(err), tt.kind)
			}
		})
	}
}

func TestProcessSuccess(t *testing.T) {
	d, q := newTestDispatcher(t)
	var calls int32
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	task := enqueue(t, q, queue.TaskOutboundWebhook, "mr:1:1")

	if ok, err := d.ProcessNext(context.Background()); !ok || err != nil {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}
	if calls != 1 || status(t, q, task.TaskID)["status"] != queue.StatusSuccess {
		t.Fatalf("calls = %d, status = %v", calls, status(t, q, task.TaskID))
	}

	// 锁已释放
	if _, ok, _ := q.AcquireLock(context.Background(), "mr:1:1", time.Second); !ok {
		t.Error("lock still held after task")
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	d, q := newTestDispatcher(t)
	var dead error
	d.OnDeadLetter(func(ctx context.Context, task *queue.TaskMessage, err error) {
		dead = err
	})
	d.Register(queue.TaskInboundEmailApply, func(ctx context.Context, task *queue.TaskMessage) error {
		return bridgeerr.Newf(bridgeerr.KindTransientInfra, "test", "network down")
	})
	task := enqueue(t, q, queue.TaskInboundEmailApply, "series:1:k")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := d.ProcessNext(ctx)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ProcessNext = %v, %v", i+1, ok, err)
		}
		if i < 2 {
			if st := status(t, q, task.TaskID)["status"]; st != queue.StatusRetrying {
				t.Fatalf("attempt %d: status = %s", i+1, st)
			}
			time.Sleep(15 * time.Millisecond)
			if n, err := q.PromoteDue(ctx, time.Now()); err != nil || n != 1 {
				t.Fatalf("PromoteDue = %d, %v", n, err)
			}
		}
	}

	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusDead {
		t.Fatalf("status = %s", st)
	}
	if !bridgeerr.Is(dead, bridgeerr.KindBridgeFailed) {
		t.Errorf("dead letter error = %v", dead)
	}
}

func TestConflictRetriedOnce(t *testing.T) {
	d, q := newTestDispatcher(t)
	var dead error
	d.OnDeadLetter(func(ctx context.Context, task *queue.TaskMessage, err error) {
		dead = err
	})
	var calls int32
	d.Register(queue.TaskInboundEmailApply, func(ctx context.Context, task *queue.TaskMessage) error {
		atomic.AddInt32(&calls, 1)
		return bridgeerr.Newf(bridgeerr.KindConcurrentUpdateConflict, "test", "ref moved")
	})
	task := enqueue(t, q, queue.TaskInboundEmailApply, "series:1:c")
	ctx := context.Background()

	if ok, err := d.ProcessNext(ctx); !ok || err != nil {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}
	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusRetrying {
		t.Fatalf("status after first conflict = %s", st)
	}
	time.Sleep(15 * time.Millisecond)
	if n, err := q.PromoteDue(ctx, time.Now()); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v", n, err)
	}

	if ok, err := d.ProcessNext(ctx); !ok || err != nil {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}
	if calls != 2 || status(t, q, task.TaskID)["status"] != queue.StatusDead {
		t.Fatalf("calls = %d, status = %v", calls, status(t, q, task.TaskID))
	}
	if !bridgeerr.Is(dead, bridgeerr.KindConcurrentUpdateConflict) {
		t.Errorf("dead letter error = %v", dead)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	d, q := newTestDispatcher(t)
	var calls int32
	d.Register(queue.TaskInboundEmailApply, func(ctx context.Context, task *queue.TaskMessage) error {
		atomic.AddInt32(&calls, 1)
		return bridgeerr.Newf(bridgeerr.KindPatchApplyFailed, "test", "conflict")
	})
	task := enqueue(t, q, queue.TaskInboundEmailApply, "")

	d.ProcessNext(context.Background())
	if ok, _ := d.ProcessNext(context.Background()); ok {
		t.Fatal("permanent failure was requeued")
	}
	if calls != 1 || status(t, q, task.TaskID)["status"] != queue.StatusDead {
		t.Errorf("calls = %d, status = %v", calls, status(t, q, task.TaskID))
	}
}

func TestStaleDropped(t *testing.T) {
	d, q := newTestDispatcher(t)
	d.OnDeadLetter(func(ctx context.Context, task *queue.TaskMessage, err error) {
		t.Error("stale task dead-lettered")
	})
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		return bridgeerr.Newf(bridgeerr.KindStale, "test", "old event")
	})
	task := enqueue(t, q, queue.TaskOutboundWebhook, "mr:1:2")

	d.ProcessNext(context.Background())
	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusDropped {
		t.Errorf("status = %s", st)
	}
}

func TestLockContentionDefers(t *testing.T) {
	d, q := newTestDispatcher(t)
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		t.Error("handler ran while the submission lock was held")
		return nil
	})
	ctx := context.Background()
	if _, ok, _ := q.AcquireLock(ctx, "mr:1:3", time.Minute); !ok {
		t.Fatal("could not take lock")
	}
	task := enqueue(t, q, queue.TaskOutboundWebhook, "mr:1:3")

	d.ProcessNext(ctx)
	st := status(t, q, task.TaskID)
	if st["status"] != queue.StatusQueued || st["attempt"] != "0" {
		t.Errorf("status = %v", st)
	}
}

func TestUnknownTaskType(t *testing.T) {
	d, q := newTestDispatcher(t)
	task := enqueue(t, q, "bogus", "")
	d.ProcessNext(context.Background())
	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusDead {
		t.Errorf("status = %s", st)
	}
}

func TestBudgetExceededIsRetried(t *testing.T) {
	d, q := newTestDispatcher(t)
	d.cfg.TaskBudget = 20 * time.Millisecond
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task := enqueue(t, q, queue.TaskOutboundWebhook, "")

	d.ProcessNext(context.Background())
	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusRetrying {
		t.Errorf("status = %s", st)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	d, q := newTestDispatcher(t)
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		panic("boom")
	})
	task := enqueue(t, q, queue.TaskOutboundWebhook, "")

	d.ProcessNext(context.Background())
	if st := status(t, q, task.TaskID)["status"]; st != queue.StatusRetrying {
		t.Errorf("status = %s", st)
	}
}

func TestSameSubmissionSerialized(t *testing.T) {
	d, q := newTestDispatcher(t)
	var (
		mu      sync.Mutex
		running int
		maxSeen int
		done    int32
	)
	d.Register(queue.TaskOutboundWebhook, func(ctx context.Context, task *queue.TaskMessage) error {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		atomic.AddInt32(&done, 1)
		return nil
	})
	for i := 0; i < 4; i++ {
		enqueue(t, q, queue.TaskOutboundWebhook, "mr:1:9")
	}

	d.cfg.Workers = 4
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(20 * time.Second)
	for atomic.LoadInt32(&done) < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(stopCtx)

	if done != 4 {
		t.Fatalf("completed %d tasks", done)
	}
	if maxSeen != 1 {
		t.Errorf("max concurrent tasks for one submission = %d", maxSeen)
	}
}
