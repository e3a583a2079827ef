package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"patchbridge/pkg/config"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/queue"

	"github.com/sirupsen/logrus"
)

// HandlerFunc 任务处理函数
type HandlerFunc func(ctx context.Context, task *queue.TaskMessage) error

// DeadLetterFunc 任务进入死信前调用，此时仍持有提交锁
type DeadLetterFunc func(ctx context.Context, task *queue.TaskMessage, err error)

const (
	lockRetryDelay   = 2 * time.Second
	promoteInterval  = time.Second
	recoveryInterval = 2 * time.Minute
	bookkeepTimeout  = 10 * time.Second
)

// Dispatcher 固定大小的worker池，消费Redis队列中的桥接任务
type Dispatcher struct {
	queue        *queue.RedisQueue
	policy       *RetryPolicy
	handlers     map[string]HandlerFunc
	onDeadLetter DeadLetterFunc
	cfg          config.DispatcherConfig
	log          *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	active  int
}

// NewDispatcher 创建调度器
func NewDispatcher(q *queue.RedisQueue, cfg config.DispatcherConfig, policy *RetryPolicy) *Dispatcher {
	if policy == nil {
		policy = NewRetryPolicy(cfg)
	}
	return &Dispatcher{
		queue:    q,
		policy:   policy,
		handlers: make(map[string]HandlerFunc),
		cfg:      cfg,
		log:      logger.GetLogger(),
	}
}

// Register 注册任务类型的处理函数
func (d *Dispatcher) Register(taskType string, handler HandlerFunc) {
	d.handlers[taskType] = handler
}

// OnDeadLetter 设置死信回调
func (d *Dispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.onDeadLetter = fn
}

// Start 启动消费者、延迟任务搬运和孤儿任务恢复
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("调度器已经在运行")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	// 超过预算仍在处理中的任务视为worker已崩溃
	if n, err := d.queue.RecoverOrphanedTasks(d.ctx, d.orphanThreshold()); err != nil {
		d.log.WithError(err).Warn("恢复孤儿任务失败")
	} else if n > 0 {
		d.log.WithField("count", n).Info("已恢复孤儿任务")
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.consume(i)
	}
	d.wg.Add(2)
	go d.promoteLoop()
	go d.recoveryLoop()

	d.log.WithField("workers", d.cfg.Workers).Info("任务调度器启动成功")
	return nil
}

// Stop 停止调度器，等待进行中的任务结束或ctx超时
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("任务调度器已停止")
		return nil
	case <-ctx.Done():
		d.log.Warn("停止超时，进行中的任务将由恢复服务重新投递")
		return ctx.Err()
	}
}

// Active 正在执行的任务数
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dispatcher) orphanThreshold() time.Duration {
	return d.cfg.TaskBudget + time.Minute
}

func (d *Dispatcher) consume(id int) {
	defer d.wg.Done()
	log := d.log.WithField("consumer_id", id)
	log.Debug("任务消费者启动")

	for {
		select {
		case <-d.ctx.Done():
			log.Debug("任务消费者收到退出信号")
			return
		default:
			if _, err := d.ProcessNext(d.ctx); err != nil && d.ctx.Err() == nil {
				log.WithError(err).Error("处理任务失败")
				time.Sleep(time.Second) // 避免错误循环
			}
		}
	}
}

func (d *Dispatcher) promoteLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.queue.PromoteDue(d.ctx, now); err != nil && d.ctx.Err() == nil {
				d.log.WithError(err).Warn("搬运延迟任务失败")
			}
		}
	}
}

func (d *Dispatcher) recoveryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.queue.RecoverOrphanedTasks(d.ctx, d.orphanThreshold()); err != nil {
				d.log.WithError(err).Warn("恢复孤儿任务失败")
			} else if n > 0 {
				d.log.WithField("count", n).Warn("已恢复孤儿任务")
			}
		}
	}
}

// ProcessNext 取出并处理一个任务。队列为空时返回false
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	task, err := d.queue.Dequeue(ctx, d.cfg.PollTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	d.process(ctx, task)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, task *queue.TaskMessage) {
	log := d.log.WithFields(logrus.Fields{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"lock_key":  task.LockKey,
		"attempt":   task.Attempt + 1,
	})

	// 记账操作不受任务预算和停机影响
	bookCtx, cancelBook := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancelBook()

	handler, ok := d.handlers[task.TaskType]
	if !ok {
		err := fmt.Errorf("不支持的任务类型: %s", task.TaskType)
		log.WithError(err).Error("任务移入死信队列")
		if dlErr := d.queue.DeadLetter(bookCtx, task, err); dlErr != nil {
			log.WithError(dlErr).Error("移入死信队列失败")
		}
		return
	}

	if task.LockKey != "" {
		token, acquired, err := d.queue.AcquireLock(bookCtx, task.LockKey, d.cfg.LockTTL)
		if err != nil || !acquired {
			if err != nil {
				log.WithError(err).Warn("获取提交锁失败，推迟任务")
			} else {
				log.Debug("提交锁被占用，推迟任务")
			}
			if deferErr := d.queue.Defer(bookCtx, task, lockRetryDelay); deferErr != nil {
				log.WithError(deferErr).Error("推迟任务失败")
			}
			return
		}
		defer func() {
			if err := d.queue.ReleaseLock(context.Background(), task.LockKey, token); err != nil {
				log.WithError(err).Warn("释放提交锁失败")
			}
		}()
	}

	start := time.Now()
	err := d.run(ctx, handler, task)
	decision, delay, err := d.policy.Decide(err, task.Attempt+1)
	log = log.WithFields(logrus.Fields{"decision": decision.String(), "duration": time.Since(start).String()})

	switch decision {
	case DecisionAck:
		log.Info("任务执行成功")
		err = d.queue.Ack(bookCtx, task, queue.StatusSuccess)
	case DecisionDrop:
		log.WithError(err).Info("丢弃过期或重复的任务")
		err = d.queue.Ack(bookCtx, task, queue.StatusDropped)
	case DecisionRetry:
		log.WithError(err).WithField("delay", delay.String()).Warn("任务失败，稍后重试")
		err = d.queue.Retry(bookCtx, task, delay, err)
	case DecisionDeadLetter:
		log.WithError(err).Error("任务失败，移入死信队列")
		if d.onDeadLetter != nil {
			d.onDeadLetter(bookCtx, task, err)
		}
		err = d.queue.DeadLetter(bookCtx, task, err)
	}
	if err != nil {
		log.WithError(err).Error("更新任务状态失败")
	}
}

// run 在墙钟预算内执行处理函数，panic转为普通错误
func (d *Dispatcher) run(ctx context.Context, handler HandlerFunc, task *queue.TaskMessage) (err error) {
	budget := d.cfg.TaskBudget
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("task_id", task.TaskID).Errorf("任务处理panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("任务处理panic: %v", r)
		}
	}()

	return handler(taskCtx, task)
}
