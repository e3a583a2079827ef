package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 任务类型
const (
	TaskInboundEmailApply  = "inbound_email_apply"
	TaskOutboundWebhook    = "outbound_webhook_process"
	TaskInboundComment     = "inbound_comment"
	TaskPipelineTimeout    = "pipeline_timeout"
	ChannelSubmissionState = "submission_state"
)

// 任务状态
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusRetrying   = "retrying"
	StatusSuccess    = "success"
	StatusDead       = "dead"
	StatusDropped    = "dropped"
)

// ErrTaskNotFound 死信队列中找不到任务
var ErrTaskNotFound = errors.New("任务不存在")

// RedisQueue Redis队列实现
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// TaskMessage 队列中的任务消息
type TaskMessage struct {
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	LockKey   string          `json:"lock_key"` // 同一提交的任务串行执行
	Attempt   int             `json:"attempt"`  // 已失败的次数
	Payload   json.RawMessage `json:"payload"`
	Created   int64           `json:"created"`
	Source    string          `json:"source"` // 任务来源
	LastError string          `json:"last_error,omitempty"`

	raw string // 出队时的原始内容，用于从处理中队列移除
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// unlockScript 只释放自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisQueueWithClient(client, config.Prefix)
}

// NewRedisQueueWithClient 使用已有客户端创建队列
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "patchbridge:queue"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// NewTask 构造任务消息
func NewTask(taskType, lockKey, source string, payload interface{}) (*TaskMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化任务参数失败: %v", err)
	}
	return &TaskMessage{
		TaskID:   uuid.New().String(),
		TaskType: taskType,
		LockKey:  lockKey,
		Payload:  data,
		Created:  time.Now().Unix(),
		Source:   source,
	}, nil
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue 将任务加入就绪队列
func (q *RedisQueue) Enqueue(ctx context.Context, message *TaskMessage) error {
	if message.TaskID == "" {
		message.TaskID = uuid.New().String()
	}
	if message.Created == 0 {
		message.Created = time.Now().Unix()
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %v", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.getReadyKey(), data)
	pipe.HSet(ctx, q.getTaskKey(message.TaskID), map[string]interface{}{
		"task_id":   message.TaskID,
		"task_type": message.TaskType,
		"lock_key":  message.LockKey,
		"status":    StatusQueued,
		"queued_at": time.Now().Unix(),
	})
	// 状态记录保留24小时
	pipe.Expire(ctx, q.getTaskKey(message.TaskID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("任务入队失败: %v", err)
	}
	return nil
}

// Dequeue 从就绪队列获取任务（阻塞式），使用BLMOVE确保Worker崩溃时任务不丢失。
// 超时无任务时返回nil, nil
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*TaskMessage, error) {
	result, err := q.client.BLMove(ctx, q.getReadyKey(), q.getProcessingQueueKey(), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("获取任务失败: %v", err)
	}

	var message TaskMessage
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		// 无法解析的消息直接移入死信，避免反复出队
		q.client.LRem(ctx, q.getProcessingQueueKey(), 1, result)
		q.client.LPush(ctx, q.getDeadKey(), result)
		return nil, fmt.Errorf("解析任务消息失败: %v", err)
	}
	message.raw = result

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.getTaskKey(message.TaskID), map[string]interface{}{
		"status":      StatusProcessing,
		"attempt":     message.Attempt,
		"dequeued_at": time.Now().Unix(),
	})
	pipe.HDel(ctx, q.getTaskKey(message.TaskID), "orphan_seen_at")
	if _, err := pipe.Exec(ctx); err != nil {
		// 任务仍在处理中队列，由孤儿恢复重新投递
		return nil, fmt.Errorf("标记任务处理中失败: %v", err)
	}

	return &message, nil
}

// Ack 任务处理完成，从处理中队列移除
func (q *RedisQueue) Ack(ctx context.Context, message *TaskMessage, status string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.getProcessingQueueKey(), 1, message.raw)
	pipe.HSet(ctx, q.getTaskKey(message.TaskID), map[string]interface{}{
		"status":      status,
		"finished_at": time.Now().Unix(),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Retry 记录一次失败并在delay之后重新投递
func (q *RedisQueue) Retry(ctx context.Context, message *TaskMessage, delay time.Duration, cause error) error {
	next := *message
	next.Attempt++
	if cause != nil {
		next.LastError = cause.Error()
	}
	return q.schedule(ctx, message, &next, delay, StatusRetrying)
}

// Defer 不计入失败次数地推迟任务（例如锁被占用）
func (q *RedisQueue) Defer(ctx context.Context, message *TaskMessage, delay time.Duration) error {
	next := *message
	return q.schedule(ctx, message, &next, delay, StatusQueued)
}

func (q *RedisQueue) schedule(ctx context.Context, current, next *TaskMessage, delay time.Duration, status string) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %v", err)
	}
	due := time.Now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.getDelayedKey(), &redis.Z{Score: float64(due.UnixMilli()), Member: data})
	pipe.LRem(ctx, q.getProcessingQueueKey(), 1, current.raw)
	pipe.HSet(ctx, q.getTaskKey(next.TaskID), map[string]interface{}{
		"status":     status,
		"attempt":    next.Attempt,
		"error":      next.LastError,
		"retry_at":   due.Unix(),
		"updated_at": time.Now().Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("任务延迟入队失败: %v", err)
	}
	return nil
}

// PromoteDue 将到期的延迟任务移回就绪队列，返回移动的数量
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.getDelayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("获取到期任务失败: %v", err)
	}

	promoted := 0
	for _, member := range members {
		// ZREM成功的实例负责投递，多实例并发时不会重复
		removed, err := q.client.ZRem(ctx, q.getDelayedKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.getReadyKey(), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// DeadLetter 将任务移入死信队列
func (q *RedisQueue) DeadLetter(ctx context.Context, message *TaskMessage, cause error) error {
	dead := *message
	if cause != nil {
		dead.LastError = cause.Error()
	}
	data, err := json.Marshal(&dead)
	if err != nil {
		return fmt.Errorf("序列化任务消息失败: %v", err)
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.getDeadKey(), data)
	pipe.LRem(ctx, q.getProcessingQueueKey(), 1, message.raw)
	pipe.HSet(ctx, q.getTaskKey(message.TaskID), map[string]interface{}{
		"status":      StatusDead,
		"error":       dead.LastError,
		"finished_at": time.Now().Unix(),
	})
	// 死信任务需要人工处理，状态记录不过期
	pipe.Persist(ctx, q.getTaskKey(message.TaskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("任务移入死信队列失败: %v", err)
	}
	return nil
}

// ListDead 列出死信任务
func (q *RedisQueue) ListDead(ctx context.Context, limit int64) ([]TaskMessage, error) {
	items, err := q.client.LRange(ctx, q.getDeadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("获取死信任务失败: %v", err)
	}

	tasks := make([]TaskMessage, 0, len(items))
	for _, item := range items {
		var message TaskMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			continue
		}
		tasks = append(tasks, message)
	}
	return tasks, nil
}

// RetryDead 将死信任务重置尝试次数后重新入队
func (q *RedisQueue) RetryDead(ctx context.Context, taskID string) error {
	items, err := q.client.LRange(ctx, q.getDeadKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("获取死信任务失败: %v", err)
	}

	for _, item := range items {
		var message TaskMessage
		if err := json.Unmarshal([]byte(item), &message); err != nil || message.TaskID != taskID {
			continue
		}
		removed, err := q.client.LRem(ctx, q.getDeadKey(), 1, item).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			return ErrTaskNotFound
		}
		message.Attempt = 0
		message.LastError = ""
		return q.Enqueue(ctx, &message)
	}
	return ErrTaskNotFound
}

// GetTaskStatus 获取任务状态
func (q *RedisQueue) GetTaskStatus(ctx context.Context, taskID string) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, q.getTaskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取任务状态失败: %v", err)
	}
	if len(result) == 0 {
		return nil, ErrTaskNotFound
	}
	return result, nil
}

// GetQueueStats 获取队列统计信息
func (q *RedisQueue) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.getReadyKey())
	processing := pipe.LLen(ctx, q.getProcessingQueueKey())
	delayed := pipe.ZCard(ctx, q.getDelayedKey())
	dead := pipe.LLen(ctx, q.getDeadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("获取队列长度失败: %v", err)
	}

	return map[string]int64{
		"ready":      ready.Val(),
		"processing": processing.Val(),
		"delayed":    delayed.Val(),
		"dead":       dead.Val(),
	}, nil
}

// RecoverOrphanedTasks 恢复孤儿任务：处理时间超过olderThan的任务认为Worker已崩溃，重新入队
func (q *RedisQueue) RecoverOrphanedTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	processingQueue := q.getProcessingQueueKey()

	tasks, err := q.client.LRange(ctx, processingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("获取处理中任务失败: %v", err)
	}

	recovered := 0
	currentTime := time.Now().Unix()
	threshold := int64(olderThan.Seconds())
	for _, taskStr := range tasks {
		var message TaskMessage
		if err := json.Unmarshal([]byte(taskStr), &message); err != nil {
			continue
		}

		taskKey := q.getTaskKey(message.TaskID)
		status, err := q.client.HGet(ctx, taskKey, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}

		var since int64
		switch status {
		case StatusSuccess, StatusDead, StatusDropped:
			// 已结束的任务只需清理
			q.client.LRem(ctx, processingQueue, 1, taskStr)
			continue
		case StatusProcessing:
			if since, err = q.client.HGet(ctx, taskKey, "dequeued_at").Int64(); err != nil {
				continue
			}
		default:
			// 出队后还没标记为处理中：可能正在标记，也可能Worker在两步之间崩溃。
			// 第一次发现时记下时间，超过olderThan仍未标记再回收
			seen, err := q.client.HGet(ctx, taskKey, "orphan_seen_at").Int64()
			if errors.Is(err, redis.Nil) {
				q.client.HSetNX(ctx, taskKey, "orphan_seen_at", currentTime)
				continue
			}
			if err != nil {
				continue
			}
			since = seen
		}
		if currentTime-since <= threshold {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingQueue, 1, taskStr)
		pipe.LPush(ctx, q.getReadyKey(), taskStr)
		pipe.HSet(ctx, taskKey, map[string]interface{}{
			"status":       StatusQueued,
			"recovered_at": time.Now().Unix(),
			"error":        "任务超时，Worker可能已崩溃，重新入队",
		})
		pipe.HDel(ctx, taskKey, "orphan_seen_at")
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}

	return recovered, nil
}

// AcquireLock 获取带过期时间的互斥锁，返回持有令牌
func (q *RedisQueue) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := q.client.SetNX(ctx, q.getLockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("获取锁失败: %v", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock 释放锁，令牌不匹配（锁已过期被他人获取）时不做任何事
func (q *RedisQueue) ReleaseLock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, q.client, []string{q.getLockKey(key)}, token).Err()
}

// 辅助方法

func (q *RedisQueue) getReadyKey() string {
	return fmt.Sprintf("%s:ready", q.prefix)
}

func (q *RedisQueue) getProcessingQueueKey() string {
	return fmt.Sprintf("%s:processing", q.prefix)
}

func (q *RedisQueue) getDelayedKey() string {
	return fmt.Sprintf("%s:delayed", q.prefix)
}

func (q *RedisQueue) getDeadKey() string {
	return fmt.Sprintf("%s:dead", q.prefix)
}

// getTaskKey 获取任务键名
func (q *RedisQueue) getTaskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", q.prefix, taskID)
}

func (q *RedisQueue) getLockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", q.prefix, key)
}

// GetClient 获取Redis客户端（用于高级操作）
func (q *RedisQueue) GetClient() *redis.Client {
	return q.client
}

// PublishMessage 发布消息到指定频道
func (q *RedisQueue) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %v", err)
	}

	channelKey := fmt.Sprintf("%s:channel:%s", q.prefix, channel)
	if err := q.client.Publish(ctx, channelKey, data).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %v", err)
	}
	return nil
}

// SubscribeChannel 订阅指定频道
func (q *RedisQueue) SubscribeChannel(ctx context.Context, channel string) *redis.PubSub {
	channelKey := fmt.Sprintf("%s:channel:%s", q.prefix, channel)
	return q.client.Subscribe(ctx, channelKey)
}
