package services

import (
	"context"
	"errors"
	"time"

	"patchbridge/internal/models"
	"patchbridge/pkg/queue"

	"gorm.io/gorm"
)

// ErrDeadTaskNotFound 死信任务不存在
var ErrDeadTaskNotFound = errors.New("死信任务不存在")

// QueueService 队列服务
type QueueService struct {
	db    *gorm.DB
	queue *queue.RedisQueue
}

// NewQueueService 创建队列服务
func NewQueueService(db *gorm.DB, q *queue.RedisQueue) *QueueService {
	return &QueueService{
		db:    db,
		queue: q,
	}
}

// QueueStatus 队列状态
type QueueStatus struct {
	Ready              int64            `json:"ready"`      // 待执行
	Processing         int64            `json:"processing"` // 执行中
	Delayed            int64            `json:"delayed"`    // 等待重试
	Dead               int64            `json:"dead"`       // 死信
	SubmissionsByState map[string]int64 `json:"submissions_by_state"`
	BufferedSeries     int64            `json:"buffered_series"` // 尚未收齐的系列
}

// DeadTaskInfo 死信任务信息
type DeadTaskInfo struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	LockKey   string    `json:"lock_key"`
	Source    string    `json:"source"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GetQueueStatus 获取队列状态
func (s *QueueService) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	stats, err := s.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	status := &QueueStatus{
		Ready:              stats["ready"],
		Processing:         stats["processing"],
		Delayed:            stats["delayed"],
		Dead:               stats["dead"],
		SubmissionsByState: make(map[string]int64),
	}

	// 按状态统计
	var stateCounts []struct {
		State string
		Count int64
	}
	if err := s.db.Model(&models.BridgedSubmission{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Find(&stateCounts).Error; err != nil {
		return nil, err
	}
	for _, sc := range stateCounts {
		status.SubmissionsByState[sc.State] = sc.Count
	}

	if err := s.db.Model(&models.SeriesPart{}).
		Distinct("buffer_key").
		Count(&status.BufferedSeries).Error; err != nil {
		return nil, err
	}
	return status, nil
}

// ListDead 列出死信任务
func (s *QueueService) ListDead(ctx context.Context, limit int) ([]DeadTaskInfo, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tasks, err := s.queue.ListDead(ctx, int64(limit))
	if err != nil {
		return nil, err
	}

	result := make([]DeadTaskInfo, 0, len(tasks))
	for _, task := range tasks {
		result = append(result, DeadTaskInfo{
			TaskID:    task.TaskID,
			TaskType:  task.TaskType,
			LockKey:   task.LockKey,
			Source:    task.Source,
			Attempt:   task.Attempt,
			LastError: task.LastError,
			CreatedAt: time.Unix(task.Created, 0),
		})
	}
	return result, nil
}

// RetryDead 重新投递死信任务
func (s *QueueService) RetryDead(ctx context.Context, taskID string) error {
	if err := s.queue.RetryDead(ctx, taskID); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return ErrDeadTaskNotFound
		}
		return err
	}
	return nil
}

// TaskStatus 获取任务状态
func (s *QueueService) TaskStatus(ctx context.Context, taskID string) (map[string]string, error) {
	status, err := s.queue.GetTaskStatus(ctx, taskID)
	if errors.Is(err, queue.ErrTaskNotFound) {
		return nil, ErrDeadTaskNotFound
	}
	return status, err
}
