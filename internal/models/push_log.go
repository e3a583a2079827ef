package models

import (
	"time"
)

// PushLog 推送日志
type PushLog struct {
	ID           uint `gorm:"primarykey" json:"id"`
	BranchID     uint `gorm:"not null;index" json:"branch_id"`
	SubmissionID uint `gorm:"not null;index" json:"submission_id"`

	// 任务信息
	TaskID string `gorm:"size:36;index" json:"task_id,omitempty"`
	Ref    string `gorm:"size:200;not null" json:"ref"`

	// 时间信息
	StartedAt  time.Time `gorm:"not null" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   int64     `json:"duration"` // 毫秒

	// 推送结果
	Status       string `gorm:"size:20;not null" json:"status"` // success/failed
	FromCommit   string `gorm:"size:40" json:"from_commit,omitempty"`
	ToCommit     string `gorm:"size:40" json:"to_commit,omitempty"`
	CommitCount  int    `json:"commit_count"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (PushLog) TableName() string {
	return "push_logs"
}
