package models

import "time"

// ProcessedEvent 已处理的webhook事件，与状态变更在同一事务中写入
type ProcessedEvent struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	EventID      string    `gorm:"size:200;not null;uniqueIndex" json:"event_id"`
	SubmissionID uint      `gorm:"index" json:"submission_id"`
	Kind         string    `gorm:"size:50;not null" json:"kind"`
	Sequence     int64     `gorm:"not null" json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 指定表名
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
