package models

import (
	"time"

	"gorm.io/datatypes"
)

// 审计类型
const (
	AuditTransition = "transition"
	AuditSkip       = "skip"
	AuditFailure    = "failure"
	AuditDeadLetter = "dead_letter"
	AuditNotice     = "notice"
)

// BridgeAudit 状态变更和终止错误的审计记录
type BridgeAudit struct {
	ID           uint           `gorm:"primarykey" json:"id"`
	SubmissionID uint           `gorm:"index" json:"submission_id"`
	TaskID       string         `gorm:"size:36;index" json:"task_id,omitempty"`
	Kind         string         `gorm:"size:20;not null" json:"kind"`
	FromState    string         `gorm:"size:30" json:"from_state,omitempty"`
	ToState      string         `gorm:"size:30" json:"to_state,omitempty"`
	Message      string         `gorm:"type:text" json:"message"`
	Detail       datatypes.JSON `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName 指定表名
func (BridgeAudit) TableName() string {
	return "bridge_audits"
}
