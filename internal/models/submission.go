package models

import (
	"time"

	"gorm.io/datatypes"
)

// 提交状态
const (
	StatePending          = "pending"
	StateApplied          = "applied"
	StateAwaitingPipeline = "awaiting_pipeline"
	StateBridged          = "bridged"
	StateClosed           = "closed"
	StateFailed           = "failed"
)

// 发起方向
const (
	OriginEmail = "email"
	OriginForge = "forge"
)

// BridgedSubmission 邮件系列与合并请求之间的映射，只做软终止，从不物理删除
type BridgedSubmission struct {
	BaseModel
	BranchID uint `gorm:"not null;uniqueIndex:idx_submission_mr;uniqueIndex:idx_submission_open_series,where:state <> 'closed' AND state <> 'failed'" json:"branch_id"`

	// forge侧标识
	MergeRequestIID *int64 `gorm:"column:merge_request_iid;uniqueIndex:idx_submission_mr" json:"merge_request_iid,omitempty"`
	SourceBranch    string `gorm:"size:200" json:"source_branch"`

	// 邮件侧标识
	SeriesKey       string `gorm:"size:300;not null;uniqueIndex:idx_submission_open_series" json:"series_key"`
	ThreadRootMsgID string `gorm:"size:300;index" json:"thread_root_msg_id"`

	Origin          string `gorm:"size:10;not null" json:"origin"`
	State           string `gorm:"size:30;not null;index" json:"state"`
	Version         int    `gorm:"not null;default:0" json:"version"`
	CommitRangeHash string `gorm:"size:64" json:"commit_range_hash"`
	HeadSHA         string `gorm:"size:40" json:"head_sha"`
	BaseSHA         string `gorm:"size:40" json:"base_sha"`
	LastSequence    int64  `gorm:"not null;default:0" json:"last_sequence"`

	Title     string         `gorm:"size:500" json:"title"`
	Submitter string         `gorm:"size:300" json:"submitter"`
	Labels    datatypes.JSON `json:"labels,omitempty"`

	SkipReason         string     `gorm:"size:200" json:"skip_reason,omitempty"`
	FailureKind        string     `gorm:"size:50" json:"failure_kind,omitempty"`
	FailureMessage     string     `gorm:"type:text" json:"failure_message,omitempty"`
	LastPipelineStatus string     `gorm:"size:30" json:"last_pipeline_status,omitempty"`
	AwaitingSince      *time.Time `json:"awaiting_since,omitempty"`

	Branch Branch `gorm:"foreignKey:BranchID" json:"branch,omitempty"`
}

// TableName 指定表名
func (BridgedSubmission) TableName() string {
	return "bridged_submissions"
}

// IsTerminal 是否处于终止状态
func (s *BridgedSubmission) IsTerminal() bool {
	return s.State == StateClosed || s.State == StateFailed
}

// HasMergeRequest 是否已关联合并请求
func (s *BridgedSubmission) HasMergeRequest() bool {
	return s.MergeRequestIID != nil && *s.MergeRequestIID > 0
}
