package models

import "time"

// 消息类型
const (
	MessageCover          = "cover"
	MessagePatch          = "patch"
	MessageComment        = "comment"
	MessageNotice         = "notice"
	MessageInbound        = "inbound"         // 收到的补丁邮件
	MessageInboundComment = "inbound_comment" // 已转发到forge的邮件回复
)

// BridgedMessage 桥接过的邮件，发送前写入，用于线程关联和去重
type BridgedMessage struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	SubmissionID uint   `gorm:"not null;index" json:"submission_id"`
	Version      int    `gorm:"not null" json:"version"`
	Kind         string `gorm:"size:20;not null" json:"kind"`
	MessageID    string `gorm:"size:300;not null;uniqueIndex" json:"message_id"`
	InReplyTo    string `gorm:"size:300" json:"in_reply_to,omitempty"`
	CommitSHA    string `gorm:"size:40;index" json:"commit_sha,omitempty"`
	NoteID       int64  `gorm:"index" json:"note_id,omitempty"`
	Subject      string `gorm:"size:500" json:"subject"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (BridgedMessage) TableName() string {
	return "bridged_messages"
}
