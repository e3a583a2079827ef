package models

import "time"

// SeriesPart 缓冲中的系列邮件，收齐后组装应用
type SeriesPart struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	BufferKey  string    `gorm:"size:320;not null;uniqueIndex:idx_series_part" json:"buffer_key"`
	Position   int       `gorm:"not null;uniqueIndex:idx_series_part" json:"position"`
	BranchID   uint      `gorm:"not null;index" json:"branch_id"`
	Version    int       `gorm:"not null" json:"version"`
	Total      int       `gorm:"not null" json:"total"`
	MessageID  string    `gorm:"size:300;not null" json:"message_id"`
	Subject    string    `gorm:"size:500" json:"subject"`
	Raw        []byte    `json:"-"`
	ReceivedAt time.Time `gorm:"not null;index" json:"received_at"`
}

// TableName 指定表名
func (SeriesPart) TableName() string {
	return "series_parts"
}
