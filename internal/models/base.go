package models

import (
	"time"
)

// BaseModel 桥接表的公共字段，列表按 updated_at 倒序
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}
