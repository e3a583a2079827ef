package services

import (
	"errors"
	"time"

	"patchbridge/internal/models"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/patchmail"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeriesBuffer 持久化的乱序补丁缓冲区，键为 线程根:版本
type SeriesBuffer struct {
	db *gorm.DB
}

// NewSeriesBuffer 创建系列缓冲区
func NewSeriesBuffer(db *gorm.DB) *SeriesBuffer {
	return &SeriesBuffer{db: db}
}

// Add 加入一封补丁邮件，返回系列是否已经收齐。重复的序号被忽略
func (b *SeriesBuffer) Add(branchID uint, patch *patchmail.Patch, raw []byte) (bool, error) {
	part := &models.SeriesPart{
		BufferKey:  patch.BufferKey(),
		Position:   patch.Position,
		BranchID:   branchID,
		Version:    patch.Version,
		Total:      patch.Total,
		MessageID:  patch.MessageID,
		Subject:    patch.Subject,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}
	err := b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "buffer_key"}, {Name: "position"}},
		DoNothing: true,
	}).Create(part).Error
	if err != nil {
		return false, bridgeerr.New(bridgeerr.KindTransientInfra, "SeriesBuffer.Add", err)
	}

	series, _, err := b.Assemble(part.BufferKey)
	if err != nil {
		return false, err
	}
	return series != nil && series.Complete(), nil
}

// Assemble 读取缓冲区并组装系列，缓冲区为空时返回 nil
func (b *SeriesBuffer) Assemble(key string) (*patchmail.Series, uint, error) {
	parts, err := b.Parts(key)
	if err != nil {
		return nil, 0, err
	}
	if len(parts) == 0 {
		return nil, 0, nil
	}

	patches := make([]*patchmail.Patch, 0, len(parts))
	for _, part := range parts {
		p, err := patchmail.ParseMessage(part.Raw)
		if err != nil {
			// 入库前已解析成功过
			return nil, 0, err
		}
		patches = append(patches, p)
	}
	return patchmail.Assemble(patches), parts[0].BranchID, nil
}

// Parts 缓冲区中的邮件，按收到顺序
func (b *SeriesBuffer) Parts(key string) ([]models.SeriesPart, error) {
	var parts []models.SeriesPart
	if err := b.db.Where("buffer_key = ?", key).Order("id").Find(&parts).Error; err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SeriesBuffer.Parts", err)
	}
	return parts, nil
}

// Discard 清空缓冲区
func (b *SeriesBuffer) Discard(tx *gorm.DB, key string) error {
	if tx == nil {
		tx = b.db
	}
	return tx.Where("buffer_key = ?", key).Delete(&models.SeriesPart{}).Error
}

// Expired 最早一封邮件早于cutoff的缓冲区键
func (b *SeriesBuffer) Expired(cutoff time.Time) ([]string, error) {
	var keys []string
	err := b.db.Model(&models.SeriesPart{}).
		Select("buffer_key").
		Group("buffer_key").
		Having("MIN(received_at) < ?", cutoff).
		Pluck("buffer_key", &keys).Error
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SeriesBuffer.Expired", err)
	}
	return keys, nil
}

// Touch 刷新接收时间，已经安排处理的缓冲区不会被重复扫描
func (b *SeriesBuffer) Touch(key string, now time.Time) error {
	return b.db.Model(&models.SeriesPart{}).Where("buffer_key = ?", key).Update("received_at", now).Error
}

// Contains 该Message-ID是否已在缓冲区中
func (b *SeriesBuffer) Contains(messageID string) (bool, error) {
	var part models.SeriesPart
	err := b.db.Select("id").Where("message_id = ?", messageID).First(&part).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
