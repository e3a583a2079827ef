package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"patchbridge/internal/models"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/pagination"
	"patchbridge/pkg/queue"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSubmissionNotFound 提交不存在
var ErrSubmissionNotFound = errors.New("提交不存在")

// StateChange 一次状态变更，事务提交后发布到Redis频道
type StateChange struct {
	SubmissionID    uint      `json:"submission_id"`
	BranchID        uint      `json:"branch_id"`
	MergeRequestIID *int64    `json:"merge_request_iid,omitempty"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Version         int       `json:"version"`
	TaskID          string    `json:"task_id,omitempty"`
	At              time.Time `json:"at"`
}

// SubmissionFilter 列表查询条件
type SubmissionFilter struct {
	BranchID uint   `form:"branch_id"`
	State    string `form:"state"`
	Origin   string `form:"origin"`
}

// SubmissionDetail 提交详情，包括桥接过的邮件和审计记录
type SubmissionDetail struct {
	Submission *models.BridgedSubmission `json:"submission"`
	Messages   []models.BridgedMessage   `json:"messages"`
	Audits     []models.BridgeAudit      `json:"audits"`
	PushLogs   []models.PushLog          `json:"push_logs"`
}

// SubmissionService 桥接状态存储
type SubmissionService struct {
	db    *gorm.DB
	queue *queue.RedisQueue
}

// NewSubmissionService 创建桥接状态服务
func NewSubmissionService(db *gorm.DB, q *queue.RedisQueue) *SubmissionService {
	return &SubmissionService{db: db, queue: q}
}

// DB 底层连接，引擎用它开启事务
func (s *SubmissionService) DB() *gorm.DB {
	return s.db
}

// GetByID 获取提交
func (s *SubmissionService) GetByID(id uint) (*models.BridgedSubmission, error) {
	var sub models.BridgedSubmission
	if err := s.db.Preload("Branch").First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.GetByID", err)
	}
	return &sub, nil
}

// List 分页列出提交，按更新时间倒序
func (s *SubmissionService) List(filter SubmissionFilter, page *pagination.PageParams) ([]models.BridgedSubmission, int64, error) {
	query := s.db.Model(&models.BridgedSubmission{})
	if filter.BranchID > 0 {
		query = query.Where("branch_id = ?", filter.BranchID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Origin != "" {
		query = query.Where("origin = ?", filter.Origin)
	}

	var subs []models.BridgedSubmission
	total, err := pagination.Find(query, page, "updated_at DESC, id DESC", &subs)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// GetDetail 提交详情
func (s *SubmissionService) GetDetail(id uint) (*SubmissionDetail, error) {
	sub, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	detail := &SubmissionDetail{Submission: sub}
	if err := s.db.Where("submission_id = ?", id).Order("id").Find(&detail.Messages).Error; err != nil {
		return nil, err
	}
	if err := s.db.Where("submission_id = ?", id).Order("id").Find(&detail.Audits).Error; err != nil {
		return nil, err
	}
	if err := s.db.Where("submission_id = ?", id).Order("id").Find(&detail.PushLogs).Error; err != nil {
		return nil, err
	}
	return detail, nil
}

// FindByMergeRequest 按分支和合并请求查找，不存在时返回 nil, nil
func (s *SubmissionService) FindByMergeRequest(tx *gorm.DB, branchID uint, iid int64) (*models.BridgedSubmission, error) {
	var sub models.BridgedSubmission
	err := tx.Where("branch_id = ? AND merge_request_iid = ?", branchID, iid).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.FindByMergeRequest", err)
	}
	return &sub, nil
}

// FindOpenSeries 查找系列键对应的未终止提交，不存在时返回 nil, nil
func (s *SubmissionService) FindOpenSeries(tx *gorm.DB, branchID uint, seriesKey string) (*models.BridgedSubmission, error) {
	var sub models.BridgedSubmission
	err := tx.Where("branch_id = ? AND series_key = ? AND state NOT IN ?", branchID, seriesKey,
		[]string{models.StateClosed, models.StateFailed}).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.FindOpenSeries", err)
	}
	return &sub, nil
}

// FindFailedSeries 最近一次失败的同系列提交
func (s *SubmissionService) FindFailedSeries(tx *gorm.DB, branchID uint, seriesKey string) (*models.BridgedSubmission, error) {
	var sub models.BridgedSubmission
	err := tx.Where("branch_id = ? AND series_key = ? AND state = ?", branchID, seriesKey, models.StateFailed).
		Order("id DESC").First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.FindFailedSeries", err)
	}
	return &sub, nil
}

// allowedTransitions 状态机允许的边，同状态重入总是允许
var allowedTransitions = map[string][]string{
	"":                  {models.StatePending, models.StateApplied},
	models.StatePending: {models.StateApplied, models.StateClosed, models.StateFailed},
	models.StateApplied: {models.StatePending, models.StateAwaitingPipeline, models.StateBridged,
		models.StateClosed, models.StateFailed},
	models.StateAwaitingPipeline: {models.StatePending, models.StateApplied, models.StateBridged,
		models.StateClosed, models.StateFailed},
	models.StateBridged: {models.StatePending, models.StateApplied, models.StateClosed},
	models.StateFailed:  {models.StateApplied, models.StateClosed},
	models.StateClosed:  nil,
}

// CanTransition 判断状态变更是否合法
func CanTransition(from, to string) bool {
	if from == to && from != "" {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 修改状态并写审计记录，必须在事务中调用
func (s *SubmissionService) Transition(tx *gorm.DB, sub *models.BridgedSubmission, to, taskID, message string) (StateChange, error) {
	if !CanTransition(sub.State, to) {
		return StateChange{}, bridgeerr.Newf(bridgeerr.KindStale, "SubmissionService.Transition",
			"提交 %d 不允许从 %q 变为 %q", sub.ID, sub.State, to)
	}
	change := StateChange{
		SubmissionID:    sub.ID,
		BranchID:        sub.BranchID,
		MergeRequestIID: sub.MergeRequestIID,
		From:            sub.State,
		To:              to,
		Version:         sub.Version,
		TaskID:          taskID,
		At:              time.Now(),
	}

	sub.State = to
	if to == models.StateAwaitingPipeline {
		if sub.AwaitingSince == nil || change.From != models.StateAwaitingPipeline {
			now := change.At
			sub.AwaitingSince = &now
		}
	} else {
		sub.AwaitingSince = nil
	}
	if to != models.StateFailed {
		sub.FailureKind = ""
		sub.FailureMessage = ""
	}

	if err := tx.Omit(clause.Associations).Save(sub).Error; err != nil {
		return change, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.Transition", err)
	}
	if change.From == to {
		return change, nil
	}
	audit := &models.BridgeAudit{
		SubmissionID: sub.ID,
		TaskID:       taskID,
		Kind:         models.AuditTransition,
		FromState:    change.From,
		ToState:      to,
		Message:      message,
	}
	if err := tx.Create(audit).Error; err != nil {
		return change, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.Transition", err)
	}
	return change, nil
}

// Publish 发布状态变更，失败只记日志
func (s *SubmissionService) Publish(ctx context.Context, changes ...StateChange) {
	if s.queue == nil {
		return
	}
	for _, change := range changes {
		if change.From == change.To {
			continue
		}
		if err := s.queue.PublishMessage(ctx, queue.ChannelSubmissionState, change); err != nil {
			logger.GetLogger().WithError(err).WithField("submission_id", change.SubmissionID).Warn("发布状态变更失败")
		}
	}
}

// Audit 写审计记录
func (s *SubmissionService) Audit(tx *gorm.DB, subID uint, taskID, kind, message string, detail interface{}) error {
	audit := &models.BridgeAudit{
		SubmissionID: subID,
		TaskID:       taskID,
		Kind:         kind,
		Message:      message,
	}
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("序列化审计详情失败: %v", err)
		}
		audit.Detail = datatypes.JSON(data)
	}
	if err := tx.Create(audit).Error; err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.Audit", err)
	}
	return nil
}

// ClaimEvent 记录事件已处理。返回false表示事件已被处理过
func (s *SubmissionService) ClaimEvent(tx *gorm.DB, eventID string, subID uint, kind string, seq int64) (bool, error) {
	row := &models.ProcessedEvent{EventID: eventID, SubmissionID: subID, Kind: kind, Sequence: seq}
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).Create(row)
	if result.Error != nil {
		return false, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.ClaimEvent", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EventProcessed 事件是否已处理
func (s *SubmissionService) EventProcessed(eventID string) (bool, error) {
	var count int64
	if err := s.db.Model(&models.ProcessedEvent{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		return false, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.EventProcessed", err)
	}
	return count > 0, nil
}

// RecordMessage 记录桥接邮件。Message-ID已存在时返回false
func (s *SubmissionService) RecordMessage(tx *gorm.DB, msg *models.BridgedMessage) (bool, error) {
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).Create(msg)
	if result.Error != nil {
		return false, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.RecordMessage", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteMessage 发送失败时撤销记录，重试时重新发送
func (s *SubmissionService) DeleteMessage(messageID string) error {
	return s.db.Where("message_id = ?", messageID).Delete(&models.BridgedMessage{}).Error
}

// FindMessage 按Message-ID查找，不存在时返回 nil, nil
func (s *SubmissionService) FindMessage(messageID string) (*models.BridgedMessage, error) {
	var msg models.BridgedMessage
	err := s.db.Where("message_id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.FindMessage", err)
	}
	return &msg, nil
}

// FindMessageByIDs 按顺序查找第一个已记录的Message-ID
func (s *SubmissionService) FindMessageByIDs(ids []string) (*models.BridgedMessage, error) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		msg, err := s.FindMessage(id)
		if err != nil || msg != nil {
			return msg, err
		}
	}
	return nil, nil
}

// Messages 提交的邮件，kinds为空时返回全部
func (s *SubmissionService) Messages(subID uint, kinds ...string) ([]models.BridgedMessage, error) {
	var msgs []models.BridgedMessage
	query := s.db.Where("submission_id = ?", subID)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	if err := query.Order("version, id").Find(&msgs).Error; err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.Messages", err)
	}
	return msgs, nil
}

// Covers 各版本的封面信，按版本排列
func (s *SubmissionService) Covers(subID uint) ([]models.BridgedMessage, error) {
	return s.Messages(subID, models.MessageCover)
}

// CommentBridged 评论是否已转为邮件
func (s *SubmissionService) CommentBridged(subID uint, noteID int64) (bool, error) {
	var count int64
	err := s.db.Model(&models.BridgedMessage{}).
		Where("submission_id = ? AND kind = ? AND note_id = ?", subID, models.MessageComment, noteID).
		Count(&count).Error
	if err != nil {
		return false, bridgeerr.New(bridgeerr.KindTransientInfra, "SubmissionService.CommentBridged", err)
	}
	return count > 0, nil
}

// RecordPush 写推送日志
func (s *SubmissionService) RecordPush(log *models.PushLog) error {
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now()
	}
	log.FinishedAt = time.Now()
	log.Duration = log.FinishedAt.Sub(log.StartedAt).Milliseconds()
	return s.db.Create(log).Error
}

// AwaitingExpired 等待流水线超过最长时间的提交
func (s *SubmissionService) AwaitingExpired(cutoff time.Time) ([]models.BridgedSubmission, error) {
	var subs []models.BridgedSubmission
	err := s.db.Where("state = ? AND awaiting_since < ?", models.StateAwaitingPipeline, cutoff).Find(&subs).Error
	return subs, err
}
