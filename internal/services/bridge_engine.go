package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"patchbridge/internal/models"
	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/logger"
	"patchbridge/pkg/mailer"
	"patchbridge/pkg/patchmail"
	"patchbridge/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	labelFromEmail    = "From email"
	emailBranchPrefix = "emails/series-"
)

// Repository 引擎使用的git操作，由 gitrepo.Manager 实现
type Repository interface {
	AcquireWorktree(ctx context.Context, r gitrepo.Remote) (*gitrepo.Worktree, error)
	ReleaseWorktree(wt *gitrepo.Worktree) error
	ApplySeries(ctx context.Context, wt *gitrepo.Worktree, mbox []byte) (*gitrepo.CommitRange, error)
	Push(ctx context.Context, wt *gitrepo.Worktree, ref, expected string) (string, error)
	FetchMergeRequest(ctx context.Context, r gitrepo.Remote, iid int64) (string, error)
	FormatPatch(ctx context.Context, r gitrepo.Remote, sha string) (string, error)
}

// ApplyPayload 应用邮件系列任务
type ApplyPayload struct {
	BranchID  uint   `json:"branch_id"`
	BufferKey string `json:"buffer_key"`
	Partial   bool   `json:"partial"` // 缓冲超时触发
}

// InboundCommentPayload 邮件回复转为合并请求评论
type InboundCommentPayload struct {
	BranchID     uint   `json:"branch_id"`
	SubmissionID uint   `json:"submission_id"`
	ListID       string `json:"list_id"`
	Raw          []byte `json:"raw"`
}

// PipelineTimeoutPayload 等待流水线超时
type PipelineTimeoutPayload struct {
	SubmissionID uint   `json:"submission_id"`
	HeadSHA      string `json:"head_sha"`
}

// BridgeEngine 桥接引擎，串联邮件、forge和git仓库
type BridgeEngine struct {
	cfg      *config.Config
	db       *gorm.DB
	queue    *queue.RedisQueue
	forges   ForgeResolver
	repos    Repository
	mail     mailer.Transport
	composer *patchmail.Composer

	branches *BranchService
	subs     *SubmissionService
	buffer   *SeriesBuffer

	log *logrus.Logger
}

// NewBridgeEngine 创建桥接引擎
func NewBridgeEngine(cfg *config.Config, db *gorm.DB, q *queue.RedisQueue, forges ForgeResolver, repos Repository, transport mailer.Transport) *BridgeEngine {
	return &BridgeEngine{
		cfg:    cfg,
		db:     db,
		queue:  q,
		forges: forges,
		repos:  repos,
		mail:   transport,
		composer: patchmail.NewComposer(patchmail.Options{
			FromTemplate:    cfg.Bridge.FromTemplate,
			MessageIDDomain: cfg.Bridge.MessageIDDomain,
			WrapWidth:       cfg.Bridge.WrapWidth,
			MaxEmails:       cfg.Bridge.MaxEmails,
			CCDomains:       cfg.Bridge.CCFilterDomains,
			BotName:         cfg.Bridge.BotUsername,
		}),
		branches: NewBranchService(db, cfg, forges),
		subs:     NewSubmissionService(db, q),
		buffer:   NewSeriesBuffer(db),
		log:      logger.GetLogger(),
	}
}

// Branches 分支服务
func (e *BridgeEngine) Branches() *BranchService { return e.branches }

// Submissions 桥接状态服务
func (e *BridgeEngine) Submissions() *SubmissionService { return e.subs }

// Buffer 系列缓冲区
func (e *BridgeEngine) Buffer() *SeriesBuffer { return e.buffer }

func mergeRequestLockKey(branchID uint, iid int64) string {
	return fmt.Sprintf("mr:%d:%d", branchID, iid)
}

func seriesLockKey(branchID uint, seriesKey string) string {
	return fmt.Sprintf("series:%d:%s", branchID, seriesKey)
}

// submissionLockKey 已关联合并请求的提交按合并请求加锁，否则按系列键
func submissionLockKey(sub *models.BridgedSubmission) string {
	if sub.HasMergeRequest() {
		return mergeRequestLockKey(sub.BranchID, *sub.MergeRequestIID)
	}
	return seriesLockKey(sub.BranchID, sub.SeriesKey)
}

// emailSourceBranch 邮件系列推送到的分支，每个提交记录一个
func emailSourceBranch(seriesKey string, subID uint) string {
	sum := sha256.Sum256([]byte(seriesKey))
	return fmt.Sprintf("%s%s-%d", emailBranchPrefix, hex.EncodeToString(sum[:])[:12], subID)
}

// rangeHash 合并请求提交范围的摘要
func rangeHash(commits []gitforge.Commit) string {
	h := sha256.New()
	for _, c := range commits {
		h.Write([]byte(c.ID))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *BridgeEngine) enqueue(ctx context.Context, taskType, lockKey, source string, payload interface{}) (*queue.TaskMessage, error) {
	task, err := queue.NewTask(taskType, lockKey, source, payload)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "BridgeEngine.enqueue", err)
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.enqueue", err)
	}
	return task, nil
}

func (e *BridgeEngine) taskLog(task *queue.TaskMessage) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"attempt":   task.Attempt,
	})
}

// sendRecorded 先记录再发送，发送失败时撤销记录。已记录的邮件视为已发送
func (e *BridgeEngine) sendRecorded(ctx context.Context, rec *models.BridgedMessage, msg *mailer.Message) (bool, error) {
	created, err := e.subs.RecordMessage(e.db, rec)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	if err := e.mail.Send(ctx, msg); err != nil {
		if delErr := e.subs.DeleteMessage(rec.MessageID); delErr != nil {
			e.log.WithError(delErr).WithField("message_id", rec.MessageID).Error("撤销邮件记录失败")
		}
		if bridgeerr.KindOf(err) == bridgeerr.KindUnknown {
			err = bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.send", err)
		}
		return false, err
	}
	return true, nil
}

// noticeTarget 失败通知的收件人和所在线程
type noticeTarget struct {
	To            []string
	Cc            []string
	ParentSubject string
	ParentID      string
	References    []string
}

// noticeTargetFor 邮件发起的提交通知提交者并抄送列表，forge发起的回复到最新封面信
func (e *BridgeEngine) noticeTargetFor(branch *models.Branch, sub *models.BridgedSubmission) noticeTarget {
	if sub.Origin == models.OriginEmail {
		target := noticeTarget{
			To:            []string{sub.Submitter},
			Cc:            []string{branch.ListAddress},
			ParentSubject: sub.Title,
			ParentID:      sub.ThreadRootMsgID,
		}
		if root, err := e.subs.FindMessage(sub.ThreadRootMsgID); err == nil && root != nil {
			target.ParentSubject = root.Subject
		}
		if target.ParentID != "" {
			target.References = []string{target.ParentID}
		}
		return target
	}

	target := noticeTarget{To: []string{branch.ListAddress}, ParentSubject: sub.Title}
	covers, err := e.subs.Covers(sub.ID)
	if err == nil && len(covers) > 0 {
		latest := covers[len(covers)-1]
		target.ParentID = latest.MessageID
		target.ParentSubject = latest.Subject
		for _, c := range covers {
			target.References = append(target.References, c.MessageID)
		}
	}
	return target
}

// sendNotice 发送失败通知。sub非空时记录通知邮件
func (e *BridgeEngine) sendNotice(ctx context.Context, sub *models.BridgedSubmission, target noticeTarget, reason, detail string) error {
	msg := e.composer.ComposeNotice(patchmail.NoticeInput{
		To:            target.To,
		Cc:            target.Cc,
		ParentSubject: target.ParentSubject,
		ParentID:      target.ParentID,
		References:    target.References,
		Reason:        reason,
		Detail:        detail,
	})
	if sub == nil {
		if err := e.mail.Send(ctx, msg); err != nil {
			return bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.sendNotice", err)
		}
		return nil
	}

	rec := &models.BridgedMessage{
		SubmissionID: sub.ID,
		Version:      sub.Version,
		Kind:         models.MessageNotice,
		MessageID:    msg.MessageID,
		InReplyTo:    msg.InReplyTo,
		Subject:      msg.Subject,
	}
	if _, err := e.sendRecorded(ctx, rec, msg); err != nil {
		return err
	}
	return e.subs.Audit(e.db, sub.ID, "", models.AuditNotice, reason, map[string]string{"message_id": msg.MessageID})
}

// notify 通知提交的参与者。forge发起的提交同时在合并请求上评论
func (e *BridgeEngine) notify(ctx context.Context, branch *models.Branch, sub *models.BridgedSubmission, reason, detail string) error {
	if err := e.sendNotice(ctx, sub, e.noticeTargetFor(branch, sub), reason, detail); err != nil {
		return err
	}
	if sub.Origin != models.OriginForge || !sub.HasMergeRequest() {
		return nil
	}
	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return err
	}
	body := reason
	if strings.TrimSpace(detail) != "" {
		body += "\n\n```\n" + strings.TrimSpace(detail) + "\n```"
	}
	return client.PostComment(ctx, branch.ProjectID, *sub.MergeRequestIID, body)
}

// decodePayload 解析任务参数，失败属于永久错误
func decodePayload(task *queue.TaskMessage, v interface{}) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return bridgeerr.New(bridgeerr.KindMalformed, "decodePayload", fmt.Errorf("解析任务参数失败: %v", err))
	}
	return nil
}

func labelsJSON(labels []string) datatypes.JSON {
	if len(labels) == 0 {
		return nil
	}
	data, _ := json.Marshal(labels)
	return datatypes.JSON(data)
}
