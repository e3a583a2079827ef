package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"patchbridge/internal/models"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/patchmail"
	"patchbridge/pkg/queue"

	"gorm.io/gorm"
)

// 邮件接收结果
const (
	IngestIgnored   = "ignored"
	IngestDuplicate = "duplicate"
	IngestBuffered  = "buffered"
	IngestEnqueued  = "enqueued"
)

// IngestResult 一封收到的邮件如何处理
type IngestResult struct {
	Action       string `json:"action"`
	Reason       string `json:"reason,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	BufferKey    string `json:"buffer_key,omitempty"`
	SubmissionID uint   `json:"submission_id,omitempty"`
}

// IngestMessage 接收补丁跟踪系统转来的一封邮件。
// 补丁进入系列缓冲区，收齐后排队应用；对已桥接邮件的回复排队转为评论
func (e *BridgeEngine) IngestMessage(ctx context.Context, listID string, raw []byte) (*IngestResult, error) {
	patch, err := patchmail.ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	if patch.FromBridge {
		return &IngestResult{Action: IngestIgnored, Reason: "bridge_origin"}, nil
	}

	if !patch.IsPatch {
		if patch.IsReply || patch.InReplyTo != "" {
			return e.ingestReply(ctx, listID, patch, raw)
		}
		return &IngestResult{Action: IngestIgnored, Reason: "not_a_patch"}, nil
	}

	if !e.cfg.Bridge.EmailToMR {
		return &IngestResult{Action: IngestIgnored, Reason: "email_to_mr_disabled"}, nil
	}
	if seen, err := e.subs.FindMessage(patch.MessageID); err != nil {
		return nil, err
	} else if seen != nil {
		return &IngestResult{Action: IngestDuplicate, SubmissionID: seen.SubmissionID}, nil
	}
	if buffered, err := e.buffer.Contains(patch.MessageID); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.IngestMessage", err)
	} else if buffered {
		return &IngestResult{Action: IngestDuplicate, BufferKey: patch.BufferKey()}, nil
	}

	branch, err := e.branches.Route(listID, patch.Subject)
	if err != nil {
		return nil, err
	}

	complete, err := e.buffer.Add(branch.ID, patch, raw)
	if err != nil {
		return nil, err
	}
	key := patch.BufferKey()
	if !complete {
		e.log.WithFields(map[string]interface{}{
			"buffer_key": key,
			"position":   patch.Position,
			"total":      patch.Total,
		}).Debug("系列尚未收齐")
		return &IngestResult{Action: IngestBuffered, BufferKey: key}, nil
	}

	task, err := e.enqueueApply(ctx, branch.ID, key, false)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Action: IngestEnqueued, BufferKey: key, TaskID: task.TaskID}, nil
}

// enqueueApply 按系列键找到锁：已有提交时沿用提交的锁
func (e *BridgeEngine) enqueueApply(ctx context.Context, branchID uint, bufferKey string, partial bool) (*queue.TaskMessage, error) {
	series, _, err := e.buffer.Assemble(bufferKey)
	if err != nil {
		return nil, err
	}
	if series == nil {
		return nil, bridgeerr.Newf(bridgeerr.KindStale, "BridgeEngine.enqueueApply", "缓冲区 %s 已清空", bufferKey)
	}

	lockKey := seriesLockKey(branchID, series.Key())
	open, err := e.subs.FindOpenSeries(e.db, branchID, series.Key())
	if err != nil {
		return nil, err
	}
	if open != nil {
		lockKey = submissionLockKey(open)
	}
	source := "email"
	if partial {
		source = "series_timeout"
	}
	return e.enqueue(ctx, queue.TaskInboundEmailApply, lockKey, source,
		ApplyPayload{BranchID: branchID, BufferKey: bufferKey, Partial: partial})
}

func (e *BridgeEngine) ingestReply(ctx context.Context, listID string, patch *patchmail.Patch, raw []byte) (*IngestResult, error) {
	if !e.cfg.Bridge.CommentBridging {
		return &IngestResult{Action: IngestIgnored, Reason: "comment_bridging_disabled"}, nil
	}

	// 最近的祖先优先
	ids := []string{patch.InReplyTo}
	for i := len(patch.References) - 1; i >= 0; i-- {
		ids = append(ids, patch.References[i])
	}
	parent, err := e.subs.FindMessageByIDs(ids)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return &IngestResult{Action: IngestIgnored, Reason: "unknown_thread"}, nil
	}
	sub, err := e.subs.GetByID(parent.SubmissionID)
	if err != nil {
		return nil, err
	}
	if !sub.HasMergeRequest() {
		return &IngestResult{Action: IngestIgnored, Reason: "no_merge_request", SubmissionID: sub.ID}, nil
	}
	if seen, err := e.subs.FindMessage(patch.MessageID); err != nil {
		return nil, err
	} else if seen != nil {
		return &IngestResult{Action: IngestDuplicate, SubmissionID: sub.ID}, nil
	}

	task, err := e.enqueue(ctx, queue.TaskInboundComment, submissionLockKey(sub), "email",
		InboundCommentPayload{BranchID: sub.BranchID, SubmissionID: sub.ID, ListID: listID, Raw: raw})
	if err != nil {
		return nil, err
	}
	return &IngestResult{Action: IngestEnqueued, TaskID: task.TaskID, SubmissionID: sub.ID}, nil
}

// HandleApply 应用一个收齐（或超时）的邮件系列并创建或更新合并请求
func (e *BridgeEngine) HandleApply(ctx context.Context, task *queue.TaskMessage) error {
	var p ApplyPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	log := e.taskLog(task).WithField("buffer_key", p.BufferKey)

	series, _, err := e.buffer.Assemble(p.BufferKey)
	if err != nil {
		return err
	}
	if series == nil {
		log.Debug("缓冲区已清空，跳过")
		return nil
	}
	branch, err := e.branches.GetByID(p.BranchID)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindConfigurationError, "BridgeEngine.HandleApply", err)
	}

	if !series.Complete() {
		if !p.Partial {
			return nil
		}
		if !series.PatchesComplete() {
			return e.expirePartial(ctx, branch, series, p.BufferKey)
		}
		log.Info("封面信未到达，按补丁应用")
	}

	key := series.Key()
	hash := series.ContentHash()
	open, err := e.subs.FindOpenSeries(e.db, branch.ID, key)
	if err != nil {
		return err
	}
	if open != nil && open.CommitRangeHash == hash && open.State != models.StatePending {
		log.WithField("submission_id", open.ID).Info("系列内容未变化，忽略重复投递")
		return e.buffer.Discard(nil, p.BufferKey)
	}
	if open == nil {
		failed, err := e.subs.FindFailedSeries(e.db, branch.ID, key)
		if err != nil {
			return err
		}
		if failed != nil && failed.CommitRangeHash == hash {
			log.WithField("submission_id", failed.ID).Info("相同内容的系列已失败，需要重新发送新版本")
			return e.buffer.Discard(nil, p.BufferKey)
		}
	}

	sub, changes, err := e.prepareEmailSubmission(task, branch, series, open, hash)
	if err != nil {
		return err
	}
	log = log.WithField("submission_id", sub.ID)

	remote, err := e.branches.Remote(branch)
	if err != nil {
		return err
	}
	mbox := series.BuildMbox("patchbridge@" + e.cfg.Bridge.MessageIDDomain)
	wt, rng, err := e.applyMbox(ctx, remote, mbox)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.repos.ReleaseWorktree(wt); err != nil {
			log.WithError(err).Warn("释放工作树失败")
		}
	}()

	head, err := e.push(ctx, task, branch, sub, wt, rng)
	if err != nil {
		return err
	}

	mr, err := e.upsertMergeRequest(ctx, branch, sub, series)
	if err != nil {
		return err
	}

	gated := e.branches.Gated(branch)
	err = e.db.Transaction(func(tx *gorm.DB) error {
		iid := mr.IID
		sub.MergeRequestIID = &iid
		sub.HeadSHA = head
		sub.BaseSHA = rng.Base
		sub.CommitRangeHash = hash
		sub.Title = series.Title()
		sub.ThreadRootMsgID = series.Lead().MessageID

		if err := e.recordInbound(tx, sub, series, rng); err != nil {
			return err
		}
		change, err := e.subs.Transition(tx, sub, models.StateApplied, task.TaskID, fmt.Sprintf("已应用 %d 个补丁", len(rng.Commits)))
		if err != nil {
			return err
		}
		changes = append(changes, change)

		next, msg := models.StateBridged, "合并请求已更新"
		if gated {
			next, msg = models.StateAwaitingPipeline, "等待流水线结果"
		}
		if change, err = e.subs.Transition(tx, sub, next, task.TaskID, msg); err != nil {
			return err
		}
		changes = append(changes, change)
		return e.buffer.Discard(tx, p.BufferKey)
	})
	if err != nil {
		return err
	}
	e.subs.Publish(ctx, changes...)

	log.WithFields(map[string]interface{}{
		"merge_request": mr.IID,
		"version":       sub.Version,
		"state":         sub.State,
	}).Info("邮件系列已桥接到合并请求")
	return nil
}

// prepareEmailSubmission 新建待处理提交，或为新版本更新已有提交
func (e *BridgeEngine) prepareEmailSubmission(task *queue.TaskMessage, branch *models.Branch, series *patchmail.Series, open *models.BridgedSubmission, hash string) (*models.BridgedSubmission, []StateChange, error) {
	var changes []StateChange
	lead := series.Lead()

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if open != nil {
			version := open.Version
			if open.State != models.StatePending && open.CommitRangeHash != hash {
				version++
			}
			if series.Version() > version {
				version = series.Version()
			}
			open.Version = version
			open.CommitRangeHash = hash
			open.Title = series.Title()
			open.ThreadRootMsgID = lead.MessageID
			open.Submitter = lead.Author()
			change, err := e.subs.Transition(tx, open, models.StatePending, task.TaskID, fmt.Sprintf("收到第 %d 版", version))
			if err != nil {
				return err
			}
			changes = append(changes, change)
			return nil
		}

		open = &models.BridgedSubmission{
			BranchID:        branch.ID,
			SeriesKey:       series.Key(),
			ThreadRootMsgID: lead.MessageID,
			Origin:          models.OriginEmail,
			Version:         series.Version(),
			CommitRangeHash: hash,
			Title:           series.Title(),
			Submitter:       lead.Author(),
		}
		change, err := e.subs.Transition(tx, open, models.StatePending, task.TaskID, "收到邮件系列")
		if err != nil {
			return err
		}
		changes = append(changes, change)
		open.SourceBranch = emailSourceBranch(open.SeriesKey, open.ID)
		return tx.Model(open).Update("source_branch", open.SourceBranch).Error
	})
	if err != nil {
		return nil, nil, bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.prepareEmailSubmission", err)
	}
	return open, changes, nil
}

// applyMbox 在新工作树中应用补丁，冲突时换一个全新的工作树再试一次
func (e *BridgeEngine) applyMbox(ctx context.Context, remote gitrepo.Remote, mbox []byte) (*gitrepo.Worktree, *gitrepo.CommitRange, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		wt, err := e.repos.AcquireWorktree(ctx, remote)
		if err != nil {
			return nil, nil, err
		}
		rng, err := e.repos.ApplySeries(ctx, wt, mbox)
		if err == nil {
			return wt, rng, nil
		}
		if relErr := e.repos.ReleaseWorktree(wt); relErr != nil {
			e.log.WithError(relErr).Warn("释放工作树失败")
		}
		if !bridgeerr.Is(err, bridgeerr.KindPatchApplyFailed) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// push 推送到提交的源分支，租约为上次推送的结果
func (e *BridgeEngine) push(ctx context.Context, task *queue.TaskMessage, branch *models.Branch, sub *models.BridgedSubmission, wt *gitrepo.Worktree, rng *gitrepo.CommitRange) (string, error) {
	pushLog := &models.PushLog{
		BranchID:     branch.ID,
		SubmissionID: sub.ID,
		TaskID:       task.TaskID,
		Ref:          sub.SourceBranch,
		StartedAt:    time.Now(),
		FromCommit:   sub.HeadSHA,
		CommitCount:  len(rng.Commits),
	}

	head, err := e.repos.Push(ctx, wt, sub.SourceBranch, sub.HeadSHA)
	if err != nil {
		pushLog.Status = "failed"
		pushLog.ErrorMessage = err.Error()
		if logErr := e.subs.RecordPush(pushLog); logErr != nil {
			e.log.WithError(logErr).Warn("写推送日志失败")
		}
		return "", err
	}

	pushLog.Status = "success"
	pushLog.ToCommit = head
	if err := e.subs.RecordPush(pushLog); err != nil {
		e.log.WithError(err).Warn("写推送日志失败")
	}

	// 立即记录，重试时作为租约
	sub.HeadSHA = head
	if err := e.db.Model(sub).Updates(map[string]interface{}{"head_sha": head, "base_sha": rng.Base}).Error; err != nil {
		return "", bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.push", err)
	}
	return head, nil
}

// upsertMergeRequest 已有合并请求时更新标题和描述，否则按源分支查找或新建
func (e *BridgeEngine) upsertMergeRequest(ctx context.Context, branch *models.Branch, sub *models.BridgedSubmission, series *patchmail.Series) (*gitforge.MergeRequest, error) {
	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return nil, err
	}
	description := mergeRequestDescription(series)

	if sub.HasMergeRequest() {
		return client.UpdateMergeRequest(ctx, branch.ProjectID, *sub.MergeRequestIID, gitforge.UpdateMergeRequestOptions{
			Title:       series.Title(),
			Description: description,
		})
	}

	mr, err := client.FindMergeRequestBySourceBranch(ctx, branch.ProjectID, sub.SourceBranch)
	if err != nil {
		return nil, err
	}
	if mr != nil {
		return mr, nil
	}
	return client.CreateMergeRequest(ctx, branch.ProjectID, gitforge.CreateMergeRequestOptions{
		SourceBranch: sub.SourceBranch,
		TargetBranch: branch.Name,
		Title:        series.Title(),
		Description:  description,
		Labels:       []string{labelFromEmail},
	})
}

func mergeRequestDescription(series *patchmail.Series) string {
	lead := series.Lead()
	var b strings.Builder
	if desc := strings.TrimSpace(series.Description()); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Submitted by %s\n\nMessage-ID: %s\n", lead.Author(), lead.MessageID)
	return b.String()
}

// recordInbound 记录系列中的邮件和对应提交，评论按提交回复到补丁邮件
func (e *BridgeEngine) recordInbound(tx *gorm.DB, sub *models.BridgedSubmission, series *patchmail.Series, rng *gitrepo.CommitRange) error {
	if series.Cover != nil {
		rec := &models.BridgedMessage{
			SubmissionID: sub.ID,
			Version:      sub.Version,
			Kind:         models.MessageInbound,
			MessageID:    series.Cover.MessageID,
			InReplyTo:    series.Cover.InReplyTo,
			Subject:      series.Cover.Subject,
		}
		if _, err := e.subs.RecordMessage(tx, rec); err != nil {
			return err
		}
	}
	for i, p := range series.Patches {
		rec := &models.BridgedMessage{
			SubmissionID: sub.ID,
			Version:      sub.Version,
			Kind:         models.MessageInbound,
			MessageID:    p.MessageID,
			InReplyTo:    p.InReplyTo,
			Subject:      p.Subject,
		}
		if len(rng.Commits) == len(series.Patches) {
			rec.CommitSHA = rng.Commits[i]
		}
		if _, err := e.subs.RecordMessage(tx, rec); err != nil {
			return err
		}
	}
	return nil
}

// expirePartial 缓冲超时仍缺补丁：通知作者并丢弃缓冲区
func (e *BridgeEngine) expirePartial(ctx context.Context, branch *models.Branch, series *patchmail.Series, bufferKey string) error {
	lead := series.Lead()
	missing := make([]string, 0)
	for _, n := range series.Missing() {
		missing = append(missing, fmt.Sprintf("%d/%d", n, series.Total))
	}
	reason := fmt.Sprintf("The patch series was not applied: %d of %d patches arrived within %s.",
		len(series.Patches), series.Total, e.cfg.Bridge.SeriesTimeout)
	detail := "Missing: " + strings.Join(missing, ", ")

	target := noticeTarget{
		To:            []string{lead.Author()},
		Cc:            []string{branch.ListAddress},
		ParentSubject: lead.Subject,
		ParentID:      lead.MessageID,
		References:    []string{lead.ThreadRoot()},
	}
	if err := e.sendNotice(ctx, nil, target, reason, detail); err != nil {
		return err
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.subs.Audit(tx, 0, "", models.AuditFailure, reason, map[string]interface{}{
			"kind":       bridgeerr.KindPartialSeriesTimeout.String(),
			"buffer_key": bufferKey,
			"missing":    missing,
			"branch_id":  branch.ID,
		}); err != nil {
			return err
		}
		return e.buffer.Discard(tx, bufferKey)
	})
	if err != nil {
		return err
	}
	e.log.WithFields(map[string]interface{}{
		"buffer_key": bufferKey,
		"missing":    missing,
	}).Warn("系列缓冲超时，已通知作者")
	return nil
}

// HandleInboundComment 把邮件回复发表为合并请求评论
func (e *BridgeEngine) HandleInboundComment(ctx context.Context, task *queue.TaskMessage) error {
	var p InboundCommentPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	patch, err := patchmail.ParseMessage(p.Raw)
	if err != nil {
		return err
	}
	sub, err := e.subs.GetByID(p.SubmissionID)
	if err != nil {
		return err
	}
	if !sub.HasMergeRequest() {
		return nil
	}
	client, err := e.forges.Get(sub.Branch.ForgeHost)
	if err != nil {
		return err
	}

	rec := &models.BridgedMessage{
		SubmissionID: sub.ID,
		Version:      sub.Version,
		Kind:         models.MessageInboundComment,
		MessageID:    patch.MessageID,
		InReplyTo:    patch.InReplyTo,
		Subject:      patch.Subject,
	}
	created, err := e.subs.RecordMessage(e.db, rec)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	body := fmt.Sprintf("From: %s\n\n%s", patch.Author(), strings.TrimSpace(patch.Body))
	if err := client.PostComment(ctx, sub.Branch.ProjectID, *sub.MergeRequestIID, body); err != nil {
		if delErr := e.subs.DeleteMessage(rec.MessageID); delErr != nil {
			e.taskLog(task).WithError(delErr).Error("撤销邮件记录失败")
		}
		return err
	}

	if labels := patchmail.LabelsForTags(patchmail.ParseReviewTags(patch.Body)); len(labels) > 0 {
		if err := client.AddLabels(ctx, sub.Branch.ProjectID, *sub.MergeRequestIID, labels); err != nil {
			e.taskLog(task).WithError(err).Warn("添加评审标签失败")
		}
	}

	e.taskLog(task).WithFields(map[string]interface{}{
		"submission_id": sub.ID,
		"message_id":    patch.MessageID,
	}).Info("邮件回复已转为评论")
	return nil
}
