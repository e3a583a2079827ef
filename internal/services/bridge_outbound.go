package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"patchbridge/internal/models"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/gitforge"
	"patchbridge/pkg/gitrepo"
	"patchbridge/pkg/patchmail"
	"patchbridge/pkg/queue"
	"patchbridge/pkg/webhook"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lifecycleEvent 合并请求生命周期事件按序号丢弃乱序的旧事件。
// 流水线按提交SHA匹配，评论按事件ID和评论ID去重
func lifecycleEvent(kind webhook.Kind) bool {
	switch kind {
	case webhook.KindMergeRequestOpened, webhook.KindMergeRequestUpdated, webhook.KindMergeRequestClosed:
		return true
	}
	return false
}

// AdmitEvent 接收规范化后的webhook事件。返回false表示重复或过期，已丢弃
func (e *BridgeEngine) AdmitEvent(ctx context.Context, ev webhook.Event) (bool, *queue.TaskMessage, error) {
	meta := ev.Metadata()
	processed, err := e.subs.EventProcessed(meta.EventID)
	if err != nil {
		return false, nil, err
	}
	if processed {
		return false, nil, nil
	}

	lockKey := fmt.Sprintf("event:%s:%d:%d", strings.ToLower(meta.Host), meta.ProjectID, meta.MergeRequestIID)
	branch, err := e.branches.FindForEvent(meta.Host, meta.ProjectID, meta.TargetBranch)
	switch {
	case err == nil:
		lockKey = mergeRequestLockKey(branch.ID, meta.MergeRequestIID)
		if lifecycleEvent(ev.Kind()) {
			sub, err := e.subs.FindByMergeRequest(e.db, branch.ID, meta.MergeRequestIID)
			if err != nil {
				return false, nil, err
			}
			if sub != nil && meta.Sequence <= sub.LastSequence {
				return false, nil, nil
			}
		}
	case !bridgeerr.Is(err, bridgeerr.KindConfigurationError):
		return false, nil, err
	}

	data, err := webhook.Encode(ev)
	if err != nil {
		return false, nil, err
	}
	task, err := e.enqueue(ctx, queue.TaskOutboundWebhook, lockKey, "webhook:"+meta.Forge, json.RawMessage(data))
	if err != nil {
		return false, nil, err
	}
	return true, task, nil
}

// HandleWebhook 处理一个webhook事件任务
func (e *BridgeEngine) HandleWebhook(ctx context.Context, task *queue.TaskMessage) error {
	ev, err := webhook.Decode(task.Payload)
	if err != nil {
		return err
	}
	meta := ev.Metadata()
	processed, err := e.subs.EventProcessed(meta.EventID)
	if err != nil {
		return err
	}
	if processed {
		return bridgeerr.Newf(bridgeerr.KindStale, "BridgeEngine.HandleWebhook", "事件 %s 已处理", meta.EventID)
	}

	branch, err := e.branches.FindForEvent(meta.Host, meta.ProjectID, meta.TargetBranch)
	if err != nil {
		return err
	}

	switch ev := ev.(type) {
	case *webhook.MergeRequestOpened:
		return e.handleMergeRequest(ctx, task, branch, ev.Meta, ev.Kind())
	case *webhook.MergeRequestUpdated:
		return e.handleMergeRequest(ctx, task, branch, ev.Meta, ev.Kind())
	case *webhook.MergeRequestClosed:
		return e.handleClosed(ctx, task, branch, ev)
	case *webhook.CommentAdded:
		return e.handleComment(ctx, task, branch, ev)
	case *webhook.PipelineCompleted:
		return e.handlePipeline(ctx, task, branch, ev)
	}
	return bridgeerr.Newf(bridgeerr.KindMalformed, "BridgeEngine.HandleWebhook", "未知事件类型 %T", ev)
}

// finishEvent 在事务中记录事件已处理，生命周期事件同时推进序号
func (e *BridgeEngine) finishEvent(tx *gorm.DB, meta webhook.Meta, kind webhook.Kind, sub *models.BridgedSubmission) error {
	var subID uint
	if sub != nil {
		subID = sub.ID
		if lifecycleEvent(kind) && meta.Sequence > sub.LastSequence {
			sub.LastSequence = meta.Sequence
			if err := tx.Model(sub).Update("last_sequence", meta.Sequence).Error; err != nil {
				return bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.finishEvent", err)
			}
		}
	}
	_, err := e.subs.ClaimEvent(tx, meta.EventID, subID, string(kind), meta.Sequence)
	return err
}

func (e *BridgeEngine) claimOnly(meta webhook.Meta, kind webhook.Kind, sub *models.BridgedSubmission) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		return e.finishEvent(tx, meta, kind, sub)
	})
}

func (e *BridgeEngine) staleCheck(meta webhook.Meta, kind webhook.Kind, sub *models.BridgedSubmission) error {
	if sub != nil && lifecycleEvent(kind) && meta.Sequence <= sub.LastSequence {
		return bridgeerr.Newf(bridgeerr.KindStale, "BridgeEngine.staleCheck",
			"事件序号 %d 不大于已处理的 %d", meta.Sequence, sub.LastSequence)
	}
	return nil
}

// skipReason 不应桥接的合并请求返回原因
func (e *BridgeEngine) skipReason(mr *gitforge.MergeRequest) string {
	if mr.HasLabel(labelFromEmail) {
		return "from_email"
	}
	for _, label := range e.cfg.Bridge.DoNotBridgeLabels {
		if mr.HasLabel(label) {
			return "label:" + label
		}
	}
	if mr.IsDraft() {
		return "draft"
	}
	if mr.MergeStatus == "cannot_be_merged" {
		return "cannot_be_merged"
	}
	return ""
}

// handleMergeRequest 合并请求新建或更新：有新的提交范围时生成新版本邮件
func (e *BridgeEngine) handleMergeRequest(ctx context.Context, task *queue.TaskMessage, branch *models.Branch, meta webhook.Meta, kind webhook.Kind) error {
	log := e.taskLog(task).WithField("merge_request", meta.MergeRequestIID)

	sub, err := e.subs.FindByMergeRequest(e.db, branch.ID, meta.MergeRequestIID)
	if err != nil {
		return err
	}
	if err := e.staleCheck(meta, kind, sub); err != nil {
		return err
	}
	if !e.cfg.Bridge.MRToEmail {
		return e.claimOnly(meta, kind, sub)
	}
	if sub != nil && (sub.Origin == models.OriginEmail || sub.State == models.StateClosed) {
		return e.claimOnly(meta, kind, sub)
	}

	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return err
	}
	mr, err := client.GetMergeRequest(ctx, branch.ProjectID, meta.MergeRequestIID)
	if err != nil {
		return err
	}
	if !mr.IsOpen() {
		return e.claimOnly(meta, kind, sub)
	}

	if reason := e.skipReason(mr); reason != "" {
		log.WithField("reason", reason).Info("合并请求不桥接")
		if reason == "from_email" {
			return e.claimOnly(meta, kind, sub)
		}
		return e.recordSkip(task, branch, sub, mr, meta, kind, reason)
	}

	commits, err := client.ListMergeRequestCommits(ctx, branch.ProjectID, mr.IID)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return e.claimOnly(meta, kind, sub)
	}
	hash := rangeHash(commits)
	if sub != nil && sub.CommitRangeHash == hash && sub.SkipReason == "" {
		switch sub.State {
		case models.StateAwaitingPipeline, models.StateBridged, models.StateFailed:
			log.Debug("提交范围未变化")
			return e.claimOnly(meta, kind, sub)
		}
	}

	remote, err := e.branches.Remote(branch)
	if err != nil {
		return err
	}
	head, err := e.repos.FetchMergeRequest(ctx, remote, mr.IID)
	if err != nil {
		return err
	}

	if sub == nil {
		iid := mr.IID
		sub = &models.BridgedSubmission{
			BranchID:        branch.ID,
			MergeRequestIID: &iid,
			SeriesKey:       fmt.Sprintf("mr:%d", mr.IID),
			Origin:          models.OriginForge,
		}
	}
	sent, err := e.versionSent(sub)
	if err != nil {
		return err
	}

	var changes []StateChange
	err = e.db.Transaction(func(tx *gorm.DB) error {
		if sub.Version == 0 || (sent && sub.CommitRangeHash != hash) {
			sub.Version++
		}
		sub.SourceBranch = mr.SourceBranch
		sub.CommitRangeHash = hash
		sub.HeadSHA = head
		sub.Title = mr.Title
		sub.Submitter = mr.Author.Username
		sub.Labels = labelsJSON(mr.Labels)
		sub.SkipReason = ""
		change, err := e.subs.Transition(tx, sub, models.StateApplied, task.TaskID,
			fmt.Sprintf("第 %d 版，%d 个提交", sub.Version, len(commits)))
		if err != nil {
			return err
		}
		changes = append(changes, change)
		return nil
	})
	if err != nil {
		return err
	}
	e.subs.Publish(ctx, changes...)

	if e.branches.Gated(branch) {
		passed := mr.HeadPipeline != nil && mr.HeadPipeline.SHA == head && mr.HeadPipeline.Status == "success"
		if !passed {
			return e.finishWith(ctx, task, meta, kind, sub, models.StateAwaitingPipeline, "等待流水线结果")
		}
	}

	pipeline := ""
	if mr.HeadPipeline != nil && mr.HeadPipeline.SHA == head {
		pipeline = mr.HeadPipeline.Status
	}
	if err := e.sendSeries(ctx, branch, sub, mr, commits, pipeline); err != nil {
		return err
	}
	log.WithField("version", sub.Version).Info("合并请求已发送到邮件列表")
	return e.finishWith(ctx, task, meta, kind, sub, models.StateBridged, fmt.Sprintf("第 %d 版已发送", sub.Version))
}

// finishWith 转到最终状态并记录事件
func (e *BridgeEngine) finishWith(ctx context.Context, task *queue.TaskMessage, meta webhook.Meta, kind webhook.Kind, sub *models.BridgedSubmission, to, message string) error {
	var change StateChange
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if change, err = e.subs.Transition(tx, sub, to, task.TaskID, message); err != nil {
			return err
		}
		return e.finishEvent(tx, meta, kind, sub)
	})
	if err != nil {
		return err
	}
	e.subs.Publish(ctx, change)
	return nil
}

// versionSent 当前版本的封面信是否已发出
func (e *BridgeEngine) versionSent(sub *models.BridgedSubmission) (bool, error) {
	if sub.ID == 0 {
		return false, nil
	}
	var count int64
	err := e.db.Model(&models.BridgedMessage{}).
		Where("submission_id = ? AND kind = ? AND version = ?", sub.ID, models.MessageCover, sub.Version).
		Count(&count).Error
	return count > 0, err
}

// recordSkip 记录不桥接的原因，尚无提交时建一个待处理的提交
func (e *BridgeEngine) recordSkip(task *queue.TaskMessage, branch *models.Branch, sub *models.BridgedSubmission, mr *gitforge.MergeRequest, meta webhook.Meta, kind webhook.Kind, reason string) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		if sub == nil {
			iid := mr.IID
			sub = &models.BridgedSubmission{
				BranchID:        branch.ID,
				MergeRequestIID: &iid,
				SeriesKey:       fmt.Sprintf("mr:%d", mr.IID),
				Origin:          models.OriginForge,
				State:           models.StatePending,
				Title:           mr.Title,
				Submitter:       mr.Author.Username,
				SourceBranch:    mr.SourceBranch,
			}
			if err := tx.Omit(clause.Associations).Create(sub).Error; err != nil {
				return bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.recordSkip", err)
			}
		}
		if sub.SkipReason != reason {
			sub.SkipReason = reason
			if err := tx.Model(sub).Update("skip_reason", reason).Error; err != nil {
				return bridgeerr.New(bridgeerr.KindTransientInfra, "BridgeEngine.recordSkip", err)
			}
			if err := e.subs.Audit(tx, sub.ID, task.TaskID, models.AuditSkip, "合并请求不桥接: "+reason, nil); err != nil {
				return err
			}
		}
		return e.finishEvent(tx, meta, kind, sub)
	})
}

// sendSeries 生成并发送一个版本的封面信和补丁邮件，已发送的邮件跳过
func (e *BridgeEngine) sendSeries(ctx context.Context, branch *models.Branch, sub *models.BridgedSubmission, mr *gitforge.MergeRequest, commits []gitforge.Commit, pipeline string) error {
	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return err
	}
	project, err := client.GetProject(ctx, branch.ProjectID)
	if err != nil {
		return err
	}
	remote, err := e.branches.Remote(branch)
	if err != nil {
		return err
	}

	sent, err := e.subs.Messages(sub.ID, models.MessageCover, models.MessagePatch)
	if err != nil {
		return err
	}
	existing := make(map[string]string)
	var references []string
	previous := ""
	for _, m := range sent {
		switch {
		case m.Version == sub.Version && m.Kind == models.MessageCover:
			existing[patchmail.KindCover] = m.MessageID
		case m.Version == sub.Version:
			existing[m.CommitSHA] = m.MessageID
		case m.Version < sub.Version && m.Kind == models.MessageCover:
			references = append(references, m.MessageID)
			previous = m.MessageID
		}
	}

	infos := make([]patchmail.CommitInfo, 0, len(commits))
	for _, c := range commits {
		info := patchmail.CommitInfo{
			SHA:         c.ID,
			Title:       c.Title,
			Message:     c.Message,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
		}
		if len(commits) <= e.cfg.Bridge.MaxEmails {
			if info.Patch, err = e.repos.FormatPatch(ctx, remote, c.ID); err != nil {
				return err
			}
		}
		infos = append(infos, info)
	}

	emails := e.composer.ComposeSeries(patchmail.SeriesInput{
		ForgeHost:     branch.ForgeHost,
		ListAddress:   branch.ListAddress,
		SubjectPrefix: branch.SubjectPrefix,
		MergeRequest: patchmail.MergeRequestInfo{
			IID:         mr.IID,
			Title:       mr.Title,
			Description: mr.Description,
			WebURL:      mr.WebURL,
			ProjectURL:  project.WebURL,
			Author:      mr.Author.Username,
			Labels:      mr.Labels,
		},
		Version:        sub.Version,
		PreviousCover:  previous,
		References:     references,
		PipelineStatus: pipeline,
		Commits:        infos,
		Existing:       existing,
	})

	for _, email := range emails {
		rec := &models.BridgedMessage{
			SubmissionID: sub.ID,
			Version:      sub.Version,
			Kind:         email.Kind,
			MessageID:    email.Message.MessageID,
			InReplyTo:    email.Message.InReplyTo,
			CommitSHA:    email.CommitSHA,
			Subject:      email.Message.Subject,
		}
		if _, err := e.sendRecorded(ctx, rec, email.Message); err != nil {
			return err
		}
	}

	if sub.ThreadRootMsgID == "" && len(emails) > 0 {
		sub.ThreadRootMsgID = emails[0].Message.MessageID
	}
	return nil
}

// handleClosed 合并请求关闭或合并，提交终止
func (e *BridgeEngine) handleClosed(ctx context.Context, task *queue.TaskMessage, branch *models.Branch, ev *webhook.MergeRequestClosed) error {
	sub, err := e.subs.FindByMergeRequest(e.db, branch.ID, ev.MergeRequestIID)
	if err != nil {
		return err
	}
	if err := e.staleCheck(ev.Meta, ev.Kind(), sub); err != nil {
		return err
	}
	if sub == nil || sub.State == models.StateClosed {
		return e.claimOnly(ev.Meta, ev.Kind(), sub)
	}

	message := "合并请求已关闭"
	if ev.Merged {
		message = "合并请求已合并"
	}
	return e.finishWith(ctx, task, ev.Meta, ev.Kind(), sub, models.StateClosed, message)
}

// handlePipeline 等待中的提交在流水线成功后发送，失败时保持等待
func (e *BridgeEngine) handlePipeline(ctx context.Context, task *queue.TaskMessage, branch *models.Branch, ev *webhook.PipelineCompleted) error {
	log := e.taskLog(task).WithFields(map[string]interface{}{
		"merge_request": ev.MergeRequestIID,
		"sha":           ev.SHA,
		"status":        ev.Status,
	})

	sub, err := e.subs.FindByMergeRequest(e.db, branch.ID, ev.MergeRequestIID)
	if err != nil {
		return err
	}
	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return err
	}
	if sub == nil {
		// 邮件系列的合并请求刚创建，应用任务还没记录
		mr, err := client.GetMergeRequest(ctx, branch.ProjectID, ev.MergeRequestIID)
		if err != nil {
			return err
		}
		if mr.IsOpen() && strings.HasPrefix(mr.SourceBranch, emailBranchPrefix) {
			return bridgeerr.Newf(bridgeerr.KindTransientInfra, "BridgeEngine.handlePipeline", "合并请求 %d 的提交尚未记录", mr.IID)
		}
		return e.claimOnly(ev.Meta, ev.Kind(), nil)
	}

	if sub.State != models.StateAwaitingPipeline || ev.SHA != sub.HeadSHA {
		log.WithField("state", sub.State).Debug("不在等待该提交的流水线")
		return e.claimOnly(ev.Meta, ev.Kind(), sub)
	}

	if !ev.Succeeded() {
		err := e.db.Transaction(func(tx *gorm.DB) error {
			sub.LastPipelineStatus = ev.Status
			if err := tx.Model(sub).Update("last_pipeline_status", ev.Status).Error; err != nil {
				return err
			}
			if err := e.subs.Audit(tx, sub.ID, task.TaskID, models.AuditSkip, "流水线未通过: "+ev.Status, map[string]interface{}{
				"pipeline_id": ev.PipelineID,
				"sha":         ev.SHA,
			}); err != nil {
				return err
			}
			return e.finishEvent(tx, ev.Meta, ev.Kind(), sub)
		})
		if err != nil {
			return err
		}
		log.Info("流水线未通过，继续等待新的提交")
		return nil
	}

	if sub.Origin == models.OriginForge {
		mr, err := client.GetMergeRequest(ctx, branch.ProjectID, ev.MergeRequestIID)
		if err != nil {
			return err
		}
		commits, err := client.ListMergeRequestCommits(ctx, branch.ProjectID, ev.MergeRequestIID)
		if err != nil {
			return err
		}
		if rangeHash(commits) != sub.CommitRangeHash {
			log.Info("合并请求已有新的提交，忽略旧流水线")
			return e.claimOnly(ev.Meta, ev.Kind(), sub)
		}
		remote, err := e.branches.Remote(branch)
		if err != nil {
			return err
		}
		if _, err := e.repos.FetchMergeRequest(ctx, remote, ev.MergeRequestIID); err != nil {
			return err
		}
		if err := e.sendSeries(ctx, branch, sub, mr, commits, ev.Status); err != nil {
			return err
		}
	}

	sub.LastPipelineStatus = ev.Status
	log.Info("流水线通过")
	return e.finishWith(ctx, task, ev.Meta, ev.Kind(), sub, models.StateBridged, "流水线通过")
}

// handleComment 合并请求评论转为邮件回复，评审标记转为标签
func (e *BridgeEngine) handleComment(ctx context.Context, task *queue.TaskMessage, branch *models.Branch, ev *webhook.CommentAdded) error {
	if !e.cfg.Bridge.CommentBridging || ev.System || strings.EqualFold(ev.Author, e.cfg.Bridge.BotUsername) {
		return e.claimOnly(ev.Meta, ev.Kind(), nil)
	}
	sub, err := e.subs.FindByMergeRequest(e.db, branch.ID, ev.MergeRequestIID)
	if err != nil {
		return err
	}
	if sub == nil || (sub.State != models.StateBridged && sub.State != models.StateAwaitingPipeline) {
		return e.claimOnly(ev.Meta, ev.Kind(), sub)
	}
	done, err := e.subs.CommentBridged(sub.ID, ev.NoteID)
	if err != nil {
		return err
	}
	if done {
		return e.claimOnly(ev.Meta, ev.Kind(), sub)
	}

	client, err := e.forges.Get(branch.ForgeHost)
	if err != nil {
		return err
	}
	if labels := patchmail.LabelsForTags(patchmail.ParseReviewTags(ev.Body)); len(labels) > 0 {
		if err := client.AddLabels(ctx, branch.ProjectID, ev.MergeRequestIID, labels); err != nil {
			return err
		}
	}

	parent, refs, err := e.commentParent(sub, ev.CommitSHA)
	if err != nil {
		return err
	}
	if parent == nil {
		e.taskLog(task).WithField("submission_id", sub.ID).Warn("找不到评论要回复的邮件")
		return e.claimOnly(ev.Meta, ev.Kind(), sub)
	}

	webURL := ""
	if mr, err := client.GetMergeRequest(ctx, branch.ProjectID, ev.MergeRequestIID); err == nil {
		webURL = fmt.Sprintf("%s#note_%d", mr.WebURL, ev.NoteID)
	}
	msg := e.composer.ComposeComment(patchmail.CommentInput{
		ForgeHost:     branch.ForgeHost,
		ListAddress:   branch.ListAddress,
		Author:        ev.Author,
		Body:          ev.Body,
		NoteID:        ev.NoteID,
		WebURL:        webURL,
		ParentSubject: parent.Subject,
		ParentID:      parent.MessageID,
		References:    refs,
	})
	rec := &models.BridgedMessage{
		SubmissionID: sub.ID,
		Version:      sub.Version,
		Kind:         models.MessageComment,
		MessageID:    msg.MessageID,
		InReplyTo:    msg.InReplyTo,
		NoteID:       ev.NoteID,
		Subject:      msg.Subject,
	}
	if _, err := e.sendRecorded(ctx, rec, msg); err != nil {
		return err
	}
	return e.claimOnly(ev.Meta, ev.Kind(), sub)
}

// commentParent 评论回复到对应提交的补丁邮件，否则回复到最新的封面信或原始邮件
func (e *BridgeEngine) commentParent(sub *models.BridgedSubmission, commitSHA string) (*models.BridgedMessage, []string, error) {
	msgs, err := e.subs.Messages(sub.ID, models.MessageCover, models.MessagePatch, models.MessageInbound)
	if err != nil {
		return nil, nil, err
	}

	var parent, cover, root *models.BridgedMessage
	var refs []string
	for i := range msgs {
		m := &msgs[i]
		switch {
		case m.Kind == models.MessageCover:
			cover = m
			refs = append(refs, m.MessageID)
		case commitSHA != "" && m.CommitSHA != "" && strings.HasPrefix(m.CommitSHA, commitSHA):
			parent = m
		case m.Kind == models.MessageInbound && m.MessageID == sub.ThreadRootMsgID:
			root = m
		}
	}

	switch {
	case parent != nil:
	case cover != nil:
		parent = cover
	case root != nil:
		parent = root
	default:
		return nil, nil, nil
	}
	if parent.Kind == models.MessageInbound && sub.ThreadRootMsgID != "" {
		refs = append(refs, sub.ThreadRootMsgID)
	}
	if parent.Kind == models.MessagePatch && parent.InReplyTo != "" && !containsString(refs, parent.InReplyTo) {
		refs = append(refs, parent.InReplyTo)
	}
	return parent, refs, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ Repository = (*gitrepo.Manager)(nil)
