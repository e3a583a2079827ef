package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patchbridge/internal/models"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/queue"
	"patchbridge/pkg/webhook"

	"gorm.io/gorm"
)

// OnDeadLetter 任务进入死信前调用：写审计记录，
// 需要提交者处理的错误把提交标记为失败并发送通知
func (e *BridgeEngine) OnDeadLetter(ctx context.Context, task *queue.TaskMessage, cause error) {
	kind := bridgeerr.KindOf(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = bridgeerr.KindBridgeFailed
	}
	log := e.taskLog(task).WithField("kind", kind.String())

	sub, bufferKey := e.submissionForTask(task)
	var subID uint
	if sub != nil {
		subID = sub.ID
	}
	if err := e.subs.Audit(e.db, subID, task.TaskID, models.AuditDeadLetter, cause.Error(), map[string]interface{}{
		"task_type": task.TaskType,
		"attempt":   task.Attempt,
		"kind":      kind.String(),
	}); err != nil {
		log.WithError(err).Error("写死信审计记录失败")
	}

	switch kind {
	case bridgeerr.KindAuthenticationFailed, bridgeerr.KindConfigurationError:
		log.WithError(cause).Error("桥接配置错误，需要运维处理")
		return
	}
	if !kind.UserFacing() {
		log.WithError(cause).Error("任务失败")
		return
	}

	if sub == nil {
		if bufferKey != "" {
			e.failBuffer(ctx, task, bufferKey, kind, cause)
		}
		return
	}
	if sub.State == models.StateBridged || sub.IsTerminal() {
		log.WithField("state", sub.State).Warn("提交已是稳定状态，只记录失败")
		return
	}
	if err := e.failSubmission(ctx, task, sub, kind, cause); err != nil {
		log.WithError(err).Error("标记提交失败时出错")
	}
	if bufferKey != "" {
		if err := e.buffer.Discard(nil, bufferKey); err != nil {
			log.WithError(err).Warn("清理缓冲区失败")
		}
	}
}

// failSubmission 标记失败并通知
func (e *BridgeEngine) failSubmission(ctx context.Context, task *queue.TaskMessage, sub *models.BridgedSubmission, kind bridgeerr.Kind, cause error) error {
	var change StateChange
	err := e.db.Transaction(func(tx *gorm.DB) error {
		sub.FailureKind = kind.String()
		sub.FailureMessage = cause.Error()
		var err error
		change, err = e.subs.Transition(tx, sub, models.StateFailed, task.TaskID, cause.Error())
		return err
	})
	if err != nil {
		return err
	}
	e.subs.Publish(ctx, change)

	branch, err := e.branches.GetByID(sub.BranchID)
	if err != nil {
		return err
	}
	return e.notify(ctx, branch, sub, failureReason(kind), cause.Error())
}

// failBuffer 提交尚未建立时应用失败：通知作者并清理缓冲区
func (e *BridgeEngine) failBuffer(ctx context.Context, task *queue.TaskMessage, bufferKey string, kind bridgeerr.Kind, cause error) {
	log := e.taskLog(task).WithField("buffer_key", bufferKey)
	series, branchID, err := e.buffer.Assemble(bufferKey)
	if err != nil || series == nil {
		return
	}
	branch, err := e.branches.GetByID(branchID)
	if err != nil {
		log.WithError(err).Warn("分支不存在")
		return
	}
	lead := series.Lead()
	target := noticeTarget{
		To:            []string{lead.Author()},
		Cc:            []string{branch.ListAddress},
		ParentSubject: lead.Subject,
		ParentID:      lead.MessageID,
		References:    []string{lead.ThreadRoot()},
	}
	if err := e.sendNotice(ctx, nil, target, failureReason(kind), cause.Error()); err != nil {
		log.WithError(err).Warn("发送失败通知失败")
	}
	if err := e.buffer.Discard(nil, bufferKey); err != nil {
		log.WithError(err).Warn("清理缓冲区失败")
	}
}

func failureReason(kind bridgeerr.Kind) string {
	switch kind {
	case bridgeerr.KindPatchApplyFailed:
		return "The patch series could not be applied to the target branch."
	case bridgeerr.KindConcurrentUpdateConflict:
		return "The series branch was updated by someone else while it was being bridged."
	case bridgeerr.KindPartialSeriesTimeout:
		return "The patch series did not arrive completely before the timeout."
	case bridgeerr.KindMalformed:
		return "The message could not be parsed."
	}
	return "Bridging failed after repeated attempts."
}

// submissionForTask 找到任务所属的提交。应用任务同时返回缓冲区键
func (e *BridgeEngine) submissionForTask(task *queue.TaskMessage) (*models.BridgedSubmission, string) {
	switch task.TaskType {
	case queue.TaskInboundEmailApply:
		var p ApplyPayload
		if decodePayload(task, &p) != nil {
			return nil, ""
		}
		series, _, err := e.buffer.Assemble(p.BufferKey)
		if err != nil || series == nil {
			return nil, p.BufferKey
		}
		sub, _ := e.subs.FindOpenSeries(e.db, p.BranchID, series.Key())
		return sub, p.BufferKey

	case queue.TaskOutboundWebhook:
		ev, err := webhook.Decode(task.Payload)
		if err != nil {
			return nil, ""
		}
		meta := ev.Metadata()
		branch, err := e.branches.FindForEvent(meta.Host, meta.ProjectID, meta.TargetBranch)
		if err != nil {
			return nil, ""
		}
		sub, _ := e.subs.FindByMergeRequest(e.db, branch.ID, meta.MergeRequestIID)
		return sub, ""

	case queue.TaskInboundComment:
		var p InboundCommentPayload
		if decodePayload(task, &p) != nil {
			return nil, ""
		}
		sub, _ := e.subs.GetByID(p.SubmissionID)
		return sub, ""

	case queue.TaskPipelineTimeout:
		var p PipelineTimeoutPayload
		if decodePayload(task, &p) != nil {
			return nil, ""
		}
		sub, _ := e.subs.GetByID(p.SubmissionID)
		return sub, ""
	}
	return nil, ""
}

// HandlePipelineTimeout 等待流水线超过最长时间：提交失败并通知
func (e *BridgeEngine) HandlePipelineTimeout(ctx context.Context, task *queue.TaskMessage) error {
	var p PipelineTimeoutPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	sub, err := e.subs.GetByID(p.SubmissionID)
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			return nil
		}
		return err
	}
	if sub.State != models.StateAwaitingPipeline || sub.HeadSHA != p.HeadSHA {
		return nil
	}

	cause := bridgeerr.Newf(bridgeerr.KindBridgeFailed, "BridgeEngine.HandlePipelineTimeout",
		"流水线在 %s 内没有结果", e.cfg.Bridge.PipelineMaxWait)
	var change StateChange
	err = e.db.Transaction(func(tx *gorm.DB) error {
		sub.FailureKind = "pipeline_timeout"
		sub.FailureMessage = cause.Error()
		var err error
		change, err = e.subs.Transition(tx, sub, models.StateFailed, task.TaskID, cause.Error())
		return err
	})
	if err != nil {
		return err
	}
	e.subs.Publish(ctx, change)

	reason := fmt.Sprintf("No CI pipeline result arrived for %s within %s; the revision was not bridged.",
		shortSHA(sub.HeadSHA), e.cfg.Bridge.PipelineMaxWait)
	return e.notify(ctx, &sub.Branch, sub, reason, "")
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// ExpireSeries 为超过缓冲时间的系列安排一次部分应用
func (e *BridgeEngine) ExpireSeries(ctx context.Context, now time.Time) (int, error) {
	keys, err := e.buffer.Expired(now.Add(-e.cfg.Bridge.SeriesTimeout))
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, key := range keys {
		parts, err := e.buffer.Parts(key)
		if err != nil || len(parts) == 0 {
			continue
		}
		if _, err := e.enqueueApply(ctx, parts[0].BranchID, key, true); err != nil {
			e.log.WithError(err).WithField("buffer_key", key).Warn("安排缓冲超时任务失败")
			continue
		}
		if err := e.buffer.Touch(key, now); err != nil {
			e.log.WithError(err).WithField("buffer_key", key).Warn("刷新缓冲区时间失败")
		}
		scheduled++
	}
	return scheduled, nil
}

// ExpirePipelines 为等待流水线超时的提交安排超时任务
func (e *BridgeEngine) ExpirePipelines(ctx context.Context, now time.Time) (int, error) {
	subs, err := e.subs.AwaitingExpired(now.Add(-e.cfg.Bridge.PipelineMaxWait))
	if err != nil {
		return 0, err
	}
	for i := range subs {
		sub := &subs[i]
		if _, err := e.enqueue(ctx, queue.TaskPipelineTimeout, submissionLockKey(sub), "pipeline_timeout",
			PipelineTimeoutPayload{SubmissionID: sub.ID, HeadSHA: sub.HeadSHA}); err != nil {
			return 0, err
		}
	}
	return len(subs), nil
}
