package webhook

import (
	"encoding/json"
	"fmt"

	bridgeerr "patchbridge/pkg/errors"
)

// Kind 规范化后的事件类型
type Kind string

const (
	KindMergeRequestOpened  Kind = "merge_request_opened"
	KindMergeRequestUpdated Kind = "merge_request_updated"
	KindMergeRequestClosed  Kind = "merge_request_closed"
	KindCommentAdded        Kind = "comment_added"
	KindPipelineCompleted   Kind = "pipeline_completed"
)

// Meta 所有事件共有的字段
type Meta struct {
	EventID         string `json:"event_id"`
	Forge           string `json:"forge"`
	Host            string `json:"host"`
	ProjectID       int64  `json:"project_id"`
	MergeRequestIID int64  `json:"merge_request_iid"`
	TargetBranch    string `json:"target_branch"`
	Sequence        int64  `json:"sequence"` // 事件时间戳（微秒），用于丢弃乱序的旧事件
	Actor           string `json:"actor"`
}

// Event 封闭的事件类型集合，只能是本包定义的几种
type Event interface {
	Kind() Kind
	Metadata() Meta
	isEvent()
}

// MergeRequest 事件中携带的合并请求快照
type MergeRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	SourceBranch string   `json:"source_branch"`
	HeadSHA      string   `json:"head_sha"`
	WebURL       string   `json:"web_url"`
	Author       string   `json:"author"`
	Labels       []string `json:"labels"`
	Draft        bool     `json:"draft"`
	MergeStatus  string   `json:"merge_status"`
}

// MergeRequestOpened 合并请求被创建或重新打开
type MergeRequestOpened struct {
	Meta
	MergeRequest MergeRequest `json:"merge_request"`
}

// MergeRequestUpdated 合并请求被更新（新推送、标签、标题等）
type MergeRequestUpdated struct {
	Meta
	MergeRequest MergeRequest `json:"merge_request"`
	OldRev       string       `json:"old_rev"`
}

// MergeRequestClosed 合并请求被关闭或合并
type MergeRequestClosed struct {
	Meta
	Merged bool `json:"merged"`
}

// CommentAdded 合并请求上的新评论
type CommentAdded struct {
	Meta
	NoteID    int64  `json:"note_id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CommitSHA string `json:"commit_sha"` // 针对某个提交的评论
	System    bool   `json:"system"`
}

// PipelineCompleted 合并请求的流水线结束
type PipelineCompleted struct {
	Meta
	PipelineID int64  `json:"pipeline_id"`
	SHA        string `json:"sha"`
	Status     string `json:"status"`
}

// Succeeded 流水线是否成功
func (e *PipelineCompleted) Succeeded() bool {
	return e.Status == "success"
}

func (e *MergeRequestOpened) Kind() Kind  { return KindMergeRequestOpened }
func (e *MergeRequestUpdated) Kind() Kind { return KindMergeRequestUpdated }
func (e *MergeRequestClosed) Kind() Kind  { return KindMergeRequestClosed }
func (e *CommentAdded) Kind() Kind        { return KindCommentAdded }
func (e *PipelineCompleted) Kind() Kind   { return KindPipelineCompleted }

func (m Meta) Metadata() Meta { return m }

func (*MergeRequestOpened) isEvent()  {}
func (*MergeRequestUpdated) isEvent() {}
func (*MergeRequestClosed) isEvent()  {}
func (*CommentAdded) isEvent()        {}
func (*PipelineCompleted) isEvent()   {}

type envelope struct {
	Kind  Kind            `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// Encode 序列化事件，作为任务负载
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Event: data})
}

// Decode 反序列化Encode的结果
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Decode", err)
	}

	var ev Event
	switch env.Kind {
	case KindMergeRequestOpened:
		ev = &MergeRequestOpened{}
	case KindMergeRequestUpdated:
		ev = &MergeRequestUpdated{}
	case KindMergeRequestClosed:
		ev = &MergeRequestClosed{}
	case KindCommentAdded:
		ev = &CommentAdded{}
	case KindPipelineCompleted:
		ev = &PipelineCompleted{}
	default:
		return nil, bridgeerr.Newf(bridgeerr.KindMalformed, "webhook.Decode", "未知事件类型: %s", env.Kind)
	}
	if err := json.Unmarshal(env.Event, ev); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Decode", err)
	}
	return ev, nil
}

// String 日志中的简短描述
func String(ev Event) string {
	m := ev.Metadata()
	return fmt.Sprintf("%s %s!%d", ev.Kind(), m.Host, m.MergeRequestIID)
}
