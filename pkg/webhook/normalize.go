package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05.000-07:00",
}

type gitlabUser struct {
	Username string `json:"username"`
}

type gitlabProject struct {
	ID     int64  `json:"id"`
	WebURL string `json:"web_url"`
}

type gitlabLabel struct {
	Title string `json:"title"`
}

type gitlabMergeRequestRef struct {
	IID          int64  `json:"iid"`
	TargetBranch string `json:"target_branch"`
	SourceBranch string `json:"source_branch"`
}

type gitlabPayload struct {
	ObjectKind       string                 `json:"object_kind"`
	User             gitlabUser             `json:"user"`
	ProjectID        int64                  `json:"project_id"`
	Project          gitlabProject          `json:"project"`
	Labels           []gitlabLabel          `json:"labels"`
	ObjectAttributes json.RawMessage        `json:"object_attributes"`
	MergeRequest     *gitlabMergeRequestRef `json:"merge_request"`
}

type gitlabMergeRequestAttrs struct {
	IID            int64  `json:"iid"`
	TargetBranch   string `json:"target_branch"`
	SourceBranch   string `json:"source_branch"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	State          string `json:"state"`
	Action         string `json:"action"`
	UpdatedAt      string `json:"updated_at"`
	URL            string `json:"url"`
	OldRev         string `json:"oldrev"`
	Draft          bool   `json:"draft"`
	WorkInProgress bool   `json:"work_in_progress"`
	MergeStatus    string `json:"merge_status"`
	LastCommit     struct {
		ID string `json:"id"`
	} `json:"last_commit"`
}

type gitlabNoteAttrs struct {
	ID           int64  `json:"id"`
	Note         string `json:"note"`
	NoteableType string `json:"noteable_type"`
	CommitID     string `json:"commit_id"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	System       bool   `json:"system"`
}

type gitlabPipelineAttrs struct {
	ID         int64  `json:"id"`
	SHA        string `json:"sha"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Normalize 将GitLab webhook负载转换为规范事件。
// 与桥接无关的事件（如审批、进行中的流水线）返回 nil, nil
func Normalize(forge *config.ForgeConfig, header http.Header, body []byte) (Event, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Normalize", err)
	}

	meta := Meta{
		EventID:   eventID(header, body),
		Forge:     forge.Name,
		Host:      forge.Host,
		ProjectID: payload.Project.ID,
		Actor:     payload.User.Username,
	}
	if meta.ProjectID == 0 {
		meta.ProjectID = payload.ProjectID
	}

	switch payload.ObjectKind {
	case "merge_request":
		return normalizeMergeRequest(meta, &payload)
	case "note":
		return normalizeNote(meta, &payload)
	case "pipeline":
		return normalizePipeline(meta, &payload)
	}
	return nil, nil
}

func normalizeMergeRequest(meta Meta, payload *gitlabPayload) (Event, error) {
	var attrs gitlabMergeRequestAttrs
	if err := json.Unmarshal(payload.ObjectAttributes, &attrs); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Normalize", err)
	}

	seq, err := sequence(attrs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	meta.MergeRequestIID = attrs.IID
	meta.TargetBranch = attrs.TargetBranch
	meta.Sequence = seq

	mr := MergeRequest{
		Title:        attrs.Title,
		Description:  attrs.Description,
		SourceBranch: attrs.SourceBranch,
		HeadSHA:      attrs.LastCommit.ID,
		WebURL:       attrs.URL,
		Author:       payload.User.Username,
		Draft:        attrs.Draft || attrs.WorkInProgress,
		MergeStatus:  attrs.MergeStatus,
	}
	for _, l := range payload.Labels {
		mr.Labels = append(mr.Labels, l.Title)
	}

	switch attrs.Action {
	case "open", "reopen":
		return &MergeRequestOpened{Meta: meta, MergeRequest: mr}, nil
	case "update":
		return &MergeRequestUpdated{Meta: meta, MergeRequest: mr, OldRev: attrs.OldRev}, nil
	case "close", "merge":
		return &MergeRequestClosed{Meta: meta, Merged: attrs.Action == "merge"}, nil
	}
	return nil, nil
}

func normalizeNote(meta Meta, payload *gitlabPayload) (Event, error) {
	var attrs gitlabNoteAttrs
	if err := json.Unmarshal(payload.ObjectAttributes, &attrs); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Normalize", err)
	}
	if attrs.NoteableType != "MergeRequest" || payload.MergeRequest == nil {
		return nil, nil
	}

	ts := attrs.CreatedAt
	if ts == "" {
		ts = attrs.UpdatedAt
	}
	seq, err := sequence(ts)
	if err != nil {
		return nil, err
	}
	meta.MergeRequestIID = payload.MergeRequest.IID
	meta.TargetBranch = payload.MergeRequest.TargetBranch
	meta.Sequence = seq

	return &CommentAdded{
		Meta:      meta,
		NoteID:    attrs.ID,
		Author:    payload.User.Username,
		Body:      attrs.Note,
		CommitSHA: attrs.CommitID,
		System:    attrs.System,
	}, nil
}

func normalizePipeline(meta Meta, payload *gitlabPayload) (Event, error) {
	var attrs gitlabPipelineAttrs
	if err := json.Unmarshal(payload.ObjectAttributes, &attrs); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "webhook.Normalize", err)
	}
	switch attrs.Status {
	case "success", "failed", "canceled":
	default:
		return nil, nil
	}
	// 只关心合并请求流水线
	if payload.MergeRequest == nil {
		return nil, nil
	}

	ts := attrs.FinishedAt
	if ts == "" {
		ts = attrs.UpdatedAt
	}
	seq, err := sequence(ts)
	if err != nil {
		return nil, err
	}
	meta.MergeRequestIID = payload.MergeRequest.IID
	meta.TargetBranch = payload.MergeRequest.TargetBranch
	meta.Sequence = seq

	return &PipelineCompleted{
		Meta:       meta,
		PipelineID: attrs.ID,
		SHA:        attrs.SHA,
		Status:     attrs.Status,
	}, nil
}

// eventID forge提供的事件UUID，缺失时使用请求体摘要，使重复投递得到相同ID
func eventID(header http.Header, body []byte) string {
	if id := strings.TrimSpace(header.Get(HeaderEventUUID)); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func sequence(ts string) (int64, error) {
	if ts == "" {
		return 0, bridgeerr.Newf(bridgeerr.KindMalformed, "webhook.Normalize", "事件缺少时间戳")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UnixMicro(), nil
		}
	}
	return 0, bridgeerr.Newf(bridgeerr.KindMalformed, "webhook.Normalize", "无法解析时间戳: %s", ts)
}
