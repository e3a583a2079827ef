package patchmail

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"patchbridge/pkg/mailer"

	"github.com/google/uuid"
)

// 邮件种类
const (
	KindCover  = "cover"
	KindPatch  = "patch"
	KindReply  = "comment"
	KindNotice = "notice"
)

// bigSeriesTemplate 提交数超过上限时，封面信改为拉取说明
const bigSeriesTemplate = `%s
Note:

The patch series is too large to send by email.

To review the series locally, set up your repository to fetch from the
forge remote:

  $ git remote add forge %s
  $ git config remote.forge.fetch '+refs/merge-requests/*/head:refs/remotes/forge/merge-requests/*'
  $ git fetch forge

Finally, check out the merge request:

  $ git checkout forge/merge-requests/%d

It is also possible to review the merge request at:
    %s
`

// Options 邮件生成参数
type Options struct {
	FromTemplate    string // {forge_user} 会被替换为forge用户名
	MessageIDDomain string
	WrapWidth       int
	MaxEmails       int
	CCDomains       []string
	BotName         string
}

// Composer 生成外发邮件
type Composer struct {
	opts  Options
	now   func() time.Time
	newID func() string
}

// NewComposer 创建邮件生成器
func NewComposer(opts Options) *Composer {
	c := &Composer{opts: opts, now: time.Now}
	c.newID = func() string {
		return fmt.Sprintf("<%s@%s>", uuid.New().String(), opts.MessageIDDomain)
	}
	return c
}

// MergeRequestInfo 生成封面信所需的合并请求信息
type MergeRequestInfo struct {
	IID         int64
	Title       string
	Description string
	WebURL      string
	ProjectURL  string
	Author      string // forge用户名
	Labels      []string
}

// CommitInfo 单个提交
type CommitInfo struct {
	SHA         string
	Title       string
	Message     string
	AuthorName  string
	AuthorEmail string
	Patch       string // git format-patch 输出
}

// SeriesInput 一个版本的合并请求
type SeriesInput struct {
	ForgeHost      string
	ListAddress    string
	SubjectPrefix  string
	MergeRequest   MergeRequestInfo
	Version        int
	PreviousCover  string   // 上一版本封面信
	References     []string // 之前所有版本的封面信，按时间顺序
	PipelineStatus string
	Commits        []CommitInfo
	// Existing 本版本已发出邮件的Message-ID，键为 KindCover 或提交SHA。
	// 部分发送失败后重试时沿用，保证线程关系不变
	Existing map[string]string
}

// Email 一封生成的邮件
type Email struct {
	Kind      string
	CommitSHA string
	Message   *mailer.Message
}

// From 根据模板生成发件人
func (c *Composer) From(forgeUser string) string {
	return strings.ReplaceAll(c.opts.FromTemplate, "{forge_user}", forgeUser)
}

func (c *Composer) messageID(existing map[string]string, key string) string {
	if id, ok := existing[key]; ok && id != "" {
		return id
	}
	return c.newID()
}

// Subject 生成 "[PREFIX PATCH vN i/M] title"
func Subject(prefix string, version, index, total int, title string) string {
	tag := "PATCH"
	if prefix != "" {
		tag = prefix + " PATCH"
	}
	return fmt.Sprintf("[%s v%d %d/%d] %s", tag, version, index, total, strings.Join(strings.Fields(title), " "))
}

// ComposeSeries 生成封面信和每个提交的补丁邮件。
// 封面信回复上一版本的封面信，补丁邮件回复本版本的封面信
func (c *Composer) ComposeSeries(in SeriesInput) []Email {
	mr := in.MergeRequest
	total := len(in.Commits)
	version := in.Version
	if version < 1 {
		version = 1
	}
	from := c.From(mr.Author)
	ccs := MergeRequestCCs(mr.Description, mr.Labels, c.opts.CCDomains)

	coverID := c.messageID(in.Existing, KindCover)
	coverRefs := append([]string{}, in.References...)
	if in.PreviousCover != "" && !contains(coverRefs, in.PreviousCover) {
		coverRefs = append(coverRefs, in.PreviousCover)
	}

	description := strings.TrimSpace(Wrap(mr.Description, c.opts.WrapWidth))
	if description == "" {
		description = "No description provided for merge request."
	}
	body := fmt.Sprintf("From: %s on %s\n\n%s\n", mr.Author, in.ForgeHost, description)
	if in.PipelineStatus != "" {
		body += fmt.Sprintf("\nPipeline: %s\n", in.PipelineStatus)
	}

	cover := &mailer.Message{
		From:       from,
		To:         []string{in.ListAddress},
		Subject:    Subject(in.SubjectPrefix, version, 0, total, mr.Title),
		MessageID:  coverID,
		InReplyTo:  in.PreviousCover,
		References: coverRefs,
		Date:       c.now(),
		Headers: map[string]string{
			HeaderMergeRequest: mr.WebURL,
			HeaderVersion:      strconv.Itoa(version),
		},
	}

	if total > c.opts.MaxEmails {
		cover.Body = fmt.Sprintf(bigSeriesTemplate, body, mr.ProjectURL+".git", mr.IID, mr.WebURL)
		cover.Cc = ccs
		return []Email{{Kind: KindCover, Message: cover}}
	}
	cover.Body = body + fmt.Sprintf("\n%s\n", mr.WebURL)

	emails := []Email{{Kind: KindCover, Message: cover}}
	patchRefs := append(append([]string{}, coverRefs...), coverID)
	for i, commit := range in.Commits {
		patchCCs := mergeAddresses(CommitCCs(commit.AuthorEmail, commit.Message, c.opts.CCDomains), ccs)
		cover.Cc = mergeAddresses(cover.Cc, patchCCs)

		author := (&mail.Address{Name: commit.AuthorName, Address: commit.AuthorEmail}).String()
		emails = append(emails, Email{
			Kind:      KindPatch,
			CommitSHA: commit.SHA,
			Message: &mailer.Message{
				From:       from,
				To:         []string{in.ListAddress},
				Cc:         patchCCs,
				Subject:    Subject(in.SubjectPrefix, version, i+1, total, commit.Title),
				MessageID:  c.messageID(in.Existing, commit.SHA),
				InReplyTo:  coverID,
				References: patchRefs,
				Date:       c.now(),
				Headers: map[string]string{
					HeaderMergeRequest: mr.WebURL,
					HeaderVersion:      strconv.Itoa(version),
					HeaderCommit:       commit.SHA,
					HeaderPatchAuthor:  author,
				},
				Body: fmt.Sprintf("From: %s\n\n%s", author, wrapCommitMessage(patchBody(commit.Patch), c.opts.WrapWidth)),
			},
		})
	}
	return emails
}

// patchBody 取出format-patch输出的正文部分
func patchBody(patch string) string {
	text := patch
	if strings.HasPrefix(text, "From ") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
	}
	msg, err := mail.ReadMessage(strings.NewReader(text))
	if err != nil {
		return patch
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, msg.Body); err != nil {
		return patch
	}
	return buf.String()
}

// CommentInput forge评论转为邮件回复
type CommentInput struct {
	ForgeHost     string
	ListAddress   string
	Author        string
	Body          string
	NoteID        int64
	WebURL        string
	ParentSubject string
	ParentID      string
	References    []string
}

// ComposeComment 生成回复到父邮件线程中的评论邮件，评审标记原样保留
func (c *Composer) ComposeComment(in CommentInput) *mailer.Message {
	refs := append([]string{}, in.References...)
	if in.ParentID != "" && !contains(refs, in.ParentID) {
		refs = append(refs, in.ParentID)
	}

	body := fmt.Sprintf("From: %s on %s\n\n%s\n", in.Author, in.ForgeHost, strings.TrimSpace(Wrap(in.Body, c.opts.WrapWidth)))
	if in.WebURL != "" {
		body += fmt.Sprintf("\n--\n%s\n", in.WebURL)
	}

	return &mailer.Message{
		From:       c.From(in.Author),
		To:         []string{in.ListAddress},
		Subject:    ReplySubject(in.ParentSubject),
		MessageID:  c.newID(),
		InReplyTo:  in.ParentID,
		References: refs,
		Date:       c.now(),
		Headers: map[string]string{
			HeaderComment:      strconv.FormatInt(in.NoteID, 10),
			HeaderMergeRequest: in.WebURL,
		},
		Body: body,
	}
}

// NoticeInput 发给提交者的失败通知
type NoticeInput struct {
	To            []string
	Cc            []string
	ParentSubject string
	ParentID      string
	References    []string
	Reason        string
	Detail        string
}

// ComposeNotice 生成失败通知，回复到原邮件线程中
func (c *Composer) ComposeNotice(in NoticeInput) *mailer.Message {
	refs := append([]string{}, in.References...)
	if in.ParentID != "" && !contains(refs, in.ParentID) {
		refs = append(refs, in.ParentID)
	}

	var body strings.Builder
	body.WriteString(Wrap(in.Reason, c.opts.WrapWidth))
	body.WriteString("\n")
	if detail := strings.TrimSpace(in.Detail); detail != "" {
		body.WriteString("\n")
		for _, line := range strings.Split(detail, "\n") {
			body.WriteString("  ")
			body.WriteString(line)
			body.WriteString("\n")
		}
	}

	bot := c.opts.BotName
	if bot == "" {
		bot = "patchbridge"
	}
	return &mailer.Message{
		From:       c.From(bot),
		To:         in.To,
		Cc:         in.Cc,
		Subject:    ReplySubject(in.ParentSubject),
		MessageID:  c.newID(),
		InReplyTo:  in.ParentID,
		References: refs,
		Date:       c.now(),
		Headers:    map[string]string{HeaderNotice: "1"},
		Body:       body.String(),
	}
}

// ReplySubject 加上唯一的 "Re: " 前缀
func ReplySubject(subject string) string {
	rest := subject
	for {
		loc := replyPrefixRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		rest = rest[loc[1]:]
	}
	return "Re: " + strings.TrimSpace(rest)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
