package patchmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	bridgeerr "patchbridge/pkg/errors"
)

// 桥接程序自己发出的邮件带有这些头部，收到时不再桥接回forge
const (
	HeaderMergeRequest = "X-Patchbridge-Merge-Request"
	HeaderComment      = "X-Patchbridge-Comment"
	HeaderCommit       = "X-Patchbridge-Commit"
	HeaderVersion      = "X-Patchbridge-Series-Version"
	HeaderPatchAuthor  = "X-Patchbridge-Patch-Author"
	HeaderNotice       = "X-Patchbridge-Notice"
	HeaderSeries       = "X-Series"
)

var (
	replyPrefixRe = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw)\s*:\s*`)
	bracketRe     = regexp.MustCompile(`^\s*\[([^\]]*)\]`)
	versionRe     = regexp.MustCompile(`^[vV](\d+)$`)
	positionRe    = regexp.MustCompile(`^(\d+)/(\d+)$`)
	msgIDRe       = regexp.MustCompile(`<[^<>\s]+>`)
)

// Patch 解析后的一封补丁（或封面信、回复）邮件
type Patch struct {
	MessageID     string
	InReplyTo     string
	References    []string
	Subject       string
	Title         string   // 去掉回复前缀和方括号后的标题
	Tags          []string // 方括号中的其他标记，如 RFC、子系统名
	Version       int
	Position      int // 0 表示封面信
	Total         int
	IsPatch       bool
	IsReply       bool
	AuthorName    string
	AuthorEmail   string
	Date          time.Time
	Body          string
	CommitMessage string
	Diff          string
	SeriesHeader  string
	FromBridge    bool
}

// IsCover 是否为系列的封面信
func (p *Patch) IsCover() bool {
	return p.IsPatch && p.Position == 0
}

// ThreadRoot 所在邮件线程的根Message-ID
func (p *Patch) ThreadRoot() string {
	switch {
	case p.SeriesHeader != "":
		return p.SeriesHeader
	case len(p.References) > 0:
		return p.References[0]
	case p.InReplyTo != "":
		return p.InReplyTo
	}
	return p.MessageID
}

// BufferKey 缓冲区键：同一线程同一版本的所有部分
func (p *Patch) BufferKey() string {
	return fmt.Sprintf("%s:v%d", p.ThreadRoot(), p.Version)
}

// Author 作者地址的展示形式
func (p *Patch) Author() string {
	return (&mail.Address{Name: p.AuthorName, Address: p.AuthorEmail}).String()
}

// ParseMessage 解析一封RFC 5322邮件
func ParseMessage(raw []byte) (*Patch, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "patchmail.ParseMessage", err)
	}

	p := &Patch{
		MessageID:    firstMsgID(msg.Header.Get("Message-ID")),
		InReplyTo:    firstMsgID(msg.Header.Get("In-Reply-To")),
		References:   msgIDRe.FindAllString(msg.Header.Get("References"), -1),
		SeriesHeader: strings.TrimSpace(msg.Header.Get(HeaderSeries)),
		FromBridge:   msg.Header.Get(HeaderMergeRequest) != "" || msg.Header.Get(HeaderComment) != "" || msg.Header.Get(HeaderNotice) != "",
	}
	if p.MessageID == "" {
		return nil, bridgeerr.Newf(bridgeerr.KindMalformed, "patchmail.ParseMessage", "缺少Message-ID")
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}
	p.Subject = strings.Join(strings.Fields(subject), " ")
	parseSubject(p)

	if from, err := msg.Header.AddressList("From"); err == nil && len(from) > 0 {
		p.AuthorName, p.AuthorEmail = from[0].Name, from[0].Address
	}
	if date, err := mail.ParseDate(msg.Header.Get("Date")); err == nil {
		p.Date = date
	}

	body, err := decodeBody(msg)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindMalformed, "patchmail.ParseMessage", err)
	}
	p.Body = strings.ReplaceAll(body, "\r\n", "\n")
	splitBody(p)

	switch {
	case p.IsReply:
		// 对补丁的回复是评论
		p.IsPatch = false
	case p.Diff != "":
		p.IsPatch = true
	}
	if p.IsPatch && p.Total == 0 {
		p.Position, p.Total = 1, 1
	}
	return p, nil
}

func firstMsgID(value string) string {
	return msgIDRe.FindString(value)
}

// parseSubject 解析 "[RFC PATCH v2 1/3] title" 形式的主题
func parseSubject(p *Patch) {
	rest := p.Subject
	for {
		loc := replyPrefixRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		p.IsReply = true
		rest = rest[loc[1]:]
	}

	p.Version = 1
	for {
		m := bracketRe.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		inner := rest[m[2]:m[3]]
		rest = rest[m[1]:]
		for _, tok := range strings.FieldsFunc(inner, func(r rune) bool { return r == ' ' || r == ',' }) {
			classifyToken(p, tok)
		}
	}
	p.Title = strings.TrimSpace(rest)
}

func classifyToken(p *Patch, tok string) {
	upper := strings.ToUpper(tok)
	if strings.HasPrefix(upper, "PATCH") {
		p.IsPatch = true
		if v := versionRe.FindStringSubmatch(tok[len("PATCH"):]); v != nil {
			p.Version, _ = strconv.Atoi(v[1])
		}
		return
	}
	if v := versionRe.FindStringSubmatch(tok); v != nil {
		p.Version, _ = strconv.Atoi(v[1])
		return
	}
	if pos := positionRe.FindStringSubmatch(tok); pos != nil {
		p.Position, _ = strconv.Atoi(pos[1])
		p.Total, _ = strconv.Atoi(pos[2])
		return
	}
	p.Tags = append(p.Tags, tok)
}

// splitBody 拆出提交说明和diff
func splitBody(p *Patch) {
	lines := strings.Split(p.Body, "\n")

	start := 0
	// 正文开头的 "From:" 行表示真正的作者
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start < len(lines) && strings.HasPrefix(lines[start], "From: ") {
		if addr, err := mail.ParseAddress(strings.TrimPrefix(lines[start], "From: ")); err == nil {
			p.AuthorName, p.AuthorEmail = addr.Name, addr.Address
			start++
		}
	}

	msgEnd, diffStart, diffEnd := -1, -1, len(lines)
	for i := start; i < len(lines); i++ {
		line := lines[i]
		switch {
		case msgEnd < 0 && diffStart < 0 && line == "---":
			msgEnd = i
		case diffStart < 0 && (strings.HasPrefix(line, "diff --git ") || strings.HasPrefix(line, "Index: ")):
			diffStart = i
			if msgEnd < 0 {
				msgEnd = i
			}
		case diffStart >= 0 && line == "-- ":
			diffEnd = i
		}
		if diffEnd != len(lines) {
			break
		}
	}

	if msgEnd < 0 {
		msgEnd = len(lines)
	}
	p.CommitMessage = strings.TrimSpace(strings.Join(lines[start:msgEnd], "\n"))
	if diffStart >= 0 {
		p.Diff = strings.Join(lines[diffStart:diffEnd], "\n")
	}
}

// decodeBody 取出text/plain正文并处理传输编码
func decodeBody(msg *mail.Message) (string, error) {
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		reader := multipart.NewReader(msg.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return "", fmt.Errorf("邮件中没有text/plain部分")
			}
			if err != nil {
				return "", err
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if partType == "" || partType == "text/plain" {
				return readEncoded(part, part.Header.Get("Content-Transfer-Encoding"))
			}
		}
	}

	return readEncoded(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
}

func readEncoded(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// newlineStripper 去掉base64正文中的换行
type newlineStripper struct {
	r io.Reader
}

func (s *newlineStripper) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	out := 0
	for i := 0; i < n; i++ {
		if p[i] != '\r' && p[i] != '\n' {
			p[out] = p[i]
			out++
		}
	}
	return out, err
}
