package patchmail

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"time"
)

// Series 一个收齐（或超时）的补丁系列
type Series struct {
	Cover   *Patch
	Patches []*Patch // 按序号排列
	Total   int
}

// Assemble 将同一缓冲区的邮件整理为系列，重复的序号保留最先收到的
func Assemble(parts []*Patch) *Series {
	s := &Series{}
	seen := make(map[int]bool)
	for _, p := range parts {
		if p.Total > s.Total {
			s.Total = p.Total
		}
		if p.IsCover() {
			if s.Cover == nil {
				s.Cover = p
			}
			continue
		}
		if seen[p.Position] {
			continue
		}
		seen[p.Position] = true
		s.Patches = append(s.Patches, p)
	}
	sort.SliceStable(s.Patches, func(i, j int) bool {
		return s.Patches[i].Position < s.Patches[j].Position
	})
	return s
}

// Missing 返回尚未收到的补丁序号
func (s *Series) Missing() []int {
	have := make(map[int]bool, len(s.Patches))
	for _, p := range s.Patches {
		have[p.Position] = true
	}
	var missing []int
	for i := 1; i <= s.Total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// PatchesComplete 所有补丁都已收到（封面信可缺）
func (s *Series) PatchesComplete() bool {
	return s.Total > 0 && len(s.Missing()) == 0
}

// Complete 补丁齐全，且多补丁系列中第一封补丁所回复的封面信也已收到
func (s *Series) Complete() bool {
	if !s.PatchesComplete() {
		return false
	}
	if s.Cover != nil || s.Total == 1 {
		return true
	}
	return s.Patches[0].InReplyTo == ""
}

// Lead 系列的代表邮件：封面信优先，否则第一封补丁
func (s *Series) Lead() *Patch {
	if s.Cover != nil {
		return s.Cover
	}
	if len(s.Patches) > 0 {
		return s.Patches[0]
	}
	return nil
}

// Version 系列版本号
func (s *Series) Version() int {
	if lead := s.Lead(); lead != nil {
		return lead.Version
	}
	return 1
}

// Title 合并请求标题
func (s *Series) Title() string {
	if lead := s.Lead(); lead != nil {
		return lead.Title
	}
	return ""
}

// Description 合并请求描述：封面信正文，单补丁时为提交说明
func (s *Series) Description() string {
	if s.Cover != nil {
		return s.Cover.CommitMessage
	}
	if len(s.Patches) == 1 {
		return s.Patches[0].CommitMessage
	}
	return ""
}

// Key 跨版本识别同一系列：X-Series头，否则为作者加规范化标题
func (s *Series) Key() string {
	lead := s.Lead()
	if lead == nil {
		return ""
	}
	if lead.SeriesHeader != "" {
		return lead.SeriesHeader
	}
	title := strings.ToLower(strings.Join(strings.Fields(lead.Title), " "))
	return strings.ToLower(lead.AuthorEmail) + ":" + title
}

// ContentHash 按顺序对所有diff做摘要，用于识别重复投递的同一系列
func (s *Series) ContentHash() string {
	h := sha256.New()
	for _, p := range s.Patches {
		h.Write([]byte(strings.TrimSpace(p.Diff)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MessageIDs 系列中所有邮件的Message-ID
func (s *Series) MessageIDs() []string {
	var ids []string
	if s.Cover != nil {
		ids = append(ids, s.Cover.MessageID)
	}
	for _, p := range s.Patches {
		ids = append(ids, p.MessageID)
	}
	return ids
}

// BuildMbox 生成供 git am 使用的mboxrd。没有邮件地址的作者使用fallbackEmail
func (s *Series) BuildMbox(fallbackEmail string) []byte {
	var buf bytes.Buffer
	for _, p := range s.Patches {
		email := p.AuthorEmail
		if email == "" {
			email = fallbackEmail
		}
		name := p.AuthorName
		if name == "" {
			name = strings.Split(email, "@")[0]
		}
		date := p.Date
		if date.IsZero() {
			date = time.Now()
		}

		buf.WriteString("From 0000000000000000000000000000000000000000 Mon Sep 17 00:00:00 2001\n")
		fmt.Fprintf(&buf, "From: %s\n", (&mail.Address{Name: name, Address: email}).String())
		fmt.Fprintf(&buf, "Date: %s\n", date.Format(time.RFC1123Z))
		fmt.Fprintf(&buf, "Subject: %s\n", mime.QEncoding.Encode("utf-8", fmt.Sprintf("[PATCH %d/%d] %s", p.Position, s.Total, p.Title)))
		fmt.Fprintf(&buf, "Message-ID: %s\n", p.MessageID)
		buf.WriteString("MIME-Version: 1.0\n")
		buf.WriteString("Content-Type: text/plain; charset=utf-8\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\n\n")
		buf.WriteString(escapeFromLines(stripInBodyFrom(p.Body)))
		if !strings.HasSuffix(p.Body, "\n") {
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// escapeFromLines 按mboxrd格式给 "From " 开头（含已转义的 ">From "）的正文行再加一个 ">"
func escapeFromLines(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, ">"), "From ") {
			lines[i] = ">" + line
		}
	}
	return strings.Join(lines, "\n")
}

// stripInBodyFrom 作者已写入头部，去掉正文开头的 "From:" 行
func stripInBodyFrom(body string) string {
	trimmed := strings.TrimLeft(body, "\n")
	if !strings.HasPrefix(trimmed, "From: ") {
		return body
	}
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		return strings.TrimLeft(trimmed[idx+1:], "\n")
	}
	return ""
}
