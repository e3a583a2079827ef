package patchmail

import (
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	trailerRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:\s+\S`)
	reviewTagRe = regexp.MustCompile(`(?i)^\s*(reviewed-by|acked-by|tested-by|nacked-by|rejected-by):\s*(.+?)\s*$`)
	ccLineRe    = regexp.MustCompile(`(?i)^\s*cc:\s+(.*)$`)
	commitCCRe  = regexp.MustCompile(`(?i)^\s*(cc|signed-off-by|reviewed-by):\s+(.*)$`)
)

// Wrap 逐行折行。段落、缩进的代码、引用和trailer行保持原样
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	if utf8.RuneCountInString(line) <= width ||
		strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") ||
		strings.HasPrefix(line, ">") || trailerRe.MatchString(line) {
		return []string{line}
	}

	var result []string
	var current strings.Builder
	currentLen := 0
	for _, word := range strings.Fields(line) {
		wordLen := utf8.RuneCountInString(word)
		if currentLen > 0 && currentLen+1+wordLen > width {
			result = append(result, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(word)
		currentLen += wordLen
	}
	if currentLen > 0 {
		result = append(result, current.String())
	}
	return result
}

// wrapCommitMessage 只折行补丁正文中 "---" 之前的提交说明
func wrapCommitMessage(body string, width int) string {
	idx := strings.Index(body, "\n---\n")
	if strings.HasPrefix(body, "---\n") {
		return body
	}
	if idx < 0 {
		return Wrap(body, width)
	}
	return Wrap(body[:idx], width) + body[idx:]
}

// ReviewTag 评论中的评审标记，如 Reviewed-by: Alice <alice@example.com>
type ReviewTag struct {
	Name  string
	Value string
}

func (t ReviewTag) String() string {
	return t.Name + ": " + t.Value
}

// ParseReviewTags 提取评论中的评审标记
func ParseReviewTags(body string) []ReviewTag {
	var tags []ReviewTag
	for _, line := range strings.Split(body, "\n") {
		m := reviewTagRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tags = append(tags, ReviewTag{Name: canonicalTag(m[1]), Value: m[2]})
	}
	return tags
}

// canonicalTag 规范为 Reviewed-by 的大小写形式
func canonicalTag(name string) string {
	lower := strings.ToLower(name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

var tagLabels = map[string]string{
	"Reviewed-by": "Reviewed",
	"Acked-by":    "Acked",
	"Tested-by":   "Tested",
	"Nacked-by":   "Nacked",
	"Rejected-by": "Nacked",
}

// LabelsForTags 评审标记对应的forge标签
func LabelsForTags(tags []ReviewTag) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, tag := range tags {
		label, ok := tagLabels[tag.Name]
		if !ok || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

// MergeRequestCCs 从描述中的 "Cc:" 行和 "Cc:" 开头的标签收集抄送
func MergeRequestCCs(description string, labels []string, domains []string) []string {
	var ccs []string
	for _, line := range strings.Split(description, "\n") {
		if m := ccLineRe.FindStringSubmatch(line); m != nil {
			ccs = append(ccs, m[1])
		}
	}
	for _, label := range labels {
		if strings.HasPrefix(label, "Cc:") {
			ccs = append(ccs, strings.TrimSpace(label[3:]))
		}
	}
	return CleanCCs(ccs, domains)
}

// CommitCCs 提交作者以及 Cc/Signed-off-by/Reviewed-by 中的地址
func CommitCCs(authorEmail, message string, domains []string) []string {
	ccs := []string{authorEmail}
	for _, line := range strings.Split(message, "\n") {
		if m := commitCCRe.FindStringSubmatch(line); m != nil && strings.TrimSpace(m[2]) != "" {
			ccs = append(ccs, strings.TrimSpace(m[2]))
		}
	}
	return CleanCCs(ccs, domains)
}

// CleanCCs 解析地址、按域名过滤、去重并排序。domains为空时不过滤
func CleanCCs(ccs []string, domains []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, cc := range ccs {
		addr, err := mail.ParseAddress(cc)
		if err != nil || addr.Address == "" {
			continue
		}
		email := strings.ToLower(addr.Address)
		if seen[email] || !domainAllowed(email, domains) {
			continue
		}
		seen[email] = true
		result = append(result, addr.Address)
	}
	sort.Strings(result)
	return result
}

func domainAllowed(email string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	host := email[at+1:]
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "@"))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// mergeAddresses 合并两个已排序的地址列表
func mergeAddresses(a, b []string) []string {
	return CleanCCs(append(append([]string{}, a...), b...), nil)
}
