package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"

	"github.com/sirupsen/logrus"
)

// Message 一封待发送的邮件
type Message struct {
	From       string
	To         []string
	Cc         []string
	Subject    string
	MessageID  string // 含尖括号
	InReplyTo  string
	References []string
	Date       time.Time
	Headers    map[string]string // 额外头部，如 X-Patchbridge-*
	Body       string
}

// Recipients 返回去重后的全部收件人地址
func (m *Message) Recipients() []string {
	seen := make(map[string]bool)
	var result []string
	for _, raw := range append(append([]string{}, m.To...), m.Cc...) {
		addr := raw
		if parsed, err := mail.ParseAddress(raw); err == nil {
			addr = parsed.Address
		}
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, addr)
	}
	return result
}

// Bytes 渲染为RFC 5322格式
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	writeHeader(&buf, "From", m.From)
	writeHeader(&buf, "To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(m.Cc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", m.MessageID)
	if m.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", m.InReplyTo)
	}
	if len(m.References) > 0 {
		writeHeader(&buf, "References", strings.Join(m.References, " "))
	}

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, m.Headers[k])
	}

	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")

	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// Transport 邮件发送通道
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// NewTransport 按配置选择SMTP或仅记录日志的通道
func NewTransport(cfg config.SMTPConfig) Transport {
	if cfg.Host == "" {
		return &LogTransport{log: logger.GetLogger()}
	}
	return &SMTPTransport{cfg: cfg, log: logger.GetLogger()}
}

// SMTPTransport 通过SMTP服务器发送
type SMTPTransport struct {
	cfg config.SMTPConfig
	log *logrus.Logger
}

// Send 发送邮件，网络错误归为可重试
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindConfigurationError, "mailer.Send", fmt.Errorf("发件人地址无效: %v", err))
	}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return bridgeerr.Newf(bridgeerr.KindConfigurationError, "mailer.Send", "没有收件人")
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}
	defer client.Close()

	if t.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
				return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
			}
		}
	}
	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return bridgeerr.New(bridgeerr.KindAuthenticationFailed, "mailer.Send", err)
		}
	}

	if err := client.Mail(from.Address); err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}
	if err := w.Close(); err != nil {
		return bridgeerr.New(bridgeerr.KindTransientInfra, "mailer.Send", err)
	}

	t.log.WithFields(logrus.Fields{
		"message_id": msg.MessageID,
		"subject":    msg.Subject,
		"recipients": len(recipients),
	}).Info("邮件已发送")
	return client.Quit()
}

// LogTransport 未配置SMTP时只记录日志
type LogTransport struct {
	log *logrus.Logger
}

func (t *LogTransport) Send(ctx context.Context, msg *Message) error {
	t.log.WithFields(logrus.Fields{
		"message_id":  msg.MessageID,
		"in_reply_to": msg.InReplyTo,
		"to":          strings.Join(msg.To, ", "),
		"subject":     msg.Subject,
	}).Info("SMTP未配置，跳过发送")
	return nil
}
