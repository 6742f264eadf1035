package domain

import (
	"strings"
	"time"
)

// Message 表示一封投递到临时邮箱的邮件。
type Message struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	BodyText   string            `json:"body_text,omitempty"`
	BodyHTML   string            `json:"body_html,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Clone 拷贝邮件，headers 单独复制。
func (m Message) Clone() Message {
	if m.Headers != nil {
		headers := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			headers[k] = v
		}
		m.Headers = headers
	}
	return m
}

// Preview 返回正文前 limit 个字符，用于推送通知。
func (m Message) Preview(limit int) string {
	text := strings.TrimSpace(m.BodyText)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}

// InboundMail webhook 投递的入站邮件事件
type InboundMail struct {
	Address   string            `json:"address" binding:"required"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	BodyText  string            `json:"bodyText"`
	BodyHTML  string            `json:"bodyHtml"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

// NormalizeAddress 统一地址格式：去空白、去尖括号、转小写。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
