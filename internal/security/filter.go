package security

import (
	"path/filepath"
	"regexp"
	"strings"

	"tempmail/disposable/internal/domain"
)

const (
	// HeaderFiltered 正文被清洗过时写入
	HeaderFiltered = "X-Content-Filtered"
	// HeaderDangerousAttachments 列出危险的附件文件名
	HeaderDangerousAttachments = "X-Dangerous-Attachments"
	// HeaderAttachments 入站时记录的附件文件名列表，逗号分隔
	HeaderAttachments = "X-Attachments"
)

// ContentFilter 入站邮件内容过滤器。
// 只清洗 HTML 中可执行的部分并标记危险附件，不拒收邮件。
type ContentFilter struct {
	activeContent       []*regexp.Regexp
	dangerousExtensions map[string]bool
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		activeContent: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`),
			regexp.MustCompile(`(?is)<(iframe|object|embed)[^>]*>.*?</(iframe|object|embed)\s*>`),
			regexp.MustCompile(`(?i)<(script|iframe|object|embed)[^>]*/?>`),
			regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`),
		},
		dangerousExtensions: map[string]bool{
			".exe": true, ".bat": true, ".cmd": true, ".scr": true,
			".pif": true, ".com": true, ".vbs": true, ".js": true,
			".jar": true, ".msi": true, ".ps1": true, ".hta": true,
		},
	}
}

var javascriptURL = regexp.MustCompile(`(?i)(href|src)\s*=\s*(["']?)\s*javascript:[^"'\s>]*`)

// SanitizeHTML 去掉脚本、内嵌对象、事件属性和 javascript: 链接。
// 第二个返回值表示是否有内容被移除。
func (f *ContentFilter) SanitizeHTML(html string) (string, bool) {
	if html == "" {
		return html, false
	}
	out := html
	for _, re := range f.activeContent {
		out = re.ReplaceAllString(out, "")
	}
	out = javascriptURL.ReplaceAllString(out, `$1=$2#`)
	return out, out != html
}

// IsDangerousAttachment 按扩展名判断附件是否可执行
func (f *ContentFilter) IsDangerousAttachment(filename string) bool {
	return f.dangerousExtensions[strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))]
}

// Filter 就地处理一封入站邮件
func (f *ContentFilter) Filter(mail *domain.InboundMail) {
	sanitized, changed := f.SanitizeHTML(mail.BodyHTML)
	if changed {
		mail.BodyHTML = sanitized
		setHeader(mail, HeaderFiltered, "true")
	}

	names := mail.Headers[HeaderAttachments]
	if names == "" {
		return
	}
	var dangerous []string
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name != "" && f.IsDangerousAttachment(name) {
			dangerous = append(dangerous, name)
		}
	}
	if len(dangerous) > 0 {
		setHeader(mail, HeaderDangerousAttachments, strings.Join(dangerous, ", "))
	}
}

// setHeader 复制后再写，调用方的 map 可能被多个收件人共享
func setHeader(mail *domain.InboundMail, key, value string) {
	headers := make(map[string]string, len(mail.Headers)+1)
	for k, v := range mail.Headers {
		headers[k] = v
	}
	headers[key] = value
	mail.Headers = headers
}
