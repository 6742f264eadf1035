package smtp

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/security"
)

// MaxMessageBytes 单封邮件的大小上限
const MaxMessageBytes = 10 << 20

// Mailboxes 收件地址解析与投递
type Mailboxes interface {
	Resolve(address string) (*domain.Entity, error)
	Deliver(mail domain.InboundMail) (*domain.Entity, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往存活临时邮箱的邮件，不做任何转发：
// RCPT 阶段查不到邮箱的地址一律 550 拒绝，因此不会成为开放中继。
type Backend struct {
	mailboxes Mailboxes
	limiter   *ConnectionLimiter
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewBackend 创建 SMTP Backend。limiter 为 nil 时不限流。
func NewBackend(mailboxes Mailboxes, limiter *ConnectionLimiter, metrics *monitoring.Metrics, log *zap.Logger) *Backend {
	return &Backend{
		mailboxes: mailboxes,
		limiter:   limiter,
		metrics:   metrics,
		log:       logger.OrNop(log),
	}
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(backend *Backend, addr, hostname string) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = addr
	server.Domain = hostname
	server.MaxMessageBytes = MaxMessageBytes
	server.MaxRecipients = 50
	return server
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受存活邮箱的地址。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)
	if _, _, ok := strings.Cut(addr, "@"); !ok {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if _, err := s.backend.mailboxes.Resolve(addr); err != nil {
		s.backend.metrics.RecordInbound("smtp", err)
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，逐个收件人投递。
// RCPT 之后才过期的邮箱直接跳过，不影响其他收件人。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, MaxMessageBytes))
	if err != nil {
		return err
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      fmt.Sprintf("malformed message: %v", err),
		}
	}

	from := parsed.From
	if from == "" {
		from = s.fromAddress
	}
	headers := parsed.Headers
	if len(parsed.Attachments) > 0 {
		names := make([]string, 0, len(parsed.Attachments))
		for _, att := range parsed.Attachments {
			names = append(names, att.Filename)
		}
		headers[security.HeaderAttachments] = strings.Join(names, ", ")
	}

	delivered := 0
	for _, addr := range s.recipients {
		_, err := s.backend.mailboxes.Deliver(domain.InboundMail{
			Address:  addr,
			From:     from,
			Subject:  parsed.Subject,
			BodyText: parsed.Text,
			BodyHTML: parsed.HTML,
			Headers:  headers,
		})
		s.backend.metrics.RecordInbound("smtp", err)
		if err != nil {
			if errors.Is(err, domain.ErrNotFoundOrExpired) {
				s.backend.log.Debug("recipient expired before data", zap.String("address", addr))
				continue
			}
			return err
		}
		delivered++
	}

	s.backend.log.Debug("smtp message delivered",
		zap.String("from", s.fromAddress),
		zap.Int("recipients", len(s.recipients)),
		zap.Int("delivered", delivered))
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接许可。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.released = true
		s.backend.limiter.Release()
	}
	return nil
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{CharsetReader: charsetReader}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
