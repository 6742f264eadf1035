package httptransport

import (
	"crypto/subtle"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/monitoring"
)

// secretHeader webhook 共享密钥所在的请求头
const secretHeader = "X-Webhook-Secret"

// Deliverer 按收件地址投递入站邮件
type Deliverer interface {
	Deliver(mail domain.InboundMail) (*domain.Entity, error)
}

// InboundHandler 入站邮件 webhook
type InboundHandler struct {
	deliverer Deliverer
	secret    []byte
	limiter   *rate.Limiter
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewInboundHandler 创建入站 webhook 处理器。RateLimit <= 0 表示不限流。
func NewInboundHandler(deliverer Deliverer, cfg config.WebhookConfig, metrics *monitoring.Metrics, log *zap.Logger) *InboundHandler {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	return &InboundHandler{
		deliverer: deliverer,
		secret:    []byte(cfg.Secret),
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		metrics:   metrics,
		log:       logger.OrNop(log),
	}
}

// Receive 接收一封入站邮件。
// 收件邮箱不存在或已过期时返回 202，发送方不需要重试。
func (h *InboundHandler) Receive(c *gin.Context) {
	if len(h.secret) > 0 {
		got := []byte(c.GetHeader(secretHeader))
		if subtle.ConstantTimeCompare(got, h.secret) != 1 {
			Unauthorized(c, MsgInvalidSecret)
			return
		}
	}

	if !h.limiter.Allow() {
		TooManyRequests(c, MsgRateLimited)
		return
	}

	var mail domain.InboundMail
	if err := c.ShouldBindJSON(&mail); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	entity, err := h.deliverer.Deliver(mail)
	h.metrics.RecordInbound("webhook", err)
	if err != nil {
		if errors.Is(err, domain.ErrNotFoundOrExpired) {
			h.log.Debug("inbound mail dropped", zap.String("address", mail.Address))
			Accepted(c, MsgNoRecipient, gin.H{"delivered": false})
			return
		}
		respondError(c, err)
		return
	}

	SuccessWithMsg(c, MsgMessageAccepted, gin.H{
		"delivered": true,
		"entityId":  entity.ID,
	})
}
