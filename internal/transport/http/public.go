package httptransport

import (
	"context"
	"sort"

	"github.com/gin-gonic/gin"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
)

// DomainLister 公共域名来源
type DomainLister interface {
	PublicDomains(ctx context.Context) ([]string, error)
}

// PublicHandler 公开API处理器（无需认证）
type PublicHandler struct {
	domains DomainLister
	cfg     *config.Config
}

// NewPublicHandler 创建公开API处理器
func NewPublicHandler(domains DomainLister, cfg *config.Config) *PublicHandler {
	return &PublicHandler{domains: domains, cfg: cfg}
}

type tierInfo struct {
	Tier       domain.Tier `json:"tier"`
	TTLSeconds int64       `json:"ttlSeconds"`
	DailyLimit int64       `json:"dailyLimit"`
}

// GetAvailableDomains 获取当前可用的公共域名
func (h *PublicHandler) GetAvailableDomains(c *gin.Context) {
	domains, err := h.domains.PublicDomains(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if domains == nil {
		domains = []string{}
	}

	Success(c, gin.H{
		"domains": domains,
		"count":   len(domains),
	})
}

// GetSystemConfig 获取前端需要的公开配置：档位、时长和每日上限
func (h *PublicHandler) GetSystemConfig(c *gin.Context) {
	tiers := make([]tierInfo, 0, len(h.cfg.Entity.TierDurations))
	for tier, ttl := range h.cfg.Entity.TierDurations {
		tiers = append(tiers, tierInfo{
			Tier:       tier,
			TTLSeconds: int64(ttl.Seconds()),
			DailyLimit: h.cfg.Quota.DailyLimits[tier],
		})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].TTLSeconds < tiers[j].TTLSeconds })

	Success(c, gin.H{
		"tiers":           tiers,
		"messageCapacity": h.cfg.Entity.MessageCapacity,
		"gmailAlias":      len(h.cfg.Entity.GmailBases) > 0,
	})
}
