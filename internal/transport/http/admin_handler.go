package httptransport

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/service"
)

// CacheInvalidator 域名缓存失效
type CacheInvalidator interface {
	Invalidate(ownerID string)
	InvalidateAll()
}

// SyncTrigger 手动触发同步
type SyncTrigger interface {
	Flush(ctx context.Context) (int, error)
	SaveStats(ctx context.Context) error
}

// AdminHandler 运维接口：统计、缓存失效、强制同步
type AdminHandler struct {
	stats   *service.StatsService
	usage   UsageReader
	domains CacheInvalidator
	sync    SyncTrigger
	log     *zap.Logger
}

// NewAdminHandler 创建运维处理器
func NewAdminHandler(stats *service.StatsService, usage UsageReader, domains CacheInvalidator, sync SyncTrigger, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		stats:   stats,
		usage:   usage,
		domains: domains,
		sync:    sync,
		log:     logger.OrNop(log),
	}
}

// GetStatistics 计数与各缓存规模
func (h *AdminHandler) GetStatistics(c *gin.Context) {
	Success(c, gin.H{
		"entityCount": h.stats.EntityCount(),
		"ownerCount":  h.stats.OwnerCount(),
		"cacheSizes":  h.stats.CacheSizes(),
	})
}

// GetDomainStats 按域名统计存活邮箱
func (h *AdminHandler) GetDomainStats(c *gin.Context) {
	stats, err := h.stats.DomainStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, stats)
}

// GetOwnerUsage 查看指定用户的今日用量
func (h *AdminHandler) GetOwnerUsage(c *gin.Context) {
	Success(c, h.usage.Usage(c.Param("ownerId")))
}

type invalidateRequest struct {
	OwnerID string `json:"ownerId"`
}

// InvalidateDomainCache 使域名缓存失效。指定 ownerId 时只清该用户，否则全部清空。
func (h *AdminHandler) InvalidateDomainCache(c *gin.Context) {
	var req invalidateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	scope := "all"
	if req.OwnerID != "" {
		h.domains.Invalidate(req.OwnerID)
		scope = "owner"
	} else {
		h.domains.InvalidateAll()
	}

	h.log.Info("domain cache invalidated", zap.String("scope", scope), zap.String("owner_id", req.OwnerID))
	SuccessWithMsg(c, "缓存已失效", gin.H{"scope": scope})
}

// FlushSync 立即刷新计数增量，并保存一次域名统计
func (h *AdminHandler) FlushSync(c *gin.Context) {
	ctx := c.Request.Context()

	n, err := h.sync.Flush(ctx)
	if err != nil {
		h.log.Warn("manual flush failed", zap.Error(err))
		Error(c, CodeServiceUnavailable, MsgFlushFailed)
		return
	}
	if err := h.sync.SaveStats(ctx); err != nil {
		h.log.Warn("manual stats save failed", zap.Error(err))
	}

	Success(c, gin.H{"flushed": n})
}
