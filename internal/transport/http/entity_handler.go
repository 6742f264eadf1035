package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/middleware"
	"tempmail/disposable/internal/service"
	"tempmail/disposable/internal/usage"
)

// UsageReader 用户配额用量
type UsageReader interface {
	Usage(ownerID string) usage.Usage
}

// EntityHandler 临时邮箱接口
type EntityHandler struct {
	entities *service.EntityService
	usage    UsageReader
}

// NewEntityHandler 创建临时邮箱处理器
func NewEntityHandler(entities *service.EntityService, usage UsageReader) *EntityHandler {
	return &EntityHandler{entities: entities, usage: usage}
}

type createEntityRequest struct {
	Tier     domain.Tier     `json:"tier" binding:"required"`
	Domain   string          `json:"domain"`
	Strategy domain.Strategy `json:"strategy"`
}

type entityResponse struct {
	ID             string           `json:"id"`
	Address        string           `json:"address"`
	Domain         string           `json:"domain"`
	Tier           domain.Tier      `json:"tier"`
	Strategy       domain.Strategy  `json:"strategy"`
	IsCustomDomain bool             `json:"isCustomDomain"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	MessageCount   int              `json:"messageCount"`
	Messages       []domain.Message `json:"messages,omitempty"`
}

func toEntityResponse(e *domain.Entity, withMessages bool) entityResponse {
	resp := entityResponse{
		ID:             e.ID,
		Address:        e.Address,
		Domain:         e.Domain,
		Tier:           e.Tier,
		Strategy:       e.Strategy,
		IsCustomDomain: e.IsCustomDomain,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
		MessageCount:   e.MessageCount(),
	}
	if withMessages {
		resp.Messages = e.Messages
	}
	return resp
}

func identityOrAbort(c *gin.Context) (domain.Owner, bool) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return domain.Owner{}, false
	}
	return identity.Owner, true
}

// Create 创建临时邮箱
func (h *EntityHandler) Create(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}

	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	entity, err := h.entities.Create(c.Request.Context(), service.CreateEntityInput{
		Owner:    owner,
		Tier:     req.Tier,
		Domain:   req.Domain,
		Strategy: req.Strategy,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	Created(c, toEntityResponse(entity, false))
}

// List 返回当前用户的邮箱，?includeExpired=true 时包含尚未清理的过期邮箱
func (h *EntityHandler) List(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}
	includeExpired, _ := strconv.ParseBool(c.Query("includeExpired"))

	entities := h.entities.ListByOwner(owner.ID, includeExpired)
	items := make([]entityResponse, 0, len(entities))
	for _, e := range entities {
		items = append(items, toEntityResponse(e, false))
	}

	Success(c, gin.H{
		"items": items,
		"count": len(items),
	})
}

// Get 获取邮箱详情（含邮件）
func (h *EntityHandler) Get(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}

	entity, err := h.entities.Get(owner.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, toEntityResponse(entity, true))
}

// ListMessages 获取邮箱中的邮件，新邮件在前
func (h *EntityHandler) ListMessages(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}

	entity, err := h.entities.Get(owner.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	messages := entity.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	Success(c, gin.H{
		"items": messages,
		"count": len(messages),
	})
}

// Delete 删除邮箱
func (h *EntityHandler) Delete(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}

	if !h.entities.Delete(owner.ID, c.Param("id")) {
		NotFound(c, MsgEntityNotFound)
		return
	}
	NoContent(c)
}

// Usage 当前用户今日用量
func (h *EntityHandler) Usage(c *gin.Context) {
	owner, ok := identityOrAbort(c)
	if !ok {
		return
	}
	Success(c, h.usage.Usage(owner.ID))
}
