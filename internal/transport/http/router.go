package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/middleware"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/service"
	"tempmail/disposable/internal/websocket"
)

// DomainCache 公共域名列表与缓存失效
type DomainCache interface {
	DomainLister
	CacheInvalidator
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Entities      *service.EntityService
	Stats         *service.StatsService
	Usage         UsageReader
	Domains       DomainCache
	Sync          SyncTrigger
	Authenticator middleware.Authenticator
	WebSocketHub  *websocket.Hub // 为 nil 时不注册 /v1/ws
	Health        http.Handler   // 为 nil 时不注册 /health
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	entityHandler := NewEntityHandler(deps.Entities, deps.Usage)
	inboundHandler := NewInboundHandler(deps.Entities, deps.Config.Webhook, deps.Metrics, deps.Logger)
	adminHandler := NewAdminHandler(deps.Stats, deps.Usage, deps.Domains, deps.Sync, deps.Logger)
	publicHandler := NewPublicHandler(deps.Domains, deps.Config)

	jwtAuth := middleware.NewJWTAuth(deps.Authenticator, deps.Logger)

	if deps.Health != nil {
		router.Any("/health/*check", gin.WrapH(http.StripPrefix("/health", deps.Health)))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Public Routes ==========
		publicRoutes := v1.Group("/public")
		{
			publicRoutes.GET("/domains", publicHandler.GetAvailableDomains)
			publicRoutes.GET("/config", publicHandler.GetSystemConfig)
		}

		// ========== Inbound Webhook ==========
		v1.POST("/webhook/inbound", middleware.BodySizeLimit(middleware.InboundBodyLimit), inboundHandler.Receive)

		// ========== Entity Routes ==========
		entityRoutes := v1.Group("/entities")
		entityRoutes.Use(jwtAuth.RequireAuth(), middleware.BodySizeLimit(middleware.DefaultBodyLimit))
		{
			entityRoutes.POST("", entityHandler.Create)
			entityRoutes.GET("", entityHandler.List)
			entityRoutes.GET("/:id", entityHandler.Get)
			entityRoutes.DELETE("/:id", entityHandler.Delete)
			entityRoutes.GET("/:id/messages", entityHandler.ListMessages)
		}
		v1.GET("/usage", jwtAuth.RequireAuth(), entityHandler.Usage)

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}

		// ========== Admin Routes ==========
		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(jwtAuth.RequireAuth(), middleware.RequireAdmin())
		{
			adminRoutes.GET("/statistics", adminHandler.GetStatistics)
			adminRoutes.GET("/statistics/domains", adminHandler.GetDomainStats)
			adminRoutes.GET("/usage/:ownerId", adminHandler.GetOwnerUsage)
			adminRoutes.POST("/cache/invalidate", adminHandler.InvalidateDomainCache)
			adminRoutes.POST("/sync/flush", adminHandler.FlushSync)
		}
	}

	return router
}
