package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/auth"
	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/domaincache"
	"tempmail/disposable/internal/health"
	"tempmail/disposable/internal/monitoring"
	"tempmail/disposable/internal/notify"
	"tempmail/disposable/internal/pool"
	"tempmail/disposable/internal/reconcile"
	"tempmail/disposable/internal/scheduler"
	"tempmail/disposable/internal/service"
	"tempmail/disposable/internal/storage/memory"
	"tempmail/disposable/internal/usage"
)

const webhookSecret = "inbound-secret"

type testServer struct {
	router  *gin.Engine
	durable *memory.Store
	counter *usage.Counter
	jwt     *auth.JWTManager
}

func newTestConfig() *config.Config {
	return &config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		JWT:  config.JWTConfig{Secret: "router-test-secret-with-32-characters", Issuer: "test"},
		Entity: config.EntityConfig{
			TierDurations: map[domain.Tier]time.Duration{
				domain.Tier10Min: 10 * time.Minute,
				domain.Tier1Hour: time.Hour,
			},
			MessageCapacity: 50,
			AddressAttempts: 5,
			LocalPartLength: 10,
		},
		Quota: config.QuotaConfig{
			DailyLimits: map[domain.Tier]int64{
				domain.Tier10Min: 2,
				domain.Tier1Hour: 1,
			},
			Privileged: []domain.QuotaLevel{domain.QuotaUnlimited},
			Location:   time.UTC,
		},
		Webhook: config.WebhookConfig{Secret: webhookSecret, RateLimit: 0, Burst: 1},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig()

	durable := memory.NewStore()
	durable.AddPublicDomain("temp.mail")
	_, err := durable.AddOwnerDomain("owner-a", "mine.com", domain.DomainStatusVerified)
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	entities := memory.NewEntityStore(cfg.Entity.MessageCapacity, time.Now)
	counter := usage.NewCounter(durable, cfg.Quota.DailyLimits, cfg.Quota.Location)
	resolver := domaincache.NewResolver(durable, 5*time.Minute, time.Minute, "fallback.mail")
	sched := scheduler.New(time.Hour)
	t.Cleanup(sched.Stop)

	workers := pool.NewWorkerPool(2, 16, nil)
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)
	hub := notify.NewHub(workers, time.Second)

	svc := service.NewEntityService(entities, resolver, counter, sched, hub, cfg.Entity, cfg.Quota)
	stats := service.NewStatsService(entities, resolver, counter, hub, sched, metrics)
	syncer := reconcile.NewSyncer(counter, stats, durable, reconcile.Config{Interval: time.Minute}, nil)
	jwtManager := auth.NewJWTManager(&cfg.JWT)

	router := NewRouter(RouterDependencies{
		Config:        cfg,
		Entities:      svc,
		Stats:         stats,
		Usage:         counter,
		Domains:       resolver,
		Sync:          syncer,
		Authenticator: jwtManager,
		Health:        health.NewHealthChecker(durable, health.Options{}, nil).Handler(),
		Metrics:       metrics,
	})

	return &testServer{router: router, durable: durable, counter: counter, jwt: jwtManager}
}

func (s *testServer) token(t *testing.T, ownerID string, admin bool) string {
	t.Helper()
	token, err := s.jwt.IssueToken(domain.Owner{ID: ownerID, Level: domain.QuotaFree}, admin, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (s *testServer) createEntity(t *testing.T, token string, body any) entityResponse {
	t.Helper()
	w := s.do(http.MethodPost, "/v1/entities", token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[entityResponse](t, w)
}

func TestEntities_RequireAuth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/v1/entities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEntities_CreateGetDelete(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "owner-a", false)

	created := s.createEntity(t, token, gin.H{"tier": "10min"})
	assert.Equal(t, "temp.mail", created.Domain)
	assert.False(t, created.IsCustomDomain)
	assert.Equal(t, domain.StrategyDirect, created.Strategy)

	w := s.do(http.MethodGet, "/v1/entities/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.Address, decode[entityResponse](t, w).Address)

	list := s.do(http.MethodGet, "/v1/entities", token, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, list).Count)

	t.Run("其他用户看不到", func(t *testing.T) {
		other := s.token(t, "owner-b", false)
		assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/entities/"+created.ID, other, nil).Code)
		assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/v1/entities/"+created.ID, other, nil).Code)
	})

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/entities/"+created.ID, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/entities/"+created.ID, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/v1/entities/"+created.ID, token, nil).Code)
}

func TestEntities_CustomDomain(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "owner-a", false)

	created := s.createEntity(t, token, gin.H{"tier": "1hour", "domain": "MINE.com"})
	assert.Equal(t, "mine.com", created.Domain)
	assert.True(t, created.IsCustomDomain)
}

func TestEntities_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "owner-a", false)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"缺少档位", gin.H{}, http.StatusBadRequest},
		{"未知档位", gin.H{"tier": "1year"}, http.StatusBadRequest},
		{"未知分配方式", gin.H{"tier": "10min", "strategy": "carrier_pigeon"}, http.StatusBadRequest},
		{"不属于自己的域名", gin.H{"tier": "10min", "domain": "someone-else.com"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/v1/entities", token, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}

	t.Run("配额用完返回429", func(t *testing.T) {
		s.createEntity(t, token, gin.H{"tier": "1hour"})
		w := s.do(http.MethodPost, "/v1/entities", token, gin.H{"tier": "1hour"})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("存储不可用且无缓存返回503", func(t *testing.T) {
		s.durable.SetUnavailable(true)
		defer s.durable.SetUnavailable(false)

		other := s.token(t, "owner-cold", false)
		w := s.do(http.MethodPost, "/v1/entities", other, gin.H{"tier": "10min", "domain": "cold.com"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestInboundWebhook(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "owner-a", false)
	created := s.createEntity(t, token, gin.H{"tier": "10min"})

	mail := gin.H{
		"address":  created.Address,
		"from":     "sender@example.com",
		"subject":  "验证码",
		"bodyText": "123456",
	}

	t.Run("密钥错误", func(t *testing.T) {
		w := s.do(http.MethodPost, "/v1/webhook/inbound", "", mail, secretHeader, "wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("投递成功", func(t *testing.T) {
		w := s.do(http.MethodPost, "/v1/webhook/inbound", "", mail, secretHeader, webhookSecret)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		msgs := s.do(http.MethodGet, "/v1/entities/"+created.ID+"/messages", token, nil)
		require.Equal(t, http.StatusOK, msgs.Code)
		got := decode[struct {
			Items []domain.Message `json:"items"`
		}](t, msgs)
		require.Len(t, got.Items, 1)
		assert.Equal(t, "验证码", got.Items[0].Subject)
	})

	t.Run("未知地址静默丢弃", func(t *testing.T) {
		unknown := gin.H{"address": "nobody@temp.mail", "subject": "x"}
		w := s.do(http.MethodPost, "/v1/webhook/inbound", "", unknown, secretHeader, webhookSecret)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("缺少地址", func(t *testing.T) {
		w := s.do(http.MethodPost, "/v1/webhook/inbound", "", gin.H{"subject": "x"}, secretHeader, webhookSecret)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestInboundWebhook_RateLimited(t *testing.T) {
	cfg := config.WebhookConfig{RateLimit: 0.001, Burst: 1}
	h := NewInboundHandler(nil, cfg, nil, nil)
	h.limiter.Allow()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/in", h.Receive)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/in", bytes.NewReader([]byte(`{"address":"a@b.c"}`))))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	user := s.token(t, "owner-a", false)
	admin := s.token(t, "ops", true)

	s.createEntity(t, user, gin.H{"tier": "10min", "domain": "mine.com"})

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/v1/admin/statistics", user, nil).Code)

	w := s.do(http.MethodGet, "/v1/admin/statistics", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[struct {
		EntityCount int               `json:"entityCount"`
		OwnerCount  int               `json:"ownerCount"`
		CacheSizes  domain.CacheSizes `json:"cacheSizes"`
	}](t, w)
	assert.Equal(t, 1, stats.EntityCount)
	assert.Equal(t, 1, stats.OwnerCount)
	assert.Equal(t, 1, stats.CacheSizes.PendingDeltas)

	t.Run("用量", func(t *testing.T) {
		w := s.do(http.MethodGet, "/v1/admin/usage/owner-a", admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), decode[usage.Usage](t, w).Daily[domain.Tier10Min])
	})

	t.Run("强制刷新", func(t *testing.T) {
		w := s.do(http.MethodPost, "/v1/admin/sync/flush", admin, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 1, decode[struct {
			Flushed int `json:"flushed"`
		}](t, w).Flushed)
		assert.Equal(t, int64(1), s.durable.TotalFor("owner-a").Total)
		assert.Len(t, s.durable.StatsHistory(), 1)
	})

	t.Run("存储不可用时刷新返回503", func(t *testing.T) {
		s.createEntity(t, user, gin.H{"tier": "10min"})
		s.durable.SetUnavailable(true)
		defer s.durable.SetUnavailable(false)

		w := s.do(http.MethodPost, "/v1/admin/sync/flush", admin, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 1, s.counter.PendingCount(), "失败的增量保留")
	})

	t.Run("缓存失效", func(t *testing.T) {
		w := s.do(http.MethodPost, "/v1/admin/cache/invalidate", admin, gin.H{"ownerId": "owner-a"})
		require.Equal(t, http.StatusOK, w.Code)

		w = s.do(http.MethodPost, "/v1/admin/cache/invalidate", admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "all", decode[struct {
			Scope string `json:"scope"`
		}](t, w).Scope)
	})
}

func TestPublicAndOpsRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/v1/public/domains", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"temp.mail"}, decode[struct {
		Domains []string `json:"domains"`
	}](t, w).Domains)

	w = s.do(http.MethodGet, "/v1/public/config", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[struct {
		Tiers []tierInfo `json:"tiers"`
	}](t, w)
	require.Len(t, cfg.Tiers, 2)
	assert.Equal(t, domain.Tier10Min, cfg.Tiers[0].Tier)
	assert.Equal(t, int64(2), cfg.Tiers[0].DailyLimit)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/metrics", "", nil).Code)
}
