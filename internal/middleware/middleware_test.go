package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/auth"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/monitoring"
)

type tokenTable map[string]*auth.Identity

func (t tokenTable) Authenticate(token string) (*auth.Identity, error) {
	if identity, ok := t[token]; ok {
		return identity, nil
	}
	return nil, errors.New("bad token")
}

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	tokens := tokenTable{
		"user":  {Owner: domain.Owner{ID: "u1", Level: domain.QuotaFree}},
		"admin": {Owner: domain.Owner{ID: "a1", Level: domain.QuotaFree}, Admin: true},
	}
	jwtAuth := NewJWTAuth(tokens, nil)

	r := gin.New()
	r.GET("/me", jwtAuth.RequireAuth(), func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, identity.Owner.ID)
	})
	r.GET("/admin", jwtAuth.RequireAuth(), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	r := newEngine()

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "nope").Code)

	w := do(r, http.MethodGet, "/me", "user")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	r := newEngine()

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin", "user").Code)
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/admin", "admin").Code)
}

func TestPanicRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := do(r, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "tempmail_panics_total" {
			found = true
			assert.Equal(t, float64(1), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestBodySizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/in", BodySizeLimit(8), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/in", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/in", strings.NewReader("0123"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))
}
