package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"tempmail/disposable/internal/storage/memory"
)

func serve(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestHealthChecker_Readiness(t *testing.T) {
	store := memory.NewStore()
	hc := NewHealthChecker(store, Options{}, nil)

	assert.Equal(t, http.StatusOK, serve(hc.Handler(), "/ready"))
	assert.Equal(t, "OK", hc.CheckHealth()["storage"])

	store.SetUnavailable(true)
	assert.Equal(t, http.StatusServiceUnavailable, serve(hc.Handler(), "/ready"))
	assert.Equal(t, http.StatusOK, serve(hc.Handler(), "/live"), "存储故障不影响存活")
	assert.Contains(t, hc.CheckHealth()["storage"], "ERROR")
}

func TestHealthChecker_Backlog(t *testing.T) {
	backlog := 0
	hc := NewHealthChecker(memory.NewStore(), Options{
		MaxBacklog:     10,
		BacklogCounter: func() int { return backlog },
	}, nil)

	assert.Equal(t, http.StatusOK, serve(hc.Handler(), "/ready"))

	backlog = 11
	assert.Equal(t, http.StatusServiceUnavailable, serve(hc.Handler(), "/ready"))
	assert.Equal(t, "11", hc.CheckHealth()["usage_backlog"])
}
