package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"tempmail/disposable/internal/domain"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordEntityCreated(domain.Tier10Min, domain.StrategyDirect)
	m.RecordEntityCreated(domain.Tier10Min, domain.StrategyDirect)
	m.RecordQuotaRejected(domain.Tier1Day)
	m.RecordFlush(10*time.Millisecond, nil)
	m.RecordFlush(10*time.Millisecond, errors.New("down"))
	m.UpdateSizes(domain.CacheSizes{Entities: 7, Owners: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EntitiesCreated.WithLabelValues("10min", "direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections.WithLabelValues("1day")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushTotal.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.EntitiesLive))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OwnersLive))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEntityCreated(domain.Tier1Hour, domain.StrategyAPI)
		m.RecordNotify("sent")
		m.UpdateSizes(domain.CacheSizes{})
	})
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	}, "重复创建不应触发重复注册")
}
