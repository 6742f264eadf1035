package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/domain"
)

func TestUsageBatch(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	delta := domain.NewUsageDelta("owner-a", "2024-03-01")
	delta.Daily[domain.Tier1Day] = 1
	delta.Daily[domain.Tier10Min] = 2
	delta.Daily[domain.Tier1Hour] = 0
	delta.Total = 3
	delta.Domains["mine.com"] = 1
	delta.LastEntityID = "e3"

	batch := usageBatch([]*domain.UsageDelta{delta}, now)
	require.Equal(t, 4, batch.Len(), "零值档位不生成语句")

	queries := batch.QueuedQueries
	assert.Equal(t, snapshotUpsertSQL, queries[0].SQL)
	assert.Equal(t, []any{"owner-a", "2024-03-01", "10min", int64(2), now}, queries[0].Arguments)
	assert.Equal(t, []any{"owner-a", "2024-03-01", "1day", int64(1), now}, queries[1].Arguments)
	assert.Equal(t, totalUpsertSQL, queries[2].SQL)
	assert.Equal(t, []any{"owner-a", int64(3), "e3", now}, queries[2].Arguments)
	assert.Equal(t, domainCountSQL, queries[3].SQL)
	assert.Equal(t, []any{int64(1), now, "mine.com", "owner-a"}, queries[3].Arguments)
}

func TestUsageBatchEmpty(t *testing.T) {
	delta := domain.NewUsageDelta("owner-a", "2024-03-01")
	assert.Equal(t, 0, usageBatch([]*domain.UsageDelta{delta}, time.Now()).Len())
}
