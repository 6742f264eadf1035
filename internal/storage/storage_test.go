package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/config"
)

func TestOpen_Memory(t *testing.T) {
	cfg := &config.Config{}
	cfg.DomainCache.DefaultDomain = "temp.mail"

	store, err := Open(cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	names, err := store.QueryPublicDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"temp.mail"}, names)
}

func TestOpen_Errors(t *testing.T) {
	for _, typ := range []string{"postgres", "mysql", "sql-postgres"} {
		cfg := &config.Config{}
		cfg.Database.Type = typ
		_, err := Open(cfg, nil)
		assert.Error(t, err, typ)
	}

	cfg := &config.Config{}
	cfg.Database.Type = "cassandra"
	_, err := Open(cfg, nil)
	assert.ErrorContains(t, err, "unsupported database type")
}
