package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/entity-resolver/internal/config"
	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/model"
)

type stubIngester struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (s *stubIngester) Ingest(_ context.Context, env engine.Envelope) (*model.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if env.EntityKey == "" {
		return nil, model.NewValidationError("entity_key", "", "empty identifier")
	}
	id := env.EntityKey + "|" + env.Source
	dup := s.seen[id]
	s.seen[id] = true
	return &model.IngestResult{Duplicate: dup}, nil
}

const sampleJSONL = `{"entity_key":"acme.com","source":"providerA","dimension":"name","extracted_fields":{"value":"Acme"},"observed_at":"2025-05-01T12:00:00Z"}
{"entity_key":"acme.com","source":"providerA","dimension":"name","extracted_fields":{"value":"Acme"},"observed_at":"2025-05-01T12:00:00Z"}

{"entity_key":"","source":"providerA","dimension":"name","observed_at":"2025-05-01T12:00:00Z"}
not json
{"entity_key":"globex.com","source":"providerB","dimension":"name","extracted_fields":{"value":"Globex"},"observed_at":"2025-05-01T12:00:00Z"}
`

func TestIngestLines_Counts(t *testing.T) {
	ing := &stubIngester{seen: map[string]bool{}}
	// Concurrency 1 keeps the duplicate deterministic.
	stats, err := ingestLines(context.Background(), strings.NewReader(sampleJSONL), ing, 1)
	require.NoError(t, err)
	assert.Equal(t, ingestStats{Lines: 5, Stored: 2, Duplicate: 1, Rejected: 2}, stats)
}

func TestIngestLines_StoreFailureAborts(t *testing.T) {
	ing := &stubIngester{seen: map[string]bool{}, err: errors.New("connection refused")}
	_, err := ingestLines(context.Background(), strings.NewReader(sampleJSONL), ing, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestInitEnv_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg = &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cli.db")},
		Coalesce:  config.CoalesceConfig{Concurrency: 2},
		Ingest:    config.IngestConfig{Concurrency: 4},
		Reconcile: config.ReconcileConfig{BatchSize: 10, MaxAttempts: 2, BackoffMs: 1},
	}
	t.Cleanup(func() { cfg = nil })

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	stats, err := ingestLines(ctx, strings.NewReader(sampleJSONL), env.Service, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Stored)
	assert.EqualValues(t, 1, stats.Duplicate)
	assert.EqualValues(t, 2, stats.Rejected)

	v, err := env.Service.View(ctx, "globex.com")
	require.NoError(t, err)
	require.NotNil(t, v.Canonical(model.DimName))
	assert.Equal(t, "Globex", *v.Canonical(model.DimName))
}

func TestInitEnv_UnknownRuleSet(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cli.db")},
		Rules: config.RulesConfig{Version: "v404"},
	}
	t.Cleanup(func() { cfg = nil })

	_, err := initEnv(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestInitStore_Drivers(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}
	t.Cleanup(func() { cfg = nil })
	_, err := initStore(context.Background())
	assert.Error(t, err)

	cfg.Store = config.StoreConfig{Driver: "postgres"}
	_, err = initStore(context.Background())
	assert.Error(t, err)
}
