package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-resolver/internal/db"
	"github.com/sells-group/entity-resolver/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// pgQueries implements Queries on either the pool or an open transaction.
type pgQueries struct {
	q db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool, pool.Close), nil
}

func newPostgresWithPool(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool, closeFn: closeFn}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgQueries{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Entities ---

func (s *pgQueries) RegisterEntity(ctx context.Context, key model.Key) (*model.Entity, error) {
	now := nowUTC()
	_, err := s.q.Exec(ctx,
		`INSERT INTO entities (entity_key, kind, identity_kind, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (entity_key) DO NOTHING`,
		key.Value, string(key.Kind), string(key.Identity), string(model.StatusActive), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: register entity %s", key.Value)
	}
	return s.GetEntity(ctx, key.Value)
}

func (s *pgQueries) GetEntity(ctx context.Context, key string) (*model.Entity, error) {
	var e model.Entity
	err := s.q.QueryRow(ctx,
		`SELECT entity_key, kind, identity_kind, status, created_at, updated_at FROM entities WHERE entity_key = $1`,
		key,
	).Scan(&e.Key, &e.Kind, &e.Identity, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: entity %s", key)
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", key)
	}
	return &e, nil
}

func (s *pgQueries) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT entity_key, kind, identity_kind, status, created_at, updated_at FROM entities WHERE entity_key > $1`
	args := []any{filter.AfterKey}
	argIdx := 2

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY entity_key`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.Key, &e.Kind, &e.Identity, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *pgQueries) SetEntityStatus(ctx context.Context, key string, status model.EntityStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE entities SET status = $1, updated_at = $2 WHERE entity_key = $3`,
		string(status), nowUTC(), key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set entity status %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: entity %s", key)
	}
	return nil
}

// --- Aliases ---

// CreateAlias records alias -> target and re-points aliases that targeted
// the alias key, so resolution never needs more than one hop.
func (s *pgQueries) CreateAlias(ctx context.Context, a model.Alias) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	if _, err := s.q.Exec(ctx,
		`UPDATE entity_aliases SET target_key = $1 WHERE target_key = $2`,
		a.TargetKey, a.AliasKey,
	); err != nil {
		return eris.Wrapf(err, "postgres: repoint aliases of %s", a.AliasKey)
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO entity_aliases (alias_key, target_key, report_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (alias_key) DO UPDATE SET target_key = $2, report_id = $3, created_at = $4`,
		a.AliasKey, a.TargetKey, a.ReportID, a.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create alias %s", a.AliasKey)
}

func (s *pgQueries) ResolveAlias(ctx context.Context, key string) (string, error) {
	var target string
	err := s.q.QueryRow(ctx,
		`SELECT target_key FROM entity_aliases WHERE alias_key = $1`, key,
	).Scan(&target)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return key, nil
		}
		return "", eris.Wrapf(err, "postgres: resolve alias %s", key)
	}
	return target, nil
}

func (s *pgQueries) ListAliases(ctx context.Context, target string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT alias_key FROM entity_aliases WHERE target_key = $1 ORDER BY alias_key`, target,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list aliases of %s", target)
	}
	defer rows.Close()
	return scanStrings(rows, "postgres: scan alias")
}

// --- Observations ---

func (s *pgQueries) InsertObservation(ctx context.Context, obs *model.Observation) (bool, error) {
	if obs.PayloadHash == "" {
		obs.PayloadHash = obs.Hash()
	}
	fields, err := json.Marshal(nonNilFields(obs.Extracted))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal extracted fields")
	}
	now := nowUTC()

	err = s.q.QueryRow(ctx,
		`INSERT INTO observations (entity_key, source, dimension, raw_payload, extracted_fields, observed_at, payload_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (entity_key, source, dimension, payload_hash) DO NOTHING
		 RETURNING id, created_at`,
		obs.EntityKey, obs.Source, string(obs.Dimension), nullableJSON(obs.RawPayload), fields,
		obs.ObservedAt.UTC(), obs.PayloadHash, now,
	).Scan(&obs.ID, &obs.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrap(err, "postgres: insert observation")
	}

	err = s.q.QueryRow(ctx,
		`SELECT id, created_at FROM observations
		 WHERE entity_key = $1 AND source = $2 AND dimension = $3 AND payload_hash = $4`,
		obs.EntityKey, obs.Source, string(obs.Dimension), obs.PayloadHash,
	).Scan(&obs.ID, &obs.CreatedAt)
	if err != nil {
		return false, eris.Wrap(err, "postgres: find duplicate observation")
	}
	return false, nil
}

func (s *pgQueries) ListObservations(ctx context.Context, afterID int64, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.q.Query(ctx,
		`SELECT id, entity_key, source, dimension, raw_payload, extracted_fields, observed_at, payload_hash, created_at
		 FROM observations WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var payload, fields []byte
		if err := rows.Scan(&o.ID, &o.EntityKey, &o.Source, &o.Dimension, &payload, &fields,
			&o.ObservedAt, &o.PayloadHash, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if len(payload) > 0 {
			o.RawPayload = json.RawMessage(payload)
		}
		if err := unmarshalFields(fields, &o.Extracted); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal extracted fields")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list observations iterate")
}

// --- Dimension records ---

const pgRecordColumns = `id, entity_key, source, dimension, raw_value, canonical_value, extracted,
	observation_id, observed_at, first_valued_at, created_at, updated_at`

// pgUpsertGuards holds the ON CONFLICT action per upsert mode.
var pgUpsertGuards = map[model.UpsertMode]string{
	// Newer observations replace the value; first_valued_at keeps the
	// earliest time any observation supplied a value, even when an older
	// observation arrives late.
	model.UpsertLatest: `DO UPDATE SET
		raw_value       = CASE WHEN EXCLUDED.observed_at >= d.observed_at THEN EXCLUDED.raw_value ELSE d.raw_value END,
		canonical_value = CASE WHEN EXCLUDED.observed_at >= d.observed_at THEN EXCLUDED.canonical_value ELSE d.canonical_value END,
		extracted       = CASE WHEN EXCLUDED.observed_at >= d.observed_at THEN EXCLUDED.extracted ELSE d.extracted END,
		observation_id  = CASE WHEN EXCLUDED.observed_at >= d.observed_at THEN EXCLUDED.observation_id ELSE d.observation_id END,
		observed_at     = GREATEST(d.observed_at, EXCLUDED.observed_at),
		first_valued_at = LEAST(d.first_valued_at, EXCLUDED.first_valued_at),
		updated_at      = EXCLUDED.updated_at
		WHERE EXCLUDED.observed_at >= d.observed_at
		   OR (EXCLUDED.first_valued_at IS NOT NULL
		       AND (d.first_valued_at IS NULL OR EXCLUDED.first_valued_at < d.first_valued_at))`,
	model.UpsertReapply: `DO UPDATE SET
		canonical_value = EXCLUDED.canonical_value,
		extracted       = EXCLUDED.extracted,
		updated_at      = EXCLUDED.updated_at
		WHERE d.observation_id = EXCLUDED.observation_id
		  AND (d.canonical_value IS DISTINCT FROM EXCLUDED.canonical_value
		       OR d.extracted IS DISTINCT FROM EXCLUDED.extracted)`,
	model.UpsertKeepExisting: `DO NOTHING`,
}

func (s *pgQueries) UpsertRecord(ctx context.Context, rec model.Record, mode model.UpsertMode) (bool, error) {
	guard, ok := pgUpsertGuards[mode]
	if !ok {
		return false, eris.Errorf("postgres: unknown upsert mode %d", mode)
	}
	extracted, err := json.Marshal(nonNilFields(rec.Extracted))
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal record extracted")
	}
	now := nowUTC()

	tag, err := s.q.Exec(ctx,
		`INSERT INTO dimension_records AS d
		 (entity_key, source, dimension, raw_value, canonical_value, extracted, observation_id, observed_at, first_valued_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (entity_key, source, dimension) `+guard,
		rec.EntityKey, rec.Source, string(rec.Dimension), rec.RawValue, rec.Canonical, extracted,
		rec.ObservationID, rec.ObservedAt.UTC(), utcPtr(rec.FirstValuedAt), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert record %s/%s/%s", rec.EntityKey, rec.Source, rec.Dimension)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgQueries) GetRecord(ctx context.Context, entityKey, source string, dim model.Dimension) (*model.Record, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM dimension_records WHERE entity_key = $1 AND source = $2 AND dimension = $3`,
		entityKey, source, string(dim),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get record")
	}
	defer rows.Close()
	recs, err := scanPgRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: record %s/%s/%s", entityKey, source, dim)
	}
	return &recs[0], nil
}

func (s *pgQueries) ListRecords(ctx context.Context, entityKeys []string) ([]model.Record, error) {
	if len(entityKeys) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM dimension_records WHERE entity_key = ANY($1)
		 ORDER BY entity_key, dimension, source`,
		entityKeys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()
	return scanPgRecords(rows)
}

func scanPgRecords(rows pgx.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		var r model.Record
		var extracted []byte
		if err := rows.Scan(&r.ID, &r.EntityKey, &r.Source, &r.Dimension, &r.RawValue, &r.Canonical, &extracted,
			&r.ObservationID, &r.ObservedAt, &r.FirstValuedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if err := unmarshalFields(extracted, &r.Extracted); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record extracted")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: records iterate")
}

func (s *pgQueries) EntitiesWithCanonical(ctx context.Context, dim model.Dimension, value string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT DISTINCT entity_key FROM dimension_records
		 WHERE dimension = $1 AND canonical_value = $2 ORDER BY entity_key`,
		string(dim), value,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: entities with canonical")
	}
	defer rows.Close()
	return scanStrings(rows, "postgres: scan entity key")
}

// --- Pins ---

func (s *pgQueries) SetPin(ctx context.Context, pin model.Pin) error {
	var source *string
	if pin.Source != "" {
		source = &pin.Source
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO dimension_pins (entity_key, dimension, pinned_source, cleared, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_key, dimension) DO UPDATE SET pinned_source = $3, cleared = $4, updated_at = $5`,
		pin.EntityKey, string(pin.Dimension), source, pin.Cleared, nowUTC(),
	)
	return eris.Wrapf(err, "postgres: set pin %s/%s", pin.EntityKey, pin.Dimension)
}

func (s *pgQueries) ListPins(ctx context.Context, entityKeys []string) ([]model.Pin, error) {
	if len(entityKeys) == 0 {
		return nil, nil
	}
	rows, err := s.q.Query(ctx,
		`SELECT entity_key, dimension, pinned_source, cleared, updated_at FROM dimension_pins
		 WHERE entity_key = ANY($1) ORDER BY entity_key, dimension`,
		entityKeys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pins")
	}
	defer rows.Close()

	var out []model.Pin
	for rows.Next() {
		var p model.Pin
		var source *string
		if err := rows.Scan(&p.EntityKey, &p.Dimension, &source, &p.Cleared, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pin")
		}
		if source != nil {
			p.Source = *source
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pins iterate")
}

// --- Lookup tables ---

var lookupInsertConfig = db.InsertConfig{
	Table:        "lookup_entries",
	Columns:      []string{"dimension", "source", "raw_key", "canonical", "created_at"},
	ConflictKeys: []string{"dimension", "source", "raw_key"},
}

// AddLookupEntries appends entries. Existing mappings are never changed.
func (s *pgQueries) AddLookupEntries(ctx context.Context, entries []model.LookupEntry) (int64, error) {
	now := nowUTC()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{string(e.Dimension), e.Source, e.RawKey, e.Canonical, now})
	}
	n, err := db.BulkInsert(ctx, s.q, lookupInsertConfig, rows)
	return n, eris.Wrap(err, "postgres: add lookup entries")
}

func (s *pgQueries) FindLookup(ctx context.Context, dim model.Dimension, rawKey string) ([]model.LookupEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT dimension, source, raw_key, canonical, created_at FROM lookup_entries
		 WHERE dimension = $1 AND raw_key = $2 ORDER BY source`,
		string(dim), rawKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find lookup")
	}
	defer rows.Close()
	return scanPgLookup(rows)
}

func (s *pgQueries) ListLookup(ctx context.Context, dim model.Dimension) ([]model.LookupEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT dimension, source, raw_key, canonical, created_at FROM lookup_entries
		 WHERE dimension = $1 ORDER BY raw_key, source`,
		string(dim),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lookup")
	}
	defer rows.Close()
	return scanPgLookup(rows)
}

func scanPgLookup(rows pgx.Rows) ([]model.LookupEntry, error) {
	var out []model.LookupEntry
	for rows.Next() {
		var e model.LookupEntry
		if err := rows.Scan(&e.Dimension, &e.Source, &e.RawKey, &e.Canonical, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookup entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: lookup iterate")
}

// --- Rule sets ---

func (s *pgQueries) PutRuleSet(ctx context.Context, doc model.RuleSetDoc) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO rule_sets (version, document, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (version) DO NOTHING`,
		doc.Version, doc.Document, nowUTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: put rule set %s", doc.Version)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgQueries) GetRuleSet(ctx context.Context, version string) (*model.RuleSetDoc, error) {
	var doc model.RuleSetDoc
	err := s.q.QueryRow(ctx,
		`SELECT version, document, created_at FROM rule_sets WHERE version = $1`, version,
	).Scan(&doc.Version, &doc.Document, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: rule set %s", version)
		}
		return nil, eris.Wrapf(err, "postgres: get rule set %s", version)
	}
	return &doc, nil
}

// --- Relationships ---

func (s *pgQueries) InsertRelationships(ctx context.Context, rels []model.Relationship) (int64, error) {
	now := nowUTC()
	var inserted int64
	for _, r := range rels {
		tag, err := s.q.Exec(ctx,
			`INSERT INTO relationships (subject_key, predicate, object_key, provenance, confidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (subject_key, predicate, object_key, provenance) DO NOTHING`,
			r.SubjectKey, string(r.Predicate), r.ObjectKey, r.Provenance, string(r.Confidence), now,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "postgres: insert relationship %s %s %s", r.SubjectKey, r.Predicate, r.ObjectKey)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (s *pgQueries) ListRelationships(ctx context.Context, filter model.RelationshipFilter) ([]model.Relationship, error) {
	query := `SELECT id, subject_key, predicate, object_key, provenance, confidence, created_at, revoked_at, revoked_by_report
	          FROM relationships WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SubjectKey != "" {
		query += fmt.Sprintf(` AND subject_key = $%d`, argIdx)
		args = append(args, filter.SubjectKey)
		argIdx++
	}
	if filter.ObjectKey != "" {
		query += fmt.Sprintf(` AND object_key = $%d`, argIdx)
		args = append(args, filter.ObjectKey)
		argIdx++
	}
	if filter.Predicate != "" {
		query += fmt.Sprintf(` AND predicate = $%d`, argIdx)
		args = append(args, string(filter.Predicate))
		argIdx++
	}
	if filter.Provenance != "" {
		query += fmt.Sprintf(` AND provenance = $%d`, argIdx)
		args = append(args, filter.Provenance)
		argIdx++
	}
	if !filter.IncludeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var reportID *string
		if err := rows.Scan(&r.ID, &r.SubjectKey, &r.Predicate, &r.ObjectKey, &r.Provenance, &r.Confidence,
			&r.CreatedAt, &r.RevokedAt, &reportID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan relationship")
		}
		if reportID != nil {
			r.ReportID = *reportID
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list relationships iterate")
}

func (s *pgQueries) CountRelationships(ctx context.Context, key string) (model.Dependents, error) {
	rows, err := s.q.Query(ctx,
		`SELECT predicate, COUNT(*) FROM relationships
		 WHERE revoked_at IS NULL AND (subject_key = $1 OR object_key = $1)
		 GROUP BY predicate`,
		key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count relationships of %s", key)
	}
	defer rows.Close()
	return scanCounts(rows, "", "postgres: scan relationship count")
}

func (s *pgQueries) CountReferences(ctx context.Context, key string) (model.Dependents, error) {
	dims := make([]string, 0)
	for _, d := range model.ReferenceDimensions() {
		dims = append(dims, string(d))
	}
	rows, err := s.q.Query(ctx,
		`SELECT dimension, COUNT(*) FROM dimension_records
		 WHERE dimension = ANY($1) AND canonical_value = $2 AND entity_key <> $2
		 GROUP BY dimension`,
		dims, key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count references to %s", key)
	}
	defer rows.Close()
	return scanCounts(rows, "dimension:", "postgres: scan reference count")
}

func (s *pgQueries) RevokeRelationships(ctx context.Context, ids []int64, reportID string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE relationships SET revoked_at = $1, revoked_by_report = $2
		 WHERE id = ANY($3) AND revoked_at IS NULL`,
		at.UTC(), reportID, ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: revoke relationships")
	}
	return tag.RowsAffected(), nil
}

// --- Impact reports ---

func (s *pgQueries) CreateReport(ctx context.Context, r *model.ImpactReport) error {
	cols, err := marshalReport(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO impact_reports (id, kind, scope, status, change_set, relationship_counts, reference_counts, matched, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Kind), r.Scope, string(r.Status), cols.changeSet, cols.relationships, cols.references, cols.matched,
		r.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert report %s", r.ID)
}

func (s *pgQueries) GetReport(ctx context.Context, id string) (*model.ImpactReport, error) {
	var r model.ImpactReport
	var cols reportColumns
	err := s.q.QueryRow(ctx,
		`SELECT id, kind, scope, status, change_set, relationship_counts, reference_counts, matched, created_at, executed_at
		 FROM impact_reports WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Kind, &r.Scope, &r.Status, &cols.changeSet, &cols.relationships, &cols.references, &cols.matched,
		&r.CreatedAt, &r.ExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: report %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get report %s", id)
	}
	if err := cols.unmarshalInto(&r); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal report %s", id)
	}
	return &r, nil
}

func (s *pgQueries) MarkReportExecuted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE impact_reports SET status = $1, executed_at = $2 WHERE id = $3 AND status = $4`,
		string(model.ReportExecuted), at.UTC(), id, string(model.ReportProposed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark report executed %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetReport(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(model.ErrReportNotPending, "postgres: report %s", id)
}

// --- Reconcile runs ---

func (s *pgQueries) CreateRun(ctx context.Context, run *model.ReconcileRun) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO reconcile_runs (id, rule_set_version, status, last_observation_id, scanned, changed, batches, resumed_from, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		run.ID, run.RuleSetVersion, string(run.Status), run.Cursor, run.Scanned, run.Changed, run.Batches,
		run.ResumedFrom, run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert reconcile run %s", run.ID)
}

func (s *pgQueries) SaveRun(ctx context.Context, run *model.ReconcileRun) error {
	run.UpdatedAt = nowUTC()
	tag, err := s.q.Exec(ctx,
		`UPDATE reconcile_runs SET status = $1, last_observation_id = $2, scanned = $3, changed = $4, batches = $5,
		 resumed_from = $6, retirement_report_id = $7, error = $8, updated_at = $9 WHERE id = $10`,
		string(run.Status), run.Cursor, run.Scanned, run.Changed, run.Batches, run.ResumedFrom,
		nullString(run.RetirementReportID), nullString(run.Error), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save reconcile run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: reconcile run %s", run.ID)
	}
	return nil
}

func (s *pgQueries) LatestRun(ctx context.Context, version string) (*model.ReconcileRun, error) {
	var run model.ReconcileRun
	var reportID, errMsg *string
	err := s.q.QueryRow(ctx,
		`SELECT id, rule_set_version, status, last_observation_id, scanned, changed, batches, resumed_from,
		        retirement_report_id, error, started_at, updated_at
		 FROM reconcile_runs WHERE rule_set_version = $1 ORDER BY started_at DESC, id DESC LIMIT 1`,
		version,
	).Scan(&run.ID, &run.RuleSetVersion, &run.Status, &run.Cursor, &run.Scanned, &run.Changed, &run.Batches,
		&run.ResumedFrom, &reportID, &errMsg, &run.StartedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: reconcile run for %s", version)
		}
		return nil, eris.Wrapf(err, "postgres: latest reconcile run %s", version)
	}
	if reportID != nil {
		run.RetirementReportID = *reportID
	}
	if errMsg != nil {
		run.Error = *errMsg
	}
	return &run, nil
}

func scanStrings(rows pgx.Rows, msg string) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, msg)
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), msg)
}

func scanCounts(rows pgx.Rows, prefix, msg string) (model.Dependents, error) {
	out := model.Dependents{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, eris.Wrap(err, msg)
		}
		out[prefix+name] = n
	}
	return out, eris.Wrap(rows.Err(), msg)
}
