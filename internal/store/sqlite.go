package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/entity-resolver/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements Queries on either the database or a transaction.
type sqliteQueries struct {
	q sqlExecer
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection so per-connection pragmas (foreign
// keys) always apply and writers never contend for the file lock.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrateSQLite(ctx, s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(&sqliteQueries{q: tx}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Entities ---

func (s *sqliteQueries) RegisterEntity(ctx context.Context, key model.Key) (*model.Entity, error) {
	now := formatTime(nowUTC())
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entities (entity_key, kind, identity_kind, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_key) DO NOTHING`,
		key.Value, string(key.Kind), string(key.Identity), string(model.StatusActive), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: register entity %s", key.Value)
	}
	return s.GetEntity(ctx, key.Value)
}

func (s *sqliteQueries) GetEntity(ctx context.Context, key string) (*model.Entity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT entity_key, kind, identity_kind, status, created_at, updated_at FROM entities WHERE entity_key = ?`,
		key,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: entity %s", key)
		}
		return nil, eris.Wrapf(err, "sqlite: get entity %s", key)
	}
	return e, nil
}

func (s *sqliteQueries) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT entity_key, kind, identity_kind, status, created_at, updated_at FROM entities WHERE entity_key > ?`
	args := []any{filter.AfterKey}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY entity_key LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *sqliteQueries) SetEntityStatus(ctx context.Context, key string, status model.EntityStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE entities SET status = ?, updated_at = ? WHERE entity_key = ?`,
		string(status), formatTime(nowUTC()), key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set entity status %s", key)
	}
	return checkRowsAffected(res, "entity", key)
}

// --- Aliases ---

// CreateAlias records alias -> target and re-points aliases that targeted
// the alias key, so resolution never needs more than one hop.
func (s *sqliteQueries) CreateAlias(ctx context.Context, a model.Alias) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE entity_aliases SET target_key = ? WHERE target_key = ?`,
		a.TargetKey, a.AliasKey,
	); err != nil {
		return eris.Wrapf(err, "sqlite: repoint aliases of %s", a.AliasKey)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entity_aliases (alias_key, target_key, report_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (alias_key) DO UPDATE SET target_key = excluded.target_key,
		   report_id = excluded.report_id, created_at = excluded.created_at`,
		a.AliasKey, a.TargetKey, a.ReportID, formatTime(a.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: create alias %s", a.AliasKey)
}

func (s *sqliteQueries) ResolveAlias(ctx context.Context, key string) (string, error) {
	var target string
	err := s.q.QueryRowContext(ctx,
		`SELECT target_key FROM entity_aliases WHERE alias_key = ?`, key,
	).Scan(&target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return key, nil
		}
		return "", eris.Wrapf(err, "sqlite: resolve alias %s", key)
	}
	return target, nil
}

func (s *sqliteQueries) ListAliases(ctx context.Context, target string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT alias_key FROM entity_aliases WHERE target_key = ? ORDER BY alias_key`, target,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list aliases of %s", target)
	}
	defer rows.Close()
	return scanSQLStrings(rows, "sqlite: scan alias")
}

// --- Observations ---

func (s *sqliteQueries) InsertObservation(ctx context.Context, obs *model.Observation) (bool, error) {
	if obs.PayloadHash == "" {
		obs.PayloadHash = obs.Hash()
	}
	fields, err := json.Marshal(nonNilFields(obs.Extracted))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal extracted fields")
	}
	now := nowUTC()

	var payload any
	if len(obs.RawPayload) > 0 {
		payload = string(obs.RawPayload)
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO observations (entity_key, source, dimension, raw_payload, extracted_fields, observed_at, payload_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_key, source, dimension, payload_hash) DO NOTHING`,
		obs.EntityKey, obs.Source, string(obs.Dimension), payload, string(fields),
		formatTime(obs.ObservedAt), obs.PayloadHash, formatTime(now),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert observation")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, eris.Wrap(err, "sqlite: observation id")
		}
		obs.ID = id
		obs.CreatedAt = now
		return true, nil
	}

	var created string
	err = s.q.QueryRowContext(ctx,
		`SELECT id, created_at FROM observations
		 WHERE entity_key = ? AND source = ? AND dimension = ? AND payload_hash = ?`,
		obs.EntityKey, obs.Source, string(obs.Dimension), obs.PayloadHash,
	).Scan(&obs.ID, &created)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: find duplicate observation")
	}
	if obs.CreatedAt, err = parseTime(created); err != nil {
		return false, eris.Wrap(err, "sqlite: parse observation created_at")
	}
	return false, nil
}

func (s *sqliteQueries) ListObservations(ctx context.Context, afterID int64, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, entity_key, source, dimension, raw_payload, extracted_fields, observed_at, payload_hash, created_at
		 FROM observations WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var payload sql.NullString
		var fields, observed, created string
		if err := rows.Scan(&o.ID, &o.EntityKey, &o.Source, &o.Dimension, &payload, &fields,
			&observed, &o.PayloadHash, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if payload.Valid && payload.String != "" {
			o.RawPayload = json.RawMessage(payload.String)
		}
		if err := unmarshalFields([]byte(fields), &o.Extracted); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal extracted fields")
		}
		if o.ObservedAt, err = parseTime(observed); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse observed_at")
		}
		if o.CreatedAt, err = parseTime(created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse created_at")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list observations iterate")
}

// --- Dimension records ---

const sqliteRecordColumns = `id, entity_key, source, dimension, raw_value, canonical_value, extracted,
	observation_id, observed_at, first_valued_at, created_at, updated_at`

// sqliteUpsertGuards mirrors pgUpsertGuards. SQLite's two-argument MIN
// returns NULL when either side is NULL, hence the CASE on first_valued_at.
var sqliteUpsertGuards = map[model.UpsertMode]string{
	model.UpsertLatest: `DO UPDATE SET
		raw_value       = CASE WHEN excluded.observed_at >= dimension_records.observed_at THEN excluded.raw_value ELSE dimension_records.raw_value END,
		canonical_value = CASE WHEN excluded.observed_at >= dimension_records.observed_at THEN excluded.canonical_value ELSE dimension_records.canonical_value END,
		extracted       = CASE WHEN excluded.observed_at >= dimension_records.observed_at THEN excluded.extracted ELSE dimension_records.extracted END,
		observation_id  = CASE WHEN excluded.observed_at >= dimension_records.observed_at THEN excluded.observation_id ELSE dimension_records.observation_id END,
		observed_at     = MAX(dimension_records.observed_at, excluded.observed_at),
		first_valued_at = CASE
			WHEN dimension_records.first_valued_at IS NULL THEN excluded.first_valued_at
			WHEN excluded.first_valued_at IS NULL THEN dimension_records.first_valued_at
			ELSE MIN(dimension_records.first_valued_at, excluded.first_valued_at) END,
		updated_at      = excluded.updated_at
		WHERE excluded.observed_at >= dimension_records.observed_at
		   OR (excluded.first_valued_at IS NOT NULL
		       AND (dimension_records.first_valued_at IS NULL OR excluded.first_valued_at < dimension_records.first_valued_at))`,
	model.UpsertReapply: `DO UPDATE SET
		canonical_value = excluded.canonical_value,
		extracted       = excluded.extracted,
		updated_at      = excluded.updated_at
		WHERE dimension_records.observation_id = excluded.observation_id
		  AND (dimension_records.canonical_value IS NOT excluded.canonical_value
		       OR dimension_records.extracted IS NOT excluded.extracted)`,
	model.UpsertKeepExisting: `DO NOTHING`,
}

func (s *sqliteQueries) UpsertRecord(ctx context.Context, rec model.Record, mode model.UpsertMode) (bool, error) {
	guard, ok := sqliteUpsertGuards[mode]
	if !ok {
		return false, eris.Errorf("sqlite: unknown upsert mode %d", mode)
	}
	extracted, err := json.Marshal(nonNilFields(rec.Extracted))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal record extracted")
	}
	now := formatTime(nowUTC())

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO dimension_records
		 (entity_key, source, dimension, raw_value, canonical_value, extracted, observation_id, observed_at, first_valued_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_key, source, dimension) `+guard,
		rec.EntityKey, rec.Source, string(rec.Dimension), rec.RawValue, rec.Canonical, string(extracted),
		rec.ObservationID, formatTime(rec.ObservedAt), formatTimePtr(rec.FirstValuedAt), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert record %s/%s/%s", rec.EntityKey, rec.Source, rec.Dimension)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: upsert record rows affected")
	}
	return n > 0, nil
}

func (s *sqliteQueries) GetRecord(ctx context.Context, entityKey, source string, dim model.Dimension) (*model.Record, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM dimension_records WHERE entity_key = ? AND source = ? AND dimension = ?`,
		entityKey, source, string(dim),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get record")
	}
	defer rows.Close()
	recs, err := scanSQLiteRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: record %s/%s/%s", entityKey, source, dim)
	}
	return &recs[0], nil
}

func (s *sqliteQueries) ListRecords(ctx context.Context, entityKeys []string) ([]model.Record, error) {
	if len(entityKeys) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM dimension_records WHERE entity_key IN (`+placeholders(len(entityKeys))+`)
		 ORDER BY entity_key, dimension, source`,
		stringArgs(entityKeys)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func scanSQLiteRecords(rows *sql.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		var r model.Record
		var extracted, observed, created, updated string
		var firstValued *string
		if err := rows.Scan(&r.ID, &r.EntityKey, &r.Source, &r.Dimension, &r.RawValue, &r.Canonical, &extracted,
			&r.ObservationID, &observed, &firstValued, &created, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if err := unmarshalFields([]byte(extracted), &r.Extracted); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record extracted")
		}
		var err error
		if r.ObservedAt, err = parseTime(observed); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse observed_at")
		}
		if r.FirstValuedAt, err = parseTimePtr(firstValued); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse first_valued_at")
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse created_at")
		}
		if r.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse updated_at")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: records iterate")
}

func (s *sqliteQueries) EntitiesWithCanonical(ctx context.Context, dim model.Dimension, value string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT entity_key FROM dimension_records
		 WHERE dimension = ? AND canonical_value = ? ORDER BY entity_key`,
		string(dim), value,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: entities with canonical")
	}
	defer rows.Close()
	return scanSQLStrings(rows, "sqlite: scan entity key")
}

// --- Pins ---

func (s *sqliteQueries) SetPin(ctx context.Context, pin model.Pin) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dimension_pins (entity_key, dimension, pinned_source, cleared, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_key, dimension) DO UPDATE SET pinned_source = excluded.pinned_source,
		   cleared = excluded.cleared, updated_at = excluded.updated_at`,
		pin.EntityKey, string(pin.Dimension), nullString(pin.Source), pin.Cleared, formatTime(nowUTC()),
	)
	return eris.Wrapf(err, "sqlite: set pin %s/%s", pin.EntityKey, pin.Dimension)
}

func (s *sqliteQueries) ListPins(ctx context.Context, entityKeys []string) ([]model.Pin, error) {
	if len(entityKeys) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT entity_key, dimension, pinned_source, cleared, updated_at FROM dimension_pins
		 WHERE entity_key IN (`+placeholders(len(entityKeys))+`) ORDER BY entity_key, dimension`,
		stringArgs(entityKeys)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pins")
	}
	defer rows.Close()

	var out []model.Pin
	for rows.Next() {
		var p model.Pin
		var source sql.NullString
		var updated string
		if err := rows.Scan(&p.EntityKey, &p.Dimension, &source, &p.Cleared, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pin")
		}
		p.Source = source.String
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse pin updated_at")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pins iterate")
}

// --- Lookup tables ---

// AddLookupEntries appends entries. Existing mappings are never changed.
func (s *sqliteQueries) AddLookupEntries(ctx context.Context, entries []model.LookupEntry) (int64, error) {
	now := formatTime(nowUTC())
	var inserted int64
	for _, e := range entries {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO lookup_entries (dimension, source, raw_key, canonical, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (dimension, source, raw_key) DO NOTHING`,
			string(e.Dimension), e.Source, e.RawKey, e.Canonical, now,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: add lookup entry %s/%s", e.Dimension, e.RawKey)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func (s *sqliteQueries) FindLookup(ctx context.Context, dim model.Dimension, rawKey string) ([]model.LookupEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT dimension, source, raw_key, canonical, created_at FROM lookup_entries
		 WHERE dimension = ? AND raw_key = ? ORDER BY source`,
		string(dim), rawKey,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find lookup")
	}
	defer rows.Close()
	return scanSQLiteLookup(rows)
}

func (s *sqliteQueries) ListLookup(ctx context.Context, dim model.Dimension) ([]model.LookupEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT dimension, source, raw_key, canonical, created_at FROM lookup_entries
		 WHERE dimension = ? ORDER BY raw_key, source`,
		string(dim),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lookup")
	}
	defer rows.Close()
	return scanSQLiteLookup(rows)
}

func scanSQLiteLookup(rows *sql.Rows) ([]model.LookupEntry, error) {
	var out []model.LookupEntry
	for rows.Next() {
		var e model.LookupEntry
		var created string
		if err := rows.Scan(&e.Dimension, &e.Source, &e.RawKey, &e.Canonical, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookup entry")
		}
		var err error
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse lookup created_at")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: lookup iterate")
}

// --- Rule sets ---

func (s *sqliteQueries) PutRuleSet(ctx context.Context, doc model.RuleSetDoc) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO rule_sets (version, document, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (version) DO NOTHING`,
		doc.Version, doc.Document, formatTime(nowUTC()),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: put rule set %s", doc.Version)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteQueries) GetRuleSet(ctx context.Context, version string) (*model.RuleSetDoc, error) {
	var doc model.RuleSetDoc
	var created string
	err := s.q.QueryRowContext(ctx,
		`SELECT version, document, created_at FROM rule_sets WHERE version = ?`, version,
	).Scan(&doc.Version, &doc.Document, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: rule set %s", version)
		}
		return nil, eris.Wrapf(err, "sqlite: get rule set %s", version)
	}
	if doc.CreatedAt, err = parseTime(created); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse rule set created_at")
	}
	return &doc, nil
}

// --- Relationships ---

func (s *sqliteQueries) InsertRelationships(ctx context.Context, rels []model.Relationship) (int64, error) {
	now := formatTime(nowUTC())
	var inserted int64
	for _, r := range rels {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO relationships (subject_key, predicate, object_key, provenance, confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (subject_key, predicate, object_key, provenance) DO NOTHING`,
			r.SubjectKey, string(r.Predicate), r.ObjectKey, r.Provenance, string(r.Confidence), now,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: insert relationship %s %s %s", r.SubjectKey, r.Predicate, r.ObjectKey)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func (s *sqliteQueries) ListRelationships(ctx context.Context, filter model.RelationshipFilter) ([]model.Relationship, error) {
	query := `SELECT id, subject_key, predicate, object_key, provenance, confidence, created_at, revoked_at, revoked_by_report
	          FROM relationships WHERE 1=1`
	var args []any

	if filter.SubjectKey != "" {
		query += ` AND subject_key = ?`
		args = append(args, filter.SubjectKey)
	}
	if filter.ObjectKey != "" {
		query += ` AND object_key = ?`
		args = append(args, filter.ObjectKey)
	}
	if filter.Predicate != "" {
		query += ` AND predicate = ?`
		args = append(args, string(filter.Predicate))
	}
	if filter.Provenance != "" {
		query += ` AND provenance = ?`
		args = append(args, filter.Provenance)
	}
	if !filter.IncludeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var created string
		var revoked *string
		var reportID sql.NullString
		if err := rows.Scan(&r.ID, &r.SubjectKey, &r.Predicate, &r.ObjectKey, &r.Provenance, &r.Confidence,
			&created, &revoked, &reportID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan relationship")
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse relationship created_at")
		}
		if r.RevokedAt, err = parseTimePtr(revoked); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse relationship revoked_at")
		}
		r.ReportID = reportID.String
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list relationships iterate")
}

func (s *sqliteQueries) CountRelationships(ctx context.Context, key string) (model.Dependents, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT predicate, COUNT(*) FROM relationships
		 WHERE revoked_at IS NULL AND (subject_key = ? OR object_key = ?)
		 GROUP BY predicate`,
		key, key,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count relationships of %s", key)
	}
	defer rows.Close()
	return scanSQLCounts(rows, "", "sqlite: scan relationship count")
}

func (s *sqliteQueries) CountReferences(ctx context.Context, key string) (model.Dependents, error) {
	dims := model.ReferenceDimensions()
	if len(dims) == 0 {
		return model.Dependents{}, nil
	}
	args := make([]any, 0, len(dims)+2)
	for _, d := range dims {
		args = append(args, string(d))
	}
	args = append(args, key, key)
	rows, err := s.q.QueryContext(ctx,
		`SELECT dimension, COUNT(*) FROM dimension_records
		 WHERE dimension IN (`+placeholders(len(dims))+`) AND canonical_value = ? AND entity_key <> ?
		 GROUP BY dimension`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count references to %s", key)
	}
	defer rows.Close()
	return scanSQLCounts(rows, "dimension:", "sqlite: scan reference count")
}

func (s *sqliteQueries) RevokeRelationships(ctx context.Context, ids []int64, reportID string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{formatTime(at), reportID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE relationships SET revoked_at = ?, revoked_by_report = ?
		 WHERE id IN (`+placeholders(len(ids))+`) AND revoked_at IS NULL`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: revoke relationships")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: revoke relationships rows affected")
}

// --- Impact reports ---

func (s *sqliteQueries) CreateReport(ctx context.Context, r *model.ImpactReport) error {
	cols, err := marshalReport(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO impact_reports (id, kind, scope, status, change_set, relationship_counts, reference_counts, matched, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Scope, string(r.Status), string(cols.changeSet), string(cols.relationships),
		string(cols.references), string(cols.matched), formatTime(r.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert report %s", r.ID)
}

func (s *sqliteQueries) GetReport(ctx context.Context, id string) (*model.ImpactReport, error) {
	var r model.ImpactReport
	var changeSet, relationships, references, matched, created string
	var executed *string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, kind, scope, status, change_set, relationship_counts, reference_counts, matched, created_at, executed_at
		 FROM impact_reports WHERE id = ?`,
		id,
	).Scan(&r.ID, &r.Kind, &r.Scope, &r.Status, &changeSet, &relationships, &references, &matched, &created, &executed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: report %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get report %s", id)
	}
	cols := reportColumns{
		changeSet:     []byte(changeSet),
		relationships: []byte(relationships),
		references:    []byte(references),
		matched:       []byte(matched),
	}
	if err := cols.unmarshalInto(&r); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal report %s", id)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse report created_at")
	}
	if r.ExecutedAt, err = parseTimePtr(executed); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse report executed_at")
	}
	return &r, nil
}

func (s *sqliteQueries) MarkReportExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE impact_reports SET status = ?, executed_at = ? WHERE id = ? AND status = ?`,
		string(model.ReportExecuted), formatTime(at), id, string(model.ReportProposed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark report executed %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetReport(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(model.ErrReportNotPending, "sqlite: report %s", id)
}

// --- Reconcile runs ---

func (s *sqliteQueries) CreateRun(ctx context.Context, run *model.ReconcileRun) error {
	started := formatTime(run.StartedAt)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reconcile_runs (id, rule_set_version, status, last_observation_id, scanned, changed, batches, resumed_from, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RuleSetVersion, string(run.Status), run.Cursor, run.Scanned, run.Changed, run.Batches,
		run.ResumedFrom, started, started,
	)
	return eris.Wrapf(err, "sqlite: insert reconcile run %s", run.ID)
}

func (s *sqliteQueries) SaveRun(ctx context.Context, run *model.ReconcileRun) error {
	run.UpdatedAt = nowUTC()
	res, err := s.q.ExecContext(ctx,
		`UPDATE reconcile_runs SET status = ?, last_observation_id = ?, scanned = ?, changed = ?, batches = ?,
		 resumed_from = ?, retirement_report_id = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), run.Cursor, run.Scanned, run.Changed, run.Batches, run.ResumedFrom,
		nullString(run.RetirementReportID), nullString(run.Error), formatTime(run.UpdatedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save reconcile run %s", run.ID)
	}
	return checkRowsAffected(res, "reconcile run", run.ID)
}

func (s *sqliteQueries) LatestRun(ctx context.Context, version string) (*model.ReconcileRun, error) {
	var run model.ReconcileRun
	var reportID, errMsg sql.NullString
	var started, updated string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, rule_set_version, status, last_observation_id, scanned, changed, batches, resumed_from,
		        retirement_report_id, error, started_at, updated_at
		 FROM reconcile_runs WHERE rule_set_version = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		version,
	).Scan(&run.ID, &run.RuleSetVersion, &run.Status, &run.Cursor, &run.Scanned, &run.Changed, &run.Batches,
		&run.ResumedFrom, &reportID, &errMsg, &started, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: reconcile run for %s", version)
		}
		return nil, eris.Wrapf(err, "sqlite: latest reconcile run %s", version)
	}
	run.RetirementReportID = reportID.String
	run.Error = errMsg.String
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse run started_at")
	}
	if run.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse run updated_at")
	}
	return &run, nil
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var created, updated string
	if err := row.Scan(&e.Key, &e.Kind, &e.Identity, &e.Status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func scanSQLStrings(rows *sql.Rows, msg string) ([]string, error) {
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

func scanSQLCounts(rows *sql.Rows, prefix, msg string) (model.Dependents, error) {
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
