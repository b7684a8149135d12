package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lookupInsert = InsertConfig{
	Table:        "lookup_entries",
	Columns:      []string{"dimension", "source", "raw_key", "canonical"},
	ConflictKeys: []string{"dimension", "source", "raw_key"},
}

func TestBulkInsert_EmptyRows(t *testing.T) {
	n, err := BulkInsert(context.Background(), nil, lookupInsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkInsert_NoColumns(t *testing.T) {
	_, err := BulkInsert(context.Background(), nil, InsertConfig{
		Table:        "lookup_entries",
		ConflictKeys: []string{"raw_key"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkInsert_NoConflictKeys(t *testing.T) {
	_, err := BulkInsert(context.Background(), nil, InsertConfig{
		Table:   "lookup_entries",
		Columns: []string{"raw_key"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkInsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{
		{"revenue", "", "$1m-$10m", "10000000"},
		{"revenue", "", "$10m-$50m", "50000000"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_insert_lookup_entries"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_lookup_entries"}, lookupInsert.Columns).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("dimension", "source", "raw_key"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkInsert(context.Background(), mock, lookupInsert, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_insert_lookup_entries"}, lookupInsert.Columns).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkInsert(context.Background(), mock, lookupInsert, [][]any{{"revenue", "", "x", "1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSQL_Update(t *testing.T) {
	cfg := lookupInsert
	cfg.UpdateCols = []string{"canonical"}
	got := insertSQL(cfg, "_tmp")
	assert.Equal(t,
		`INSERT INTO "lookup_entries" ("dimension", "source", "raw_key", "canonical") SELECT "dimension", "source", "raw_key", "canonical" FROM "_tmp" ON CONFLICT ("dimension", "source", "raw_key") DO UPDATE SET "canonical" = EXCLUDED."canonical"`,
		got)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"public.lookup_entries", `"public"."lookup_entries"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
