package lookup

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/model"
)

// Seed files carry one mapping per row: dimension, source, raw, canonical.
// Source may be empty for the shared table. For revenue and funding an
// empty canonical is derived from the raw bucket's upper bound, and a
// range label in the canonical column is converted the same way. Location
// canonicals are either a JSON object or "city|state|country".

// Writer appends lookup entries.
type Writer interface {
	AddLookupEntries(ctx context.Context, entries []model.LookupEntry) (int64, error)
}

// ImportStats summarizes a seed import.
type ImportStats struct {
	Rows     int   `json:"rows"`
	Inserted int64 `json:"inserted"`
	Existing int64 `json:"existing"`
}

const importChunk = 1000

// ImportFile parses a .csv or .xlsx seed file and appends its entries.
// Existing mappings are left unchanged and counted as existing.
func ImportFile(ctx context.Context, w Writer, path string) (ImportStats, error) {
	var entries []model.LookupEntry
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		entries, err = ReadXLSX(path, "")
	case ".csv", ".txt":
		entries, err = readCSVFile(path)
	default:
		return ImportStats{}, eris.Errorf("lookup: unsupported seed file type %q", filepath.Ext(path))
	}
	if err != nil {
		return ImportStats{}, err
	}
	return Import(ctx, w, entries)
}

// Import appends entries in chunks.
func Import(ctx context.Context, w Writer, entries []model.LookupEntry) (ImportStats, error) {
	log := zap.L().With(zap.String("component", "lookup.import"))
	stats := ImportStats{Rows: len(entries)}
	for start := 0; start < len(entries); start += importChunk {
		end := min(start+importChunk, len(entries))
		n, err := w.AddLookupEntries(ctx, entries[start:end])
		if err != nil {
			return stats, eris.Wrapf(err, "lookup: import rows %d-%d", start, end)
		}
		stats.Inserted += n
	}
	stats.Existing = int64(stats.Rows) - stats.Inserted
	log.Info("lookup seed imported",
		zap.Int("rows", stats.Rows),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("existing", stats.Existing),
	)
	return stats, nil
}

// ReadCSV parses seed rows from r. Lines starting with '#' are comments and
// a leading header row is skipped.
func ReadCSV(r io.Reader) ([]model.LookupEntry, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var out []model.LookupEntry
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "lookup: read csv row")
		}
		line++
		if line == 1 && isHeader(record) {
			continue
		}
		e, err := ParseRow(record)
		if err != nil {
			return nil, eris.Wrapf(err, "lookup: csv row %d", line)
		}
		out = append(out, e)
	}
}

func readCSVFile(path string) ([]model.LookupEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: open csv")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(f)
}

// ReadXLSX parses seed rows from a sheet. An empty sheet name reads the
// first sheet.
func ReadXLSX(path, sheetName string) ([]model.LookupEntry, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "lookup: open xlsx")
	}
	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("lookup: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("lookup: xlsx has no sheets")
		}
		sheet = f.Sheets[0]
	}

	var out []model.LookupEntry
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		if blank(cells) || (i == 0 && isHeader(cells)) {
			continue
		}
		e, err := ParseRow(cells)
		if err != nil {
			return nil, eris.Wrapf(err, "lookup: xlsx row %d", i+1)
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseRow converts one seed row into a lookup entry with a folded raw key
// and a canonical value in stored form.
func ParseRow(cells []string) (model.LookupEntry, error) {
	if len(cells) < 3 {
		return model.LookupEntry{}, eris.Errorf("lookup: want dimension,source,raw[,canonical], got %d columns", len(cells))
	}
	get := func(i int) string {
		if i < len(cells) {
			return strings.TrimSpace(cells[i])
		}
		return ""
	}
	dim := model.Dimension(strings.ToLower(get(0)))
	if !isTableDimension(dim) {
		return model.LookupEntry{}, model.NewValidationError("dimension", string(dim), "not a lookup table dimension")
	}
	raw := get(2)
	key := Fold(raw)
	if key == "" {
		return model.LookupEntry{}, model.NewValidationError("raw", raw, "empty raw value")
	}
	canonical, err := canonicalFor(dim, raw, get(3))
	if err != nil {
		return model.LookupEntry{}, err
	}
	return model.LookupEntry{Dimension: dim, Source: get(1), RawKey: key, Canonical: canonical}, nil
}

func canonicalFor(dim model.Dimension, raw, canonical string) (string, error) {
	switch {
	case IsBucketDimension(dim):
		if canonical == "" {
			canonical = raw
		}
		if _, err := strconv.ParseInt(canonical, 10, 64); err == nil {
			return canonical, nil
		}
		return UpperBoundString(canonical)
	case dim == model.DimLocation:
		return locationCanonical(canonical)
	}
	if canonical == "" {
		return "", model.NewValidationError("canonical", raw, "missing canonical value")
	}
	return canonical, nil
}

func locationCanonical(s string) (string, error) {
	var loc model.Location
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &loc); err != nil {
			return "", model.NewValidationError("canonical", s, "malformed location json")
		}
	} else {
		parts := strings.Split(s, "|")
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		loc = model.Location{
			City:    strings.TrimSpace(parts[0]),
			State:   strings.TrimSpace(parts[1]),
			Country: strings.TrimSpace(parts[2]),
		}
	}
	enc := loc.Encode()
	if enc == nil {
		return "", model.NewValidationError("canonical", s, "empty location")
	}
	return *enc, nil
}

func isTableDimension(dim model.Dimension) bool {
	for _, d := range TableDimensions() {
		if d == dim {
			return true
		}
	}
	return false
}

func isHeader(cells []string) bool {
	return len(cells) > 0 && strings.EqualFold(strings.TrimSpace(cells[0]), "dimension")
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
