package target

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"seedflow/pkg/records"
)

// IDColumn holds the platform identifier in SQL-backed targets.
const IDColumn = "Id"

// Columns returns the union of field names across batch in first-seen order,
// never including IDColumn.
func Columns(batch []records.Record) []string {
	seen := map[string]bool{IDColumn: true}
	var cols []string
	for _, r := range batch {
		for _, k := range r.Keys() {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// Row lays rec out in cols order; absent fields become nil and nested values
// are JSON-encoded.
func Row(rec records.Record, cols []string) ([]any, error) {
	row := make([]any, len(cols))
	for i, c := range cols {
		v, err := SQLValue(rec.Get(c))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", c, err)
		}
		row[i] = v
	}
	return row, nil
}

// SQLValue converts a record value into something database/sql and pgx can
// bind.
func SQLValue(v any) (any, error) {
	switch t := v.(type) {
	case records.Record, map[string]any, []any, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// NewID mints a platform identifier.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ExternalKey returns the stringified external-id value of rec, or "".
func ExternalKey(rec records.Record, field string) string {
	if field == "" {
		return ""
	}
	v, ok := rec.Path(field)
	if !ok || records.IsEmpty(v) {
		return ""
	}
	return records.String(v)
}
