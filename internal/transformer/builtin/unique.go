package builtin

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"seedflow/internal/errs"
	"seedflow/pkg/records"
)

// Unique asserts that the composite key built from Keys never repeats across
// the batch. Records are keyed from the configured fields as strings (nil and
// missing fields become "\x00"), joined with a unit separator and hashed with
// xxh3; colliding hashes are confirmed against the full key before reporting.
type Unique struct {
	Keys []string
}

// Check returns a validation error listing the first duplicate found.
func (u Unique) Check(in []records.Record) error {
	if len(u.Keys) == 0 || len(in) < 2 {
		return nil
	}
	type seen struct {
		key   string
		index int
	}
	buckets := make(map[xxh3.Uint128][]seen, len(in))
	for i, rec := range in {
		key := u.keyOf(rec)
		h := xxh3.HashString128(key)
		for _, s := range buckets[h] {
			if s.key == key {
				return errs.Validationf("duplicate %s %s at records %d and %d",
					strings.Join(u.Keys, "+"), printable(key), s.index, i)
			}
		}
		buckets[h] = append(buckets[h], seen{key: key, index: i})
	}
	return nil
}

func (u Unique) keyOf(r records.Record) string {
	var b strings.Builder
	for i, k := range u.Keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		v, _ := r.Path(k)
		switch t := v.(type) {
		case nil:
			b.WriteByte('\x00')
		case string:
			b.WriteString(t)
		default:
			b.WriteString(fmt.Sprint(t))
		}
	}
	return b.String()
}

func printable(key string) string {
	parts := strings.Split(key, "\x1f")
	for i, p := range parts {
		if p == "\x00" {
			parts[i] = "<nil>"
		}
	}
	return fmt.Sprintf("%q", strings.Join(parts, "|"))
}
