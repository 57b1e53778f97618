package transformer

import (
	"strconv"
	"strings"
	"time"

	"seedflow/pkg/records"
)

// Coerce converts a string field to Type: "int", "float", "bool", "date" or
// "text". Dates are normalized to YYYY-MM-DD. Values that do not parse are
// left as they are so that validation can report them.
type Coerce struct {
	Field  string
	Type   string
	Layout string
}

func (Coerce) op() {}

// isoDate is the layout dates are written back in.
const isoDate = "2006-01-02"

func applyCoerce(r *records.Record, o Coerce) {
	v, ok := r.Lookup(o.Field)
	if !ok {
		return
	}
	s, isStr := v.(string)
	if !isStr {
		return
	}
	s = strings.TrimSpace(s)
	if s == "" {
		r.Set(o.Field, nil)
		return
	}
	if out, ok := coerceString(s, o.Type, o.Layout); ok {
		r.Set(o.Field, out)
	}
}

func coerceString(s, typ, layout string) (any, bool) {
	switch typ {
	case "int":
		return toIntFast(s)
	case "float":
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case "bool":
		return toBool(s)
	case "date":
		t, ok := parseDate(s, layout)
		if !ok {
			return nil, false
		}
		return t.Format(isoDate), true
	}
	return s, true
}

// toIntFast only falls back to float parsing when s contains a '.', so that
// "42.0" is accepted and "42.5" is not.
func toIntFast(s string) (any, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	}
	return nil, false
}

func toBool(s string) (any, bool) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	}
	return nil, false
}

// parseDate tries layout first, then ISO dates and RFC 3339 timestamps,
// then DD.MM.YYYY.
func parseDate(s, layout string) (time.Time, bool) {
	if layout != "" {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(isoDate, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return parseDottedDate(s)
}

// parseDottedDate is an allocation-free parser for "02.01.2006".
func parseDottedDate(s string) (time.Time, bool) {
	if len(s) != 10 || s[2] != '.' || s[5] != '.' {
		return time.Time{}, false
	}
	d1, d0 := s[0]-'0', s[1]-'0'
	m1, m0 := s[3]-'0', s[4]-'0'
	y3, y2, y1, y0 := s[6]-'0', s[7]-'0', s[8]-'0', s[9]-'0'
	if d1 > 9 || d0 > 9 || m1 > 9 || m0 > 9 || y3 > 9 || y2 > 9 || y1 > 9 || y0 > 9 {
		return time.Time{}, false
	}
	day := int(d1)*10 + int(d0)
	mon := int(m1)*10 + int(m0)
	year := int(y3)*1000 + int(y2)*100 + int(y1)*10 + int(y0)
	if mon < 1 || mon > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC), true
}
