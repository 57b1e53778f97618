// Package csv parses CSV seed documents: a header row, then one record per
// line keyed by the header. Values stay strings; a coerce transform types
// them later.
package csv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"seedflow/pkg/records"
)

// Options configures the parser. The zero value reads comma-separated input
// and keeps empty cells as empty strings.
type Options struct {
	// Comma is the field delimiter. When zero, ',' is used.
	Comma rune

	// TrimSpace trims leading and trailing spaces from each value.
	TrimSpace bool

	// EmptyAsNull stores empty cells as nil instead of "".
	EmptyAsNull bool

	// HeaderMap renames source headers before they become record keys.
	HeaderMap map[string]string
}

// Parser holds only options and is safe for concurrent use.
type Parser struct{ opt Options }

func NewParser(opt Options) *Parser { return &Parser{opt: opt} }

const utf8BOM = "\ufeff"

// Parse reads every row of r. A row whose width differs from the header
// fails the whole document with its line number.
func (p *Parser) Parse(r io.Reader) ([]records.Record, error) {
	cr := csv.NewReader(r)
	if p.opt.Comma != 0 {
		cr.Comma = p.opt.Comma
	}
	cr.TrimLeadingSpace = true

	h, err := cr.Read()
	if err == io.EOF {
		return []records.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	headers := normalizeHeaders(h, p.opt)

	out := []records.Record{}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		rec := records.New()
		for i, val := range row {
			if p.opt.TrimSpace {
				val = strings.TrimSpace(val)
			}
			rec.Set(keyFor(i, headers), p.value(val))
		}
		out = append(out, rec)
	}
}

// ParseBytes parses b as a document of records.
func (p *Parser) ParseBytes(b []byte) (any, error) {
	recs, err := p.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	doc := make([]any, len(recs))
	for i, r := range recs {
		doc[i] = r
	}
	return doc, nil
}

func (p *Parser) value(s string) any {
	if s == "" && p.opt.EmptyAsNull {
		return nil
	}
	return s
}

// keyFor names unnamed columns col_N.
func keyFor(idx int, headers []string) string {
	if idx < len(headers) && headers[idx] != "" {
		return headers[idx]
	}
	return fmt.Sprintf("col_%d", idx)
}

func normalizeHeaders(h []string, opt Options) []string {
	res := make([]string, len(h))
	for i, col := range h {
		c := strings.TrimSpace(col)
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		if m, ok := opt.HeaderMap[c]; ok {
			c = m
		}
		res[i] = c
	}
	return res
}
