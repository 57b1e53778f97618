// Package datasource loads seed documents. A reference is a file path
// (relative paths resolve against the loader's base directory) or an
// http(s) URL; the format follows the extension: .json, .yaml/.yml, or .csv
// (a header row, then one record per line with string values).
//
// Documents are decoded once per Loader and shared; Records hands out
// copies.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"seedflow/internal/datasource/csv"
	"seedflow/internal/datasource/file"
	"seedflow/internal/datasource/httpds"
	"seedflow/internal/errs"
	"seedflow/pkg/records"
)

type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Format is a seed document encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	CSV  Format = "csv"
)

// Options configures a Loader.
type Options struct {
	// BaseDir anchors relative file references.
	BaseDir string
	HTTP    httpds.Config
	CSV     csv.Options
	// MaxFileBytes caps local documents; zero means file.DefaultMaxBytes.
	MaxFileBytes int64
	Log          *zap.Logger
}

// Loader fetches and decodes seed documents, caching each by reference.
type Loader struct {
	base string
	http *httpds.Client
	csv  *csv.Parser
	max  int64
	log  *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]any
}

// NewLoader returns a Loader with an empty cache.
func NewLoader(opts Options) *Loader {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.HTTP.Log == nil {
		opts.HTTP.Log = opts.Log
	}
	if opts.HTTP.MaxBodyBytes <= 0 {
		opts.HTTP.MaxBodyBytes = opts.MaxFileBytes
	}
	return &Loader{
		base:  opts.BaseDir,
		http:  httpds.NewClient(opts.HTTP),
		csv:   csv.NewParser(opts.CSV),
		max:   opts.MaxFileBytes,
		log:   opts.Log,
		cache: map[string]any{},
	}
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func (l *Loader) resolve(ref string) string {
	if isURL(ref) || filepath.IsAbs(ref) || l.base == "" {
		return ref
	}
	return filepath.Join(l.base, ref)
}

// Load returns the decoded document behind ref. Concurrent loads of the same
// reference share one fetch. A missing or undecodable file is a
// configuration error; a failed HTTP fetch is a transport error.
func (l *Loader) Load(ctx context.Context, ref string) (any, error) {
	key := l.resolve(ref)

	l.mu.Lock()
	doc, ok := l.cache[key]
	l.mu.Unlock()
	if ok {
		return doc, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		doc, err := l.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[key] = doc
		l.mu.Unlock()
		return doc, nil
	})
	return v, err
}

func (l *Loader) fetch(ctx context.Context, ref string) (any, error) {
	var (
		src    Source
		format = FormatOf(ref)
	)
	if isURL(ref) {
		b, ctype, err := l.http.Fetch(ctx, ref)
		if err != nil {
			return nil, errs.Transport(err, "load %s", ref)
		}
		if format == "" {
			format = formatOfContentType(ctype)
		}
		src = staticSource(b)
	} else {
		src = file.NewLocal(ref, l.max)
	}

	rc, err := src.Open(ctx)
	if err != nil {
		e := errs.Configf("data source %s: %v", ref, err)
		e.Err = err
		return nil, e
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Transport(err, "read %s", ref)
	}

	doc, err := decode(format, b, l.csv)
	if err != nil {
		e := errs.Configf("data source %s: %v", ref, err)
		e.Err = err
		return nil, e
	}
	l.log.Debug("datasource: loaded", zap.String("ref", ref), zap.String("format", string(format)), zap.Int("bytes", len(b)))
	return doc, nil
}

type staticSource []byte

func (s staticSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s)), nil
}

// FormatOf derives the format from ref's extension, ignoring any URL query.
// It returns "" when the extension is unknown.
func FormatOf(ref string) Format {
	p := ref
	if isURL(ref) {
		if u, err := url.Parse(ref); err == nil {
			p = u.Path
		}
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return JSON
	case ".yaml", ".yml":
		return YAML
	case ".csv":
		return CSV
	}
	return ""
}

func formatOfContentType(ct string) Format {
	mt, _, _ := mime.ParseMediaType(ct)
	switch {
	case strings.HasSuffix(mt, "json"):
		return JSON
	case strings.HasSuffix(mt, "yaml"):
		return YAML
	case mt == "text/csv":
		return CSV
	}
	return ""
}

// Decode parses b. An unknown format decodes as JSON when the content looks
// like JSON and as YAML otherwise.
func Decode(f Format, b []byte) (any, error) {
	return decode(f, b, csv.NewParser(csv.Options{}))
}

func decode(f Format, b []byte, cp *csv.Parser) (any, error) {
	if f == "" {
		f = YAML
		if t := bytes.TrimSpace(b); len(t) > 0 && (t[0] == '[' || t[0] == '{') {
			f = JSON
		}
	}
	switch f {
	case JSON:
		return records.DecodeJSON(b)
	case YAML:
		return records.DecodeYAML(b)
	case CSV:
		return cp.ParseBytes(b)
	}
	return nil, fmt.Errorf("unknown format %q", f)
}

// Records returns copies of the records found at the dotted key of doc (the
// whole document when key is empty). Anything but an array of objects there
// is a configuration error.
func Records(doc any, key string) ([]records.Record, error) {
	v := doc
	if key != "" {
		rec, ok := doc.(records.Record)
		if !ok {
			return nil, errs.Configf("dataSubKey %q: document is not an object", key)
		}
		if v, ok = rec.Path(key); !ok {
			return nil, errs.Configf("dataSubKey %q: not found", key)
		}
	}
	arr, ok := v.([]any)
	if !ok {
		where := "document root"
		if key != "" {
			where = fmt.Sprintf("dataSubKey %q", key)
		}
		return nil, errs.Configf("%s: expected an array, got %T", where, v)
	}
	out := make([]records.Record, len(arr))
	for i, el := range arr {
		rec, ok := el.(records.Record)
		if !ok {
			return nil, errs.Configf("element %d: expected an object, got %T", i, el)
		}
		out[i] = rec.Clone()
	}
	return out, nil
}
