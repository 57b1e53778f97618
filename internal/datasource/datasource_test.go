package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedflow/internal/datasource/csv"
	"seedflow/internal/datasource/file"
	"seedflow/internal/errs"
	"seedflow/pkg/records"
)

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoader_Formats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, dir, "accounts.json", `{"accounts":[{"Key":"a","Name":"A"},{"Key":"b","Name":"B"}]}`)
	write(t, dir, "contacts.yaml", "- Last: Smith\n  Account: a\n- Last: Jones\n  Account: b\n")
	write(t, dir, "products.csv", "\ufeffCode,Name\nP1,Widget\nP2,\"Gadget, large\"\n")

	l := NewLoader(Options{BaseDir: dir})
	ctx := context.Background()

	doc, err := l.Load(ctx, "accounts.json")
	require.NoError(t, err)
	recs, err := Records(doc, "accounts")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"Key", "Name"}, recs[0].Keys())

	doc, err = l.Load(ctx, "contacts.yaml")
	require.NoError(t, err)
	recs, err = Records(doc, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Last", "Account"}, recs[0].Keys())
	assert.Equal(t, "Jones", recs[1].Get("Last"))

	doc, err = l.Load(ctx, filepath.Join(dir, "products.csv"))
	require.NoError(t, err)
	recs, err = Records(doc, "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "P1", recs[0].Get("Code"))
	assert.Equal(t, "Gadget, large", recs[1].Get("Name"))
}

func TestLoader_CSVOptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, dir, "people.csv", "Příjmení;Age\nNovák;\n")
	l := NewLoader(Options{BaseDir: dir, CSV: csv.Options{
		Comma:       ';',
		EmptyAsNull: true,
		HeaderMap:   map[string]string{"Příjmení": "LastName"},
	}})

	doc, err := l.Load(context.Background(), "people.csv")
	require.NoError(t, err)
	recs, err := Records(doc, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Novák", recs[0].Get("LastName"))
	assert.Nil(t, recs[0].Get("Age"))
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write(t, dir, "broken.json", `[{"Key":`)
	l := NewLoader(Options{BaseDir: dir})
	ctx := context.Background()

	_, err := l.Load(ctx, "missing.json")
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "missing file: %v", err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "missing file keeps cause: %v", err)

	_, err = l.Load(ctx, "broken.json")
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "bad json: %v", err)

	write(t, dir, "big.json", `[{"Key":"a"},{"Key":"b"}]`)
	_, err = NewLoader(Options{BaseDir: dir, MaxFileBytes: 8}).Load(ctx, "big.json")
	assert.True(t, errors.Is(err, errs.ErrConfiguration), "over limit: %v", err)
	assert.True(t, errors.Is(err, file.ErrTooLarge), "over limit keeps cause: %v", err)
}

func TestRecords_RequiresArray(t *testing.T) {
	t.Parallel()

	doc := records.New("accounts", records.New("Key", "a"), "list", []any{"x"})

	_, err := Records(doc, "accounts")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.Contains(t, err.Error(), "expected an array")

	_, err = Records(doc, "nope")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = Records(doc, "")
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = Records(doc, "list")
	assert.Contains(t, err.Error(), "element 0")
}

func TestRecords_ReturnsCopies(t *testing.T) {
	t.Parallel()

	doc := []any{records.New("Key", "a")}
	recs, err := Records(doc, "")
	require.NoError(t, err)
	recs[0].Set("Key", "changed")

	again, err := Records(doc, "")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Get("Key"))
}

// TestLoader_HTTPCachesPerRef checks that a URL is fetched once per loader
// and that the content type picks the format when the path has no extension.
func TestLoader_HTTPCachesPerRef(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte("- Key: remote\n"))
	}))
	defer srv.Close()

	l := NewLoader(Options{})
	for i := 0; i < 3; i++ {
		doc, err := l.Load(context.Background(), srv.URL+"/seed/accounts")
		require.NoError(t, err)
		recs, err := Records(doc, "")
		require.NoError(t, err)
		assert.Equal(t, "remote", recs[0].Get("Key"))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoader_HTTPFailureIsTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewLoader(Options{}).Load(context.Background(), srv.URL+"/a.json")
	assert.True(t, errors.Is(err, errs.ErrTransport), "got %v", err)
}

func TestFormatOf(t *testing.T) {
	t.Parallel()

	cases := map[string]Format{
		"a.json":                      JSON,
		"dir/a.YML":                   YAML,
		"a.yaml":                      YAML,
		"a.csv":                       CSV,
		"https://x/seed.json?token=1": JSON,
		"https://x/seed":              "",
		"notes.txt":                   "",
	}
	for ref, want := range cases {
		if got := FormatOf(ref); got != want {
			t.Errorf("FormatOf(%q) = %q, want %q", ref, got, want)
		}
	}
}
