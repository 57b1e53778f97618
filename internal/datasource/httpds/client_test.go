// These tests exercise the HTTP datasource client: defaults, retry on
// transient failures, non-retryable statuses and Fetch.

package httpds

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"seedflow/internal/datasource/file"
)

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// TestNewClient_Defaults verifies NewClient applies defaults and honours the
// TLS setting when no custom Transport is supplied.
func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true})
	if c.httpClient.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", c.httpClient.Timeout)
	}
	if c.maxBody != file.DefaultMaxBytes {
		t.Fatalf("maxBody = %d, want %d", c.maxBody, file.DefaultMaxBytes)
	}
	if c.maxRetries != 0 || c.initialBackoff != 200*time.Millisecond || c.maxBackoff != 5*time.Second {
		t.Fatalf("defaults = (%d, %v, %v)", c.maxRetries, c.initialBackoff, c.maxBackoff)
	}
	tr, ok := c.httpClient.Transport.(*http.Transport)
	if !ok || tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("transport = %#v, want InsecureSkipVerify", c.httpClient.Transport)
	}
}

func TestDo_RetryOn5xxThenSuccess(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Seed") != "1" {
			t.Errorf("base header missing")
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	cfg := fastConfig(3)
	cfg.BaseHeaders = http.Header{"X-Seed": []string{"1"}}
	resp, err := NewClient(cfg).Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(fastConfig(2)).Get(context.Background(), srv.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "retryable status 429") {
		t.Fatalf("Get() error = %v, want retryable status 429", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestDo_NonRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(5))
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("status = %d after %d calls", resp.StatusCode, calls)
	}

	if _, _, err := c.Fetch(context.Background(), srv.URL); err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("Fetch() error = %v, want status 404", err)
	}
}

func TestDo_Validation(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{})
	if _, err := c.Do(context.Background(), "", "http://x", nil, nil); err == nil {
		t.Errorf("empty method accepted")
	}
	if _, err := c.Do(context.Background(), http.MethodGet, "", nil, nil); err == nil {
		t.Errorf("empty url accepted")
	}
}

func TestIsRetryableStatus(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]bool{200: false, 404: false, 429: true, 500: true, 503: true, 599: true} {
		if got := isRetryableStatus(code); got != want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetch_CustomTransport(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`[{"Key":"a"}]`)),
			Request:    r,
		}, nil
	})})

	b, ctype, err := c.Fetch(context.Background(), "https://seed.example/accounts")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(b) != `[{"Key":"a"}]` || ctype != "application/json" {
		t.Fatalf("Fetch() = (%q, %q)", b, ctype)
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	t.Parallel()

	body := `[{"Key":"a"}]`
	tests := []struct {
		name    string
		max     int64
		length  int64
		wantErr bool
	}{
		{"at limit", int64(len(body)), -1, false},
		{"over limit unknown length", int64(len(body)) - 1, -1, true},
		{"declared length over limit", 4, int64(len(body)), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClient(Config{MaxBodyBytes: tc.max, Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{
					StatusCode:    http.StatusOK,
					ContentLength: tc.length,
					Body:          io.NopCloser(strings.NewReader(body)),
					Request:       r,
				}, nil
			})})
			b, _, err := c.Fetch(context.Background(), "https://seed.example/accounts")
			if tc.wantErr {
				if !errors.Is(err, file.ErrTooLarge) {
					t.Fatalf("Fetch() error = %v, want ErrTooLarge", err)
				}
				return
			}
			if err != nil || string(b) != body {
				t.Fatalf("Fetch() = (%q, %v)", b, err)
			}
		})
	}
}
