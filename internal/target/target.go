// Package target defines the backend-agnostic contract for the platform a
// seed run writes to, and a registry of backends by kind.
//
// Backends register a Factory from their init function; importing
// seedflow/internal/target/all (even as a blank import) makes every bundled
// kind available:
//
//	import _ "seedflow/internal/target/all"
//
//	t, err := target.New(ctx, target.Config{Kind: "sqlite", DSN: "file:seed.db"})
//	if err != nil { ... }
//	defer t.Close()
package target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"seedflow/internal/commit"
	"seedflow/internal/metadata"
)

// Target is a commit collaborator that can also describe its schema.
type Target interface {
	commit.Committer
	metadata.Describer
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string
	// IDPrefix is prepended to every identifier the backend mints.
	IDPrefix string
	Log      *zap.Logger
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Target, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens the backend registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Target, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no target registered for kind %q (have %v)", cfg.Kind, Kinds())
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	t, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s target: %w", cfg.Kind, err)
	}
	return t, nil
}
