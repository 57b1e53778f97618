package sqlite

import (
	"context"

	"seedflow/internal/target"
)

// newRepository is a test hook that points to NewRepository by default.
// Tests may replace this variable to avoid real DB connections.
var newRepository = NewRepository

// wrappedRepo adapts *Repository to target.Target, adding a Close method
// that calls the cleanup function returned by NewRepository.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

// Close implements target.Target.
func (w *wrappedRepo) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}
	return nil
}

var _ target.Target = (*wrappedRepo)(nil)

func init() {
	target.Register("sqlite", func(ctx context.Context, cfg target.Config) (target.Target, error) {
		r, closeFn, err := newRepository(ctx, Config{DSN: cfg.DSN, IDPrefix: cfg.IDPrefix})
		if err != nil {
			return nil, err
		}
		if cfg.Log != nil {
			r.log = cfg.Log.Named("sqlite")
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
