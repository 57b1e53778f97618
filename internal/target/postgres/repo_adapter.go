package postgres

import (
	"context"

	"seedflow/internal/target"
)

// newRepository is a test hook that points to NewRepository by default.
// Tests may replace this variable to avoid real DB connections.
var newRepository = NewRepository

// wrappedRepo implements target.Target by delegating to the concrete
// *Repository while providing a Close method that calls the close function
// returned by NewRepository.
type wrappedRepo struct {
	*Repository
	closeFn func()
}

var _ target.Target = (*wrappedRepo)(nil)

// Close implements target.Target.
func (w *wrappedRepo) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}
	return nil
}

func init() {
	target.Register("postgres", func(ctx context.Context, cfg target.Config) (target.Target, error) {
		r, closeFn, err := newRepository(ctx, Config{DSN: cfg.DSN, IDPrefix: cfg.IDPrefix})
		if err != nil {
			return nil, err
		}
		if cfg.Log != nil {
			r.log = cfg.Log.Named("postgres")
		}
		return &wrappedRepo{Repository: r, closeFn: closeFn}, nil
	})
}
