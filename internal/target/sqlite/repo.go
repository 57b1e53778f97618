// Package sqlite implements a SQLite-backed target using database/sql. Each
// entity type is a table with an "Id" text primary key; the external-id field
// of an upsert is an ordinary column the repository matches on before
// choosing between UPDATE and INSERT.
//
// Grouped and bulk batches run in one transaction with a savepoint per row,
// so a rejected row rolls back alone and the rest of the batch commits.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"seedflow/internal/commit"
	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/target"
	"seedflow/pkg/records"
)

// Repository is a SQLite-backed target.
type Repository struct {
	db  *sql.DB
	cfg Config
	log *zap.Logger
}

// NewRepository opens a SQLite connection using the provided DSN and returns
// a Repository plus a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	closeFn := func() { db.Close() }
	return &Repository{db: db, cfg: cfg, log: zap.NewNop()}, closeFn, nil
}

// Exec executes an arbitrary SQL statement (typically DDL).
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

// EnsureAvailable fails with a schema error when no table or view is named
// entity.
func (r *Repository) EnsureAvailable(ctx context.Context, entity string) error {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, entity).Scan(&n)
	if err != nil {
		return errs.Transport(err, "sqlite: lookup table %s", entity)
	}
	if n == 0 {
		return errs.Schemaf("no table %q", entity)
	}
	return nil
}

// Describe lists the table's columns. The Id column is readable only.
func (r *Repository) Describe(ctx context.Context, entity string) (metadata.FieldInfo, error) {
	if err := r.EnsureAvailable(ctx, entity); err != nil {
		return metadata.FieldInfo{}, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(entity)))
	if err != nil {
		return metadata.FieldInfo{}, errs.Transport(err, "sqlite: table_info %s", entity)
	}
	defer rows.Close()

	fi := metadata.FieldInfo{Entity: entity, Fields: map[string]metadata.Field{}}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return metadata.FieldInfo{}, errs.Transport(err, "sqlite: scan table_info %s", entity)
		}
		writable := name != target.IDColumn
		fi.Fields[name] = metadata.Field{Name: name, Createable: writable, Updateable: writable}
	}
	if err := rows.Err(); err != nil {
		return metadata.FieldInfo{}, errs.Transport(err, "sqlite: table_info %s", entity)
	}
	return fi, nil
}

// queryer is the subset of *sql.DB and *sql.Tx a row write needs.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Commit writes batch. The single API autocommits each row; grouped and bulk
// batches share one transaction. Row-level SQL errors become row results; a
// failure to begin or commit the transaction fails the batch.
func (r *Repository) Commit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	res := commit.Result{Rows: make([]commit.RowResult, 0, len(batch))}

	if s.API == mapping.APISingle {
		for i, rec := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			rr := r.writeRow(ctx, r.db, entity, i, rec, s)
			res.Rows = append(res.Rows, rr)
			if rr.OK() {
				res.Processed = append(res.Processed, rec)
			}
		}
		return res, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return commit.Result{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	for i, rec := range batch {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT seed_row"); err != nil {
			_ = tx.Rollback()
			return commit.Result{}, fmt.Errorf("sqlite: savepoint: %w", err)
		}
		rr := r.writeRow(ctx, tx, entity, i, rec, s)
		if !rr.OK() {
			_, err = tx.ExecContext(ctx, "ROLLBACK TO seed_row")
		}
		if err == nil {
			_, err = tx.ExecContext(ctx, "RELEASE seed_row")
		}
		if err != nil {
			_ = tx.Rollback()
			return commit.Result{}, fmt.Errorf("sqlite: row %d: %w", i, err)
		}
		res.Rows = append(res.Rows, rr)
		if rr.OK() {
			res.Processed = append(res.Processed, rec)
		}
	}
	if err := tx.Commit(); err != nil {
		return commit.Result{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	r.log.Debug("sqlite: batch committed", zap.String("entity", entity), zap.Int("rows", len(batch)))
	return res, nil
}

func (r *Repository) writeRow(ctx context.Context, q queryer, entity string, i int, rec records.Record, s mapping.Strategy) commit.RowResult {
	ext := target.ExternalKey(rec, s.ExternalIDField)
	rr := commit.RowResult{Index: i, ExternalID: ext}
	fail := func(err error) commit.RowResult {
		rr.ID, rr.Created = "", false
		rr.Errors = []string{err.Error()}
		return rr
	}

	var existing string
	if s.Operation != mapping.OpInsert {
		if ext == "" {
			return fail(fmt.Errorf("missing external id %s", s.ExternalIDField))
		}
		id, err := r.findID(ctx, q, entity, s.ExternalIDField, ext)
		if err != nil {
			return fail(err)
		}
		existing = id
	}

	switch {
	case existing != "":
		if err := r.update(ctx, q, entity, existing, rec); err != nil {
			return fail(err)
		}
		rr.ID = existing
	case s.Operation == mapping.OpUpdate:
		return fail(fmt.Errorf("no %s with %s=%q", entity, s.ExternalIDField, ext))
	default:
		id := target.NewID(r.cfg.IDPrefix)
		if err := r.insert(ctx, q, entity, id, rec); err != nil {
			return fail(err)
		}
		rr.ID, rr.Created = id, true
	}
	return rr
}

func (r *Repository) findID(ctx context.Context, q queryer, entity, field, ext string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1",
		quoteIdent(target.IDColumn), quoteIdent(entity), quoteIdent(field)), ext).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (r *Repository) insert(ctx context.Context, q queryer, entity, id string, rec records.Record) error {
	cols := append([]string{target.IDColumn}, rec.Keys()...)
	vals, err := target.Row(rec, cols[1:])
	if err != nil {
		return err
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	_, err = q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(entity), strings.Join(mapIdent(cols), ", "), ph), append([]any{id}, vals...)...)
	return err
}

func (r *Repository) update(ctx context.Context, q queryer, entity, id string, rec records.Record) error {
	cols := rec.Keys()
	if len(cols) == 0 {
		return nil
	}
	vals, err := target.Row(rec, cols)
	if err != nil {
		return err
	}
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = quoteIdent(c) + " = ?"
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(entity), strings.Join(set, ", "), quoteIdent(target.IDColumn)), append(vals, id)...)
	return err
}

// quoteIdent quotes a single identifier for SQLite.
func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}
