// Package postgres implements a Postgres target using pgx v5. Each entity
// type is a table with an "Id" text primary key; upserts need a unique
// constraint on the external-id column.
//
// The single API writes one autocommitted statement per row. Grouped batches
// run in one transaction with a savepoint per row. Bulk batches COPY into a
// temporary table and merge with one statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"seedflow/internal/commit"
	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/target"
	"seedflow/pkg/records"
)

// Config holds Postgres target configuration.
type Config struct {
	DSN      string // connection string for pgxpool
	IDPrefix string
}

// Repository is a Postgres-backed target.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *zap.Logger
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	closeFn := func() { pool.Close() }
	return &Repository{pool: pool, cfg: cfg, log: zap.NewNop()}, closeFn, nil
}

// Exec runs an arbitrary statement (typically DDL).
func (r *Repository) Exec(ctx context.Context, sql string) error {
	_, err := r.pool.Exec(ctx, sql)
	return err
}

func (r *Repository) EnsureAvailable(ctx context.Context, entity string) error {
	var ok bool
	if err := r.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", pgFQN(entity)).Scan(&ok); err != nil {
		return errs.Transport(err, "postgres: lookup table %s", entity)
	}
	if !ok {
		return errs.Schemaf("no table %q", entity)
	}
	return nil
}

// Describe reads the table's columns from information_schema. The Id column
// and generated columns are not writable.
func (r *Repository) Describe(ctx context.Context, entity string) (metadata.FieldInfo, error) {
	if err := r.EnsureAvailable(ctx, entity); err != nil {
		return metadata.FieldInfo{}, err
	}
	schema, table := "", entity
	if i := strings.LastIndexByte(entity, '.'); i >= 0 {
		schema, table = entity[:i], entity[i+1:]
	}
	rows, err := r.pool.Query(ctx, `
SELECT column_name, is_updatable, is_generated
FROM information_schema.columns
WHERE table_name = $1 AND table_schema = COALESCE(NULLIF($2, ''), current_schema())
ORDER BY ordinal_position`, table, schema)
	if err != nil {
		return metadata.FieldInfo{}, errs.Transport(err, "postgres: describe %s", entity)
	}
	defer rows.Close()

	fi := metadata.FieldInfo{Entity: entity, Fields: map[string]metadata.Field{}}
	for rows.Next() {
		var name, updatable, generated string
		if err := rows.Scan(&name, &updatable, &generated); err != nil {
			return metadata.FieldInfo{}, errs.Transport(err, "postgres: describe %s", entity)
		}
		writable := name != target.IDColumn && updatable == "YES" && generated != "ALWAYS"
		fi.Fields[name] = metadata.Field{Name: name, Createable: writable, Updateable: writable}
	}
	if err := rows.Err(); err != nil {
		return metadata.FieldInfo{}, errs.Transport(err, "postgres: describe %s", entity)
	}
	return fi, nil
}

// Commit writes batch using the strategy's API. Server-side rejections of a
// row (constraint violations, bad values) become row results; anything else
// fails the batch.
func (r *Repository) Commit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	switch s.API {
	case mapping.APISingle:
		return r.commitSingle(ctx, entity, batch, s)
	case mapping.APIBulk:
		return r.commitBulk(ctx, entity, batch, s)
	}
	return r.commitGrouped(ctx, entity, batch, s)
}

// rowQuerier is the subset of *pgxpool.Pool and pgx.Tx a row write needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) commitSingle(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	res := commit.Result{Rows: make([]commit.RowResult, 0, len(batch))}
	for i, rec := range batch {
		rr, err := r.writeRow(ctx, r.pool, entity, i, rec, s)
		if err != nil {
			return res, err
		}
		res.Rows = append(res.Rows, rr)
		if rr.OK() {
			res.Processed = append(res.Processed, rec)
		}
	}
	return res, nil
}

func (r *Repository) commitGrouped(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return commit.Result{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res := commit.Result{Rows: make([]commit.RowResult, 0, len(batch))}
	for i, rec := range batch {
		// nested Begin is a savepoint
		sp, err := tx.Begin(ctx)
		if err != nil {
			return commit.Result{}, fmt.Errorf("postgres: savepoint: %w", err)
		}
		rr, err := r.writeRow(ctx, sp, entity, i, rec, s)
		if err != nil {
			return commit.Result{}, err
		}
		if rr.OK() {
			err = sp.Commit(ctx)
		} else {
			err = sp.Rollback(ctx)
		}
		if err != nil {
			return commit.Result{}, fmt.Errorf("postgres: row %d: %w", i, err)
		}
		res.Rows = append(res.Rows, rr)
		if rr.OK() {
			res.Processed = append(res.Processed, rec)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return commit.Result{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return res, nil
}

// writeRow runs the row's statement. A returned error is a transport
// failure; row rejections come back inside the RowResult.
func (r *Repository) writeRow(ctx context.Context, q rowQuerier, entity string, i int, rec records.Record, s mapping.Strategy) (commit.RowResult, error) {
	ext := target.ExternalKey(rec, s.ExternalIDField)
	rr := commit.RowResult{Index: i, ExternalID: ext}

	cols := rec.Keys()
	vals, err := target.Row(rec, cols)
	if err != nil {
		rr.Errors = []string{err.Error()}
		return rr, nil
	}

	var (
		sql  string
		args []any
	)
	switch s.Operation {
	case mapping.OpInsert:
		sql, args = insertSQL(entity, cols), append([]any{target.NewID(r.cfg.IDPrefix)}, vals...)
	case mapping.OpUpdate:
		if ext == "" {
			rr.Errors = []string{fmt.Sprintf("missing external id %s", s.ExternalIDField)}
			return rr, nil
		}
		set := without(cols, s.ExternalIDField)
		if len(set) == 0 {
			set = []string{s.ExternalIDField}
		}
		setVals, err := target.Row(rec, set)
		if err != nil {
			rr.Errors = []string{err.Error()}
			return rr, nil
		}
		sql, args = updateSQL(entity, s.ExternalIDField, cols), append(setVals, ext)
	default:
		if ext == "" {
			rr.Errors = []string{fmt.Sprintf("missing external id %s", s.ExternalIDField)}
			return rr, nil
		}
		sql, args = upsertSQL(entity, s.ExternalIDField, cols), append([]any{target.NewID(r.cfg.IDPrefix)}, vals...)
	}

	err = q.QueryRow(ctx, sql, args...).Scan(&rr.ID, &rr.Created)
	switch {
	case err == nil:
		return rr, nil
	case errors.Is(err, pgx.ErrNoRows):
		rr.Errors = []string{fmt.Sprintf("no %s with %s=%q", entity, s.ExternalIDField, ext)}
		return rr, nil
	}
	if msg, ok := rowError(err); ok {
		rr.ID, rr.Created = "", false
		rr.Errors = []string{msg}
		return rr, nil
	}
	return rr, err
}

// rowError reports whether err is a server-side rejection of the statement
// and renders it.
func rowError(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	// class 08 is connection failure, 57 operator intervention, 53 resources
	switch {
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"), strings.HasPrefix(pgErr.Code, "53"):
		return "", false
	}
	if pgErr.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", pgErr.Message, pgErr.Detail, pgErr.SQLState()), true
	}
	return fmt.Sprintf("%s (%s)", pgErr.Message, pgErr.SQLState()), true
}
