package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"seedflow/internal/commit"
	"seedflow/internal/mapping"
	"seedflow/internal/target"
	"seedflow/pkg/records"
)

// commitBulk stages the batch with COPY and merges it with one statement.
// Rows without an external id are rejected up front for upsert and update.
// Staged values are the union of the batch's columns; a field absent from a
// row stages as NULL, which leaves an existing value untouched.
func (r *Repository) commitBulk(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (commit.Result, error) {
	res := commit.Result{Rows: make([]commit.RowResult, 0, len(batch))}

	cols := target.Columns(batch)
	staged := make([][]any, 0, len(batch))
	minted := map[string]int{}
	byExt := map[string]int{}
	for i, rec := range batch {
		ext := target.ExternalKey(rec, s.ExternalIDField)
		if s.Operation != mapping.OpInsert && ext == "" {
			res.Rows = append(res.Rows, commit.RowResult{Index: i,
				Errors: []string{fmt.Sprintf("missing external id %s", s.ExternalIDField)}})
			continue
		}
		vals, err := target.Row(rec, cols)
		if err != nil {
			res.Rows = append(res.Rows, commit.RowResult{Index: i, ExternalID: ext, Errors: []string{err.Error()}})
			continue
		}
		id := target.NewID(r.cfg.IDPrefix)
		minted[id] = i
		if _, dup := byExt[ext]; !dup && ext != "" {
			byExt[ext] = i
		}
		row := append([]any{id}, vals...)
		staged = append(staged, append(row, i))
	}
	if len(staged) == 0 {
		return res, nil
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return commit.Result{}, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return commit.Result{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tmp := "seed_stage"
	all := append([]string{target.IDColumn}, cols...)
	create := fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WHERE false",
		pgIdent(tmp), strings.Join(mapIdent(all), ", "), pgFQN(entity))
	if _, err := tx.Exec(ctx, create); err != nil {
		return commit.Result{}, stageErr("create temp", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN __idx integer", pgIdent(tmp))); err != nil {
		return commit.Result{}, stageErr("alter temp", err)
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, append(all, "__idx"), pgx.CopyFromRows(staged))
	if err != nil {
		return commit.Result{}, stageErr("copy into temp", err)
	}

	rows, err := tx.Query(ctx, bulkMergeSQL(entity, tmp, s.ExternalIDField, s.Operation, cols))
	if err != nil {
		return commit.Result{}, stageErr("merge", err)
	}
	matched := map[int]bool{}
	for rows.Next() {
		var (
			id, key string
			created bool
		)
		if err := rows.Scan(&id, &key, &created); err != nil {
			rows.Close()
			return commit.Result{}, stageErr("merge", err)
		}
		rr := commit.RowResult{Index: -1, ID: id, Created: created}
		switch s.Operation {
		case mapping.OpInsert:
			rr.Index = minted[id]
		case mapping.OpUpdate:
			rr.Index, _ = strconv.Atoi(key)
		default:
			rr.ExternalID = key
			if i, ok := byExt[key]; ok {
				rr.Index = i
			}
		}
		if rr.Index >= 0 {
			matched[rr.Index] = true
		}
		res.Rows = append(res.Rows, rr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return commit.Result{}, stageErr("merge", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return commit.Result{}, fmt.Errorf("postgres: commit: %w", err)
	}

	if s.Operation == mapping.OpUpdate {
		for _, row := range staged {
			i := row[len(row)-1].(int)
			if !matched[i] {
				res.Rows = append(res.Rows, commit.RowResult{Index: i,
					Errors: []string{fmt.Sprintf("no %s with %s=%q", entity, s.ExternalIDField, target.ExternalKey(batch[i], s.ExternalIDField))}})
			}
		}
	}
	for _, rr := range res.Rows {
		if rr.OK() && rr.Index >= 0 {
			res.Processed = append(res.Processed, batch[rr.Index])
		}
	}
	r.log.Debug("postgres: bulk merged", zap.String("entity", entity), zap.Int64("staged", n), zap.Int("returned", len(res.Rows)))
	return res, nil
}

func stageErr(step string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("postgres: %s: %s: %s (%s)", step, pgErr.Message, pgErr.Detail, pgErr.SQLState())
	}
	return fmt.Errorf("postgres: %s: %w", step, err)
}
