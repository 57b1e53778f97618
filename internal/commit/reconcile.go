package commit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// Reconciler drives a Committer batch by batch.
//
// Batches commit strictly in sequence: batch N+1 is submitted only after
// batch N is fully reconciled. On every batch a progress line is logged with
// running totals and rows/sec since the previous batch.
type Reconciler struct {
	Committer Committer
	Log       *zap.Logger
	// BatchSize applies when the strategy leaves it unset.
	BatchSize int
}

// Commit submits recs for entity. matchKey names the business-key field
// used for the returned id map and for failure reports. A transport failure
// stops at the failing batch and returns the outcome so far with the error.
func (r Reconciler) Commit(ctx context.Context, entity string, recs []records.Record, s mapping.Strategy, matchKey string) (Outcome, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	size := s.BatchSize
	if size <= 0 {
		size = r.BatchSize
	}
	if size <= 0 {
		size = mapping.DefaultBatchSize
	}

	out := Outcome{IDs: idmap.Map{}}
	var (
		start     = time.Now()
		lastFlush = start
		lastTotal int
	)

	for lo := 0; lo < len(recs); lo += size {
		if err := ctx.Err(); err != nil {
			return out, errs.Transport(err, "commit %s canceled before batch %d", entity, out.Batches+1)
		}
		hi := min(lo+size, len(recs))
		batch := recs[lo:hi]

		res, err := r.Committer.Commit(ctx, entity, batch, s)
		if err != nil {
			log.Error("commit: batch failed",
				zap.String("entity", entity), zap.Int("batch", out.Batches+1), zap.Int("size", len(batch)), zap.Error(err))
			if errs.KindOf(err) == errs.KindTransport {
				return out, errs.WithEntity(err, entity)
			}
			return out, errs.WithEntity(errs.Transport(err, "commit batch %d", out.Batches+1), entity)
		}
		out.Batches++

		bc := reconcileBatch(batch, lo, res, s, matchKey)
		out.Created = append(out.Created, bc.Created...)
		out.Updated = append(out.Updated, bc.Updated...)
		out.Failures = append(out.Failures, bc.Failures...)
		out.Processed = append(out.Processed, res.Processed...)
		for _, list := range [][]Entry{bc.Created, bc.Updated} {
			for _, e := range list {
				if e.BusinessKey != "" {
					out.IDs[e.BusinessKey] = e.ID
				}
			}
		}
		for _, f := range bc.Failures {
			log.Debug("commit: row failed", zap.String("entity", entity), zap.Int("index", f.Index),
				zap.String("key", f.BusinessKey), zap.Strings("errors", f.Messages))
		}

		now := time.Now()
		sinceLast := now.Sub(lastFlush)
		done := out.Submitted()
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(done-lastTotal) / sinceLast.Seconds()
		}
		log.Info("commit: batch",
			zap.String("entity", entity),
			zap.Int("batch", out.Batches),
			zap.Float64("rps", rps),
			zap.Int("created", len(bc.Created)),
			zap.Int("updated", len(bc.Updated)),
			zap.Int("failed", len(bc.Failures)),
			zap.Int("total", done),
			zap.Duration("elapsed", now.Sub(start).Truncate(time.Millisecond)),
			zap.Duration("since_last", sinceLast.Truncate(time.Millisecond)),
		)
		lastFlush, lastTotal = now, done
	}
	return out, nil
}

// batchOutcome is one batch's reconciliation. Every submitted row lands in
// exactly one of the three lists.
type batchOutcome struct {
	Created, Updated []Entry
	Failures         []Failure
}

// reconcileBatch maps results onto the submitted rows. Upserts match by the
// external-id value because grouped and bulk transports may reorder results;
// a result without an external id, and every insert / update result, matches
// by index. Results that match nothing, or a row already matched, are dropped.
// Rows left without a result become failures.
func reconcileBatch(batch []records.Record, offset int, res Result, s mapping.Strategy, matchKey string) batchOutcome {
	assigned := make([]*RowResult, len(batch))

	byExt := map[string][]int{}
	if s.Operation == mapping.OpUpsert && s.ExternalIDField != "" {
		for i, rec := range batch {
			if v, ok := rec.Path(s.ExternalIDField); ok && !records.IsEmpty(v) {
				k := records.String(v)
				byExt[k] = append(byExt[k], i)
			}
		}
	}

	for i := range res.Rows {
		row := &res.Rows[i]
		idx := -1
		if s.Operation == mapping.OpUpsert && row.ExternalID != "" {
			// first still-unassigned row with this external id
			for _, j := range byExt[row.ExternalID] {
				if assigned[j] == nil {
					idx = j
					break
				}
			}
		} else if row.Index >= 0 && row.Index < len(batch) && assigned[row.Index] == nil {
			idx = row.Index
		}
		if idx >= 0 {
			assigned[idx] = row
		}
	}

	var bo batchOutcome
	for i, row := range assigned {
		key := businessKey(batch[i], matchKey)
		switch {
		case row == nil:
			bo.Failures = append(bo.Failures, Failure{Index: offset + i, BusinessKey: key, Messages: []string{"no result returned"}})
		case len(row.Errors) > 0:
			bo.Failures = append(bo.Failures, Failure{Index: offset + i, BusinessKey: key, ID: row.ID, Messages: row.Errors})
		case row.ID == "":
			bo.Failures = append(bo.Failures, Failure{Index: offset + i, BusinessKey: key, Messages: []string{"no identifier returned"}})
		case row.Created:
			bo.Created = append(bo.Created, Entry{Index: offset + i, BusinessKey: key, ID: row.ID})
		default:
			bo.Updated = append(bo.Updated, Entry{Index: offset + i, BusinessKey: key, ID: row.ID})
		}
	}
	return bo
}

func businessKey(rec records.Record, matchKey string) string {
	if matchKey == "" {
		return ""
	}
	v, ok := rec.Path(matchKey)
	if !ok || records.IsEmpty(v) {
		return ""
	}
	return records.String(v)
}
