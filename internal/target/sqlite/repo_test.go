package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"seedflow/internal/commit"
	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

/*
Package-level test helpers (TB-aware)
*/

func newRepo(tb testing.TB) *Repository {
	tb.Helper()
	r, closeFn, err := NewRepository(context.Background(), Config{DSN: ":memory:", IDPrefix: "001"})
	if err != nil {
		tb.Fatalf("open sqlite :memory:: %v", err)
	}
	tb.Cleanup(closeFn)
	mustExec(tb, r, `CREATE TABLE "Account" ("Id" TEXT PRIMARY KEY, "Key" TEXT UNIQUE, "Name" TEXT NOT NULL, "Rating" TEXT)`)
	return r
}

func mustExec(tb testing.TB, r *Repository, stmt string) {
	tb.Helper()
	if err := r.Exec(context.Background(), stmt); err != nil {
		tb.Fatalf("exec %q: %v", stmt, err)
	}
}

func count(tb testing.TB, r *Repository) int {
	tb.Helper()
	var n int
	if err := r.db.QueryRow(`SELECT count(*) FROM "Account"`).Scan(&n); err != nil {
		tb.Fatalf("count: %v", err)
	}
	return n
}

var upsert = mapping.Strategy{Operation: mapping.OpUpsert, ExternalIDField: "Key", API: mapping.APIGrouped}

/*
Unit tests
*/

func TestDescribe(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()

	fi, err := r.Describe(ctx, "Account")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	for _, f := range []string{"Id", "Key", "Name", "Rating"} {
		if !fi.Has(f) {
			t.Errorf("field %s missing from %v", f, fi.Fields)
		}
	}
	if fi.Writable("Id", mapping.OpInsert) {
		t.Errorf("Id must not be writable")
	}
	if !fi.Writable("Name", mapping.OpUpdate) {
		t.Errorf("Name must be writable")
	}

	err = r.EnsureAvailable(ctx, "Widget")
	if !errors.Is(err, errs.ErrSchema) {
		t.Fatalf("EnsureAvailable(Widget) = %v, want schema error", err)
	}
}

// TestCommitUpsert verifies an upsert inserts unknown keys, updates known
// ones in place and leaves unmentioned columns alone.
func TestCommitUpsert(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()

	res, err := r.Commit(ctx, "Account", []records.Record{
		records.New("Key", "a", "Name", "A", "Rating", "Hot"),
		records.New("Key", "b", "Name", "B"),
	}, upsert)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(res.Rows) != 2 || !res.Rows[0].Created || !res.Rows[1].Created {
		t.Fatalf("first commit rows = %+v", res.Rows)
	}
	if !strings.HasPrefix(res.Rows[0].ID, "001") {
		t.Errorf("id %q lacks prefix", res.Rows[0].ID)
	}
	firstID := res.Rows[0].ID

	res, err = r.Commit(ctx, "Account", []records.Record{records.New("Key", "a", "Name", "A2")}, upsert)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Rows[0].Created || res.Rows[0].ID != firstID {
		t.Fatalf("rerun row = %+v, want update of %s", res.Rows[0], firstID)
	}

	var name, rating string
	if err := r.db.QueryRow(`SELECT "Name", "Rating" FROM "Account" WHERE "Key" = 'a'`).Scan(&name, &rating); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "A2" || rating != "Hot" {
		t.Errorf("row = (%s, %s), want (A2, Hot)", name, rating)
	}
	if n := count(t, r); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

// TestCommitRowFailureRollsBackOnlyThatRow checks the savepoint path: a
// NOT NULL violation fails one row while the others commit.
func TestCommitRowFailureRollsBackOnlyThatRow(t *testing.T) {
	t.Parallel()

	for _, api := range []mapping.API{mapping.APISingle, mapping.APIGrouped, mapping.APIBulk} {
		t.Run(string(api), func(t *testing.T) {
			r := newRepo(t)
			s := upsert
			s.API = api

			res, err := r.Commit(context.Background(), "Account", []records.Record{
				records.New("Key", "a", "Name", "A"),
				records.New("Key", "b", "Rating", "Cold"),
				records.New("Key", "c", "Name", "C"),
			}, s)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if !res.Rows[0].OK() || res.Rows[1].OK() || !res.Rows[2].OK() {
				t.Fatalf("rows = %+v", res.Rows)
			}
			if !strings.Contains(res.Rows[1].Errors[0], "NOT NULL") {
				t.Errorf("error = %q, want NOT NULL violation", res.Rows[1].Errors[0])
			}
			if len(res.Processed) != 2 {
				t.Errorf("processed = %d, want 2", len(res.Processed))
			}
			if n := count(t, r); n != 2 {
				t.Errorf("count = %d, want 2", n)
			}
		})
	}
}

func TestCommitUpdateAndInsert(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	ctx := context.Background()

	res, err := r.Commit(ctx, "Account", []records.Record{records.New("Key", "x", "Name", "X")},
		mapping.Strategy{Operation: mapping.OpUpdate, ExternalIDField: "Key"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Rows[0].OK() || !strings.Contains(res.Rows[0].Errors[0], `Key="x"`) {
		t.Fatalf("update of missing row = %+v", res.Rows[0])
	}

	res, err = r.Commit(ctx, "Account", []records.Record{records.New("Name", "NoKey")},
		mapping.Strategy{Operation: mapping.OpInsert})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Rows[0].Created {
		t.Fatalf("insert row = %+v", res.Rows[0])
	}
}

// TestCommitThroughReconciler runs the repository under the batch
// reconciler and checks the business-key map.
func TestCommitThroughReconciler(t *testing.T) {
	t.Parallel()

	r := newRepo(t)
	s := upsert
	s.BatchSize = 2
	recs := []records.Record{
		records.New("Key", "k1", "Name", "1"),
		records.New("Key", "k2", "Name", "2"),
		records.New("Key", "k3", "Name", "3"),
	}
	out, err := commit.Reconciler{Committer: r}.Commit(context.Background(), "Account", recs, s, "Key")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if out.Batches != 2 || len(out.Created) != 3 || len(out.IDs) != 3 {
		t.Fatalf("outcome = %+v", out)
	}
}
