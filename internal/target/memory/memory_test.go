package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedflow/internal/commit"
	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/internal/metadata"
	"seedflow/internal/target"
	"seedflow/pkg/records"
)

var upsert = mapping.Strategy{Operation: mapping.OpUpsert, ExternalIDField: "Key", API: mapping.APIGrouped}

func seq(entity string, n int) string { return fmt.Sprintf("%s-%d", entity, n) }

func TestTarget_UpsertCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	m := New(WithIDs(seq))
	ctx := context.Background()

	res, err := m.Commit(ctx, "Account", []records.Record{records.New("Key", "a", "Name", "A")}, upsert)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, commit.RowResult{Index: 0, ExternalID: "a", ID: "Account-1", Created: true}, res.Rows[0])

	res, err = m.Commit(ctx, "Account", []records.Record{records.New("Key", "a", "Name", "A2", "Rating", "Hot")}, upsert)
	require.NoError(t, err)
	assert.False(t, res.Rows[0].Created)
	assert.Equal(t, "Account-1", res.Rows[0].ID)

	rows := m.Rows("Account")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{target.IDColumn, "Key", "Name", "Rating"}, rows[0].Keys())
	assert.Equal(t, "A2", rows[0].Get("Name"))
}

func TestTarget_RowFailures(t *testing.T) {
	t.Parallel()

	m := New(
		WithSchema(metadata.Writable("Contact", "Key", "Email")),
		WithReject(func(_ string, r records.Record) string {
			if r.Get("Email") == "bad" {
				return "INVALID_EMAIL_ADDRESS"
			}
			return ""
		}),
	)
	ctx := context.Background()
	res, err := m.Commit(ctx, "Contact", []records.Record{
		records.New("Key", "1", "Email", "ok@x"),
		records.New("Key", "2", "Email", "bad"),
		records.New("Key", "3", "Phone", "1"),
	}, upsert)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.True(t, res.Rows[0].OK())
	assert.Equal(t, []string{"INVALID_EMAIL_ADDRESS"}, res.Rows[1].Errors)
	assert.Equal(t, []string{"INVALID_FIELD: Phone"}, res.Rows[2].Errors)
	assert.Len(t, res.Processed, 1)

	_, err = m.Commit(ctx, "Contact", []records.Record{records.New("Key", "9")},
		mapping.Strategy{Operation: mapping.OpUpdate, ExternalIDField: "Key"})
	require.NoError(t, err)
}

func TestTarget_Describe(t *testing.T) {
	t.Parallel()

	m := New(WithEntities("Account"), WithSchema(metadata.Writable("Account", "Name")))
	ctx := context.Background()

	fi, err := m.Describe(ctx, "Account")
	require.NoError(t, err)
	assert.True(t, fi.Has("Name"))
	assert.False(t, fi.Has("Other"))

	err = m.EnsureAvailable(ctx, "Widget")
	assert.True(t, errors.Is(err, errs.ErrSchema))

	open, err := New().Describe(ctx, "Anything")
	require.NoError(t, err)
	assert.True(t, open.Has("Whatever"))
}

/*
TestTarget_BulkJob runs the bulk API through the reconciler: the job stays
pending for a few polls and returns rows regrouped by outcome, which the
reconciler must map back by external id.
*/
func TestTarget_BulkJob(t *testing.T) {
	t.Parallel()

	m := New(
		WithIDs(seq),
		WithJobLatency(2),
		WithPoller(commit.Poller{Timeout: time.Second, NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		}}),
		WithReject(func(_ string, r records.Record) string {
			if r.Get("Key") == "a" {
				return "DUPLICATE_VALUE"
			}
			return ""
		}),
	)
	s := upsert
	s.API = mapping.APIBulk

	recs := []records.Record{records.New("Key", "a"), records.New("Key", "b"), records.New("Key", "c")}
	out, err := commit.Reconciler{Committer: m}.Commit(context.Background(), "Account", recs, s, "Key")
	require.NoError(t, err)

	assert.Equal(t, 3, out.Submitted())
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "a", out.Failures[0].BusinessKey)
	assert.Equal(t, 0, out.Failures[0].Index)
	assert.Equal(t, map[string]string{"b": "Account-1", "c": "Account-2"}, map[string]string(out.IDs))
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	tg, err := target.New(context.Background(), target.Config{Kind: "memory", IDPrefix: "001"})
	require.NoError(t, err)
	defer tg.Close()

	res, err := tg.Commit(context.Background(), "Account", []records.Record{records.New("Key", "k")}, upsert)
	require.NoError(t, err)
	assert.Regexp(t, `^001[0-9a-f]{32}$`, res.Rows[0].ID)
}
