package commit

import (
	"context"
	"fmt"

	"seedflow/internal/errs"
	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

// JobSubmitter is a platform whose bulk API runs asynchronously.
type JobSubmitter interface {
	Submit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (jobID string, err error)
	Status(ctx context.Context, jobID string) (JobState, error)
	Results(ctx context.Context, jobID string) (Result, error)
}

// AsyncCommitter turns a JobSubmitter into a Committer by submitting the
// batch as a job and polling it to completion. A failed or timed-out job is
// a transport failure for the whole batch.
type AsyncCommitter struct {
	Jobs   JobSubmitter
	Poller Poller
}

func (a AsyncCommitter) Commit(ctx context.Context, entity string, batch []records.Record, s mapping.Strategy) (Result, error) {
	id, err := a.Jobs.Submit(ctx, entity, batch, s)
	if err != nil {
		return Result{}, errs.Transport(err, "submit %s job", entity)
	}
	state, polls, err := a.Poller.Wait(ctx, func(ctx context.Context) (JobState, error) {
		return a.Jobs.Status(ctx, id)
	})
	if err != nil {
		return Result{}, errs.Transport(err, "poll job %s after %d polls", id, polls)
	}
	switch state {
	case Succeeded:
	case TimedOut:
		return Result{}, errs.Transport(fmt.Errorf("job %s", state), "job %s did not finish after %d polls", id, polls)
	default:
		return Result{}, errs.Transport(fmt.Errorf("job %s", state), "job %s", id)
	}
	res, err := a.Jobs.Results(ctx, id)
	if err != nil {
		return Result{}, errs.Transport(err, "fetch results of job %s", id)
	}
	return res, nil
}
