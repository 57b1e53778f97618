package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// JobState is the lifecycle of an asynchronous platform job.
type JobState int

const (
	Pending JobState = iota
	Succeeded
	Failed
	TimedOut
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool { return s != Pending }

// Clock abstracts time for the poller so tests never sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller waits for a job to leave Pending. It is a bounded state machine:
// Pending moves to Succeeded or Failed as reported, and to TimedOut once the
// deadline passes or the backoff gives up.
type Poller struct {
	Clock   Clock
	Timeout time.Duration
	// NewBackOff returns the interval policy for one Wait. Nil means
	// exponential from 250ms capped at 10s.
	NewBackOff func() backoff.BackOff
}

// DefaultPollTimeout bounds a Wait when Poller.Timeout is zero.
const DefaultPollTimeout = 10 * time.Minute

// StatusFunc reports a job's current state.
type StatusFunc func(ctx context.Context) (JobState, error)

// next is the transition function.
func next(observed JobState, now, deadline time.Time) JobState {
	if observed.Terminal() {
		return observed
	}
	if !now.Before(deadline) {
		return TimedOut
	}
	return Pending
}

// Wait polls status until a terminal state. It returns the number of polls
// made alongside the final state. A status error or context cancellation
// aborts with the state Pending.
func (p Poller) Wait(ctx context.Context, status StatusFunc) (JobState, int, error) {
	clock := p.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	bo := p.backOff()
	bo.Reset()
	deadline := clock.Now().Add(timeout)

	state, polls := Pending, 0
	for {
		observed, err := status(ctx)
		polls++
		if err != nil {
			return Pending, polls, err
		}
		state = next(observed, clock.Now(), deadline)
		if state.Terminal() {
			return state, polls, nil
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			return TimedOut, polls, nil
		}
		if rem := deadline.Sub(clock.Now()); d > rem {
			d = rem
		}
		if err := clock.Sleep(ctx, d); err != nil {
			return Pending, polls, err
		}
	}
}

func (p Poller) backOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	return eb
}
