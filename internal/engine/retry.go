package engine

import (
	"context"
	"time"
)

// retryPolicy is the one retry/backoff combinator shared by model
// initialization, the detection layer and real-time recovery. The backoff
// schedule gives the delay before each re-attempt; when attempts outnumber
// schedule entries the last delay is reused.
type retryPolicy struct {
	attempts     int
	backoff      []time.Duration
	shouldReinit func(error) bool
	reinit       func(context.Context) error
}

func (p retryPolicy) delay(retry int) time.Duration {
	if len(p.backoff) == 0 {
		return 0
	}
	if retry >= len(p.backoff) {
		return p.backoff[len(p.backoff)-1]
	}
	return p.backoff[retry]
}

// do runs op until it succeeds, attempts are exhausted, or the context is
// done. Between attempts it sleeps per the schedule and, when the previous
// error satisfies shouldReinit, runs the reinit hook first.
func (p retryPolicy) do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if d := p.delay(attempt - 1); d > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
				}
			}
			if p.shouldReinit != nil && p.reinit != nil && p.shouldReinit(err) {
				if rerr := p.reinit(ctx); rerr != nil {
					return rerr
				}
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
