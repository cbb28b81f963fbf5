package game

import (
	"context"
	"time"
)

const (
	defaultRetryDelay = 10 * time.Second
	rateLimitDelay    = 30 * time.Second
)

// Action is one attempt at a remote verb.
type Action func(ctx context.Context) (*ActionResult, error)

// OnSuccess observes each successful attempt.
type OnSuccess func(res *ActionResult)

// Retry is the caller's verdict after a failed attempt. A zero Delay means
// the default 10 s.
type Retry struct {
	Continue bool
	Delay    time.Duration
}

// OnError observes each failed attempt and decides whether to keep going.
// attempts is the number of successful executions so far.
type OnError func(err error, attempts int) Retry

// RetryStop aborts the loop; the error surfaces to the caller.
func RetryStop() Retry { return Retry{} }

// RetryAfter keeps going after d.
func RetryAfter(d time.Duration) Retry { return Retry{Continue: true, Delay: d} }

// ExecuteWithCooldown runs action in a loop. maxAttempts counts successful
// executions; zero means unbounded. Two rules hold regardless of what
// onError returns:
//
//   - a cooldown rejection is never permanent: the executor sleeps the
//     indicated remaining duration (possibly zero) and retries;
//   - a rate-limit rejection that continues waits the full 30 s.
//
// Other failures sleep the returned delay and continue or stop as directed.
// Semantic errors (no resource, inventory full, ...) reach onError untouched
// so the cycle, not the executor, owns that policy.
func (c *Client) ExecuteWithCooldown(ctx context.Context, action Action, onSuccess OnSuccess, onError OnError, maxAttempts int) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := action(ctx)
		if err == nil {
			if onSuccess != nil {
				onSuccess(res)
			}
			attempts++
			if maxAttempts > 0 && attempts >= maxAttempts {
				return nil
			}
			continue
		}

		verdict := Retry{Continue: true, Delay: defaultRetryDelay}
		if onError != nil {
			verdict = onError(err, attempts)
		}

		if ae, ok := AsAPIError(err); ok {
			switch ae.Kind {
			case KindCooldown:
				wait := ae.Remaining
				if !ae.HasRemaining {
					wait = defaultRetryDelay
				}
				if serr := c.sleepFn(ctx, wait); serr != nil {
					return serr
				}
				continue
			case KindRateLimited:
				if !verdict.Continue {
					return err
				}
				if serr := c.sleepFn(ctx, rateLimitDelay); serr != nil {
					return serr
				}
				continue
			case KindConfiguration:
				return err
			}
		}

		if !verdict.Continue {
			return err
		}
		delay := verdict.Delay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		if serr := c.sleepFn(ctx, delay); serr != nil {
			return serr
		}
	}
}
