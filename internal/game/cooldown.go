package game

import (
	"context"
	"time"
)

// cooldownBuffer pads explicit pre-waits so we never race the server clock.
const cooldownBuffer = 500 * time.Millisecond

// RemainingSeconds computes seconds of cooldown left at now, never negative.
func RemainingSeconds(expiration, now time.Time) float64 {
	if expiration.IsZero() {
		return 0
	}
	secs := expiration.Sub(now).Seconds()
	if secs < 0 {
		return 0
	}
	return secs
}

// HandleCooldown fetches the character's current cooldown and sleeps until it
// elapses, plus a small buffer. When the cooldown has already expired it
// returns without sleeping. A failed fetch is logged and treated as no
// cooldown; the subsequent action will surface the real state.
func (c *Client) HandleCooldown(ctx context.Context, character string) error {
	ch, err := c.FetchCharacter(ctx, character)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.printf("cooldown check for %s failed, assuming none: %v", character, err)
		return nil
	}
	remaining := ch.CooldownRemaining(c.nowFn())
	if remaining <= 0 {
		return nil
	}
	return c.sleepFn(ctx, remaining+cooldownBuffer)
}
