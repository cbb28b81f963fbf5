package cycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"grindbot.ai/internal/game"
	"grindbot.ai/internal/store"
)

const (
	// Mandatory spacing after successful mutating actions and between
	// bank deposits, on top of any server cooldown.
	defaultPaceDelay = 500 * time.Millisecond

	maxTransportRetries = 5
)

// Telemetry is the slice of the buffer the loop writes to. *telemetry.Buffer
// satisfies it.
type Telemetry interface {
	RecordAction(rec game.ActionRecord)
	RecordInventory(character string, items []store.ItemStack)
}

// Pruner trims the log tables; *store.Store satisfies it. Optional.
type Pruner interface {
	Prune(ctx context.Context)
}

// Loop is the shared skeleton of every cycle: idempotent movement, paced
// actions with retry policy, inventory snapshots and the deposit helper.
// Concrete cycles supply only the body.
type Loop struct {
	Client    *game.Client
	Character string
	Telemetry Telemetry
	Pruner    Pruner
	Logger    *log.Logger
	PaceDelay time.Duration

	loopCount int
	sleepFn   func(ctx context.Context, d time.Duration) error
	nowFn     func() time.Time
}

func NewLoop(client *game.Client, character string, tel Telemetry, pruner Pruner, logger *log.Logger) *Loop {
	return &Loop{
		Client:    client,
		Character: character,
		Telemetry: tel,
		Pruner:    pruner,
		Logger:    logger,
		PaceDelay: defaultPaceDelay,
		sleepFn:   sleepCtx,
		nowFn:     time.Now,
	}
}

// Initialize prunes old telemetry and walks the character to its starting
// position.
func (l *Loop) Initialize(ctx context.Context, start Coords) error {
	if l.Pruner != nil {
		l.Pruner.Prune(ctx)
	}
	return l.MoveTo(ctx, start)
}

// MoveTo is idempotent: no move call is issued when the character already
// stands at target, and AlreadyAtDestination from the server counts as
// success.
func (l *Loop) MoveTo(ctx context.Context, target Coords) error {
	ch, err := l.Client.FetchCharacter(ctx, l.Character)
	if err == nil && ch.At(target.X, target.Y) {
		l.printf("%s already at %s", l.Character, target)
		return nil
	}

	_, err = l.HandleAction(ctx, "move", func(ctx context.Context) (*game.ActionResult, error) {
		return l.Client.Move(ctx, l.Character, target.X, target.Y)
	})
	if game.IsKind(err, game.KindAlreadyAtDestination) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("move to %s: %w", target, err)
	}
	return nil
}

// HandleAction runs one action through the executor with the loop's standard
// policy: cooldowns and rate limits are waited out, plain transport errors
// get bounded exponential backoff, semantic errors surface to the cycle
// body. A successful action is followed by the mandatory pacing delay.
func (l *Loop) HandleAction(ctx context.Context, name string, fn game.Action) (*game.ActionResult, error) {
	var res *game.ActionResult
	transportAttempts := 0

	err := l.Client.ExecuteWithCooldown(ctx, fn,
		func(r *game.ActionResult) { res = r },
		func(err error, _ int) game.Retry {
			if ae, ok := game.AsAPIError(err); ok {
				switch ae.Kind {
				case game.KindRateLimited:
					l.printf("%s: %s rate limited, backing off", l.Character, name)
					return game.RetryAfter(0)
				case game.KindTransport:
					if transportAttempts < maxTransportRetries {
						delay := time.Duration(100*(1<<transportAttempts)) * time.Millisecond
						transportAttempts++
						l.printf("%s: %s transport error (attempt %d): %v", l.Character, name, transportAttempts, err)
						return game.RetryAfter(delay)
					}
				}
			}
			return game.RetryStop()
		},
		1)
	if err != nil {
		return nil, err
	}

	l.printf("%s: %s ok", l.Character, name)
	if serr := l.sleepFn(ctx, l.paceDelay()); serr != nil {
		return res, serr
	}
	return res, nil
}

// CheckInventory fetches the character, records an inventory snapshot, and
// reports whether the inventory is full.
func (l *Loop) CheckInventory(ctx context.Context) (*game.Character, bool, error) {
	ch, err := l.Client.FetchCharacter(ctx, l.Character)
	if err != nil {
		return nil, false, err
	}
	l.snapshot(ch)
	return ch, ch.InventoryFull(), nil
}

// DepositItems deposits every non-empty slot, one item type per call. A
// failed deposit is logged and skipped so one bad item cannot wedge the
// cycle; deposits are spaced by the pacing delay.
func (l *Loop) DepositItems(ctx context.Context) error {
	ch, err := l.Client.FetchCharacter(ctx, l.Character)
	if err != nil {
		return err
	}
	l.snapshot(ch)

	for _, slot := range ch.Inventory {
		if slot.Code == "" {
			continue
		}
		code, qty := slot.Code, slot.Quantity
		_, err := l.HandleAction(ctx, "bank_deposit "+code, func(ctx context.Context) (*game.ActionResult, error) {
			return l.Client.BankDeposit(ctx, l.Character, code, qty)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.printf("%s: deposit %dx %s failed, skipping: %v", l.Character, qty, code, err)
		}
	}
	return nil
}

// StartLoop opens one cycle iteration: bumps the counter and records a
// loop-start telemetry row at the current position.
func (l *Loop) StartLoop(ctx context.Context) {
	l.loopCount++

	x, y := 0, 0
	if ch, err := l.Client.FetchCharacter(ctx, l.Character); err == nil {
		x, y = ch.X, ch.Y
	}
	l.printf("%s: loop %d starting at (%d,%d)", l.Character, l.loopCount, x, y)
	if l.Telemetry != nil {
		l.Telemetry.RecordAction(game.ActionRecord{
			Character: l.Character,
			Action:    "loop_start",
			X:         x,
			Y:         y,
			Result:    fmt.Sprintf(`{"loop":%d}`, l.loopCount),
			At:        l.nowFn().UTC(),
		})
	}
}

// LoopCount reports how many iterations have started.
func (l *Loop) LoopCount() int { return l.loopCount }

func (l *Loop) snapshot(ch *game.Character) {
	if l.Telemetry == nil {
		return
	}
	var items []store.ItemStack
	for _, s := range ch.Inventory {
		if s.Code != "" {
			items = append(items, store.ItemStack{Code: s.Code, Quantity: s.Quantity})
		}
	}
	l.Telemetry.RecordInventory(l.Character, items)
}

func (l *Loop) paceDelay() time.Duration {
	if l.PaceDelay > 0 {
		return l.PaceDelay
	}
	return defaultPaceDelay
}

func (l *Loop) printf(format string, args ...any) {
	if l != nil && l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
