package cycle

import (
	"context"

	"grindbot.ai/internal/game"
)

// GatherCycle is shape A: accumulate a target item at a source tile, then
// optionally process it at a workshop, then bank everything.
//
//	MOVING_TO_SOURCE -> GATHERING -> [PROCESSING] -> MOVING_TO_BANK -> DEPOSITING -> next loop
//
// An inventory-full mid-gather triggers one deposit excursion and resumes at
// the source. A depleted resource skips processing and banks what we have.
type GatherCycle struct {
	*Loop
	Params GatherParams
}

func NewGatherCycle(loop *Loop, p GatherParams) *GatherCycle {
	return &GatherCycle{Loop: loop, Params: p}
}

// Run drives the cycle until the context is canceled or an unrecoverable
// error surfaces.
func (g *GatherCycle) Run(ctx context.Context) error {
	if err := g.Initialize(ctx, g.Params.Source); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (g *GatherCycle) runOnce(ctx context.Context) error {
	g.StartLoop(ctx)
	if err := g.MoveTo(ctx, g.Params.Source); err != nil {
		return err
	}

	depleted, err := g.accumulate(ctx)
	if err != nil {
		return err
	}
	if !depleted && g.Params.Processing != nil && !g.Params.SkipProcessing {
		if err := g.process(ctx); err != nil {
			return err
		}
	}

	if err := g.MoveTo(ctx, g.Params.Bank); err != nil {
		return err
	}
	return g.DepositItems(ctx)
}

// accumulate gathers until the target count is met or the resource runs out.
func (g *GatherCycle) accumulate(ctx context.Context) (depleted bool, err error) {
	for {
		ch, full, err := g.CheckInventory(ctx)
		if err != nil {
			return false, err
		}
		if ch.CountOf(g.Params.TargetItem) >= g.Params.TargetQuantity {
			return false, nil
		}
		if full {
			if err := g.depositExcursion(ctx); err != nil {
				return false, err
			}
			continue
		}

		if _, err := g.HandleAction(ctx, g.Params.Action, g.gatherFn()); err != nil {
			switch {
			case game.IsKind(err, game.KindInventoryFull):
				if err := g.depositExcursion(ctx); err != nil {
					return false, err
				}
			case game.IsKind(err, game.KindNoResource):
				g.printf("%s: resource depleted at %s", g.Character, g.Params.Source)
				return true, nil
			default:
				return false, err
			}
		}
	}
}

func (g *GatherCycle) gatherFn() game.Action {
	if g.Params.Action == "mining" {
		return func(ctx context.Context) (*game.ActionResult, error) {
			return g.Client.Mine(ctx, g.Character)
		}
	}
	return func(ctx context.Context) (*game.ActionResult, error) {
		return g.Client.Gather(ctx, g.Character)
	}
}

// depositExcursion is the inventory-full detour: bank, deposit everything,
// walk back to the source.
func (g *GatherCycle) depositExcursion(ctx context.Context) error {
	g.printf("%s: inventory full, deposit excursion to %s", g.Character, g.Params.Bank)
	if err := g.MoveTo(ctx, g.Params.Bank); err != nil {
		return err
	}
	if err := g.DepositItems(ctx); err != nil {
		return err
	}
	return g.MoveTo(ctx, g.Params.Source)
}

// process crafts as many products as the gathered material allows. A craft
// refusal (typically insufficient material after a partial gather) is logged
// and the cycle proceeds to the bank with the raw material instead.
func (g *GatherCycle) process(ctx context.Context) error {
	p := g.Params.Processing
	if err := g.MoveTo(ctx, p.Workshop); err != nil {
		return err
	}
	ch, err := g.Client.FetchCharacter(ctx, g.Character)
	if err != nil {
		return err
	}
	qty := ch.CountOf(p.Material) / p.Ratio
	if qty <= 0 {
		g.printf("%s: not enough %s to process (%d < ratio %d)", g.Character, p.Material, ch.CountOf(p.Material), p.Ratio)
		return nil
	}

	_, err = g.HandleAction(ctx, "crafting "+p.Product, func(ctx context.Context) (*game.ActionResult, error) {
		return g.Client.Craft(ctx, g.Character, p.Product, qty, p.Material)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if game.IsKind(err, game.KindConfiguration) {
			return err
		}
		g.printf("%s: processing %dx %s failed, banking raw material: %v", g.Character, qty, p.Product, err)
	}
	return nil
}
