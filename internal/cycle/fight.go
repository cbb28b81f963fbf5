package cycle

import (
	"context"

	"grindbot.ai/internal/game"
)

// FightCycle is shape C: keep the character at full HP and fight at a fixed
// location. Death is part of the loop, not a failure: heal, walk back,
// continue.
type FightCycle struct {
	*Loop
	Params FightParams
}

func NewFightCycle(loop *Loop, p FightParams) *FightCycle {
	return &FightCycle{Loop: loop, Params: p}
}

func (f *FightCycle) Run(ctx context.Context) error {
	if err := f.Initialize(ctx, f.Params.Location); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (f *FightCycle) runOnce(ctx context.Context) error {
	f.StartLoop(ctx)

	if _, err := f.Client.Heal(ctx, f.Character); err != nil {
		return err
	}
	if err := f.MoveTo(ctx, f.Params.Location); err != nil {
		return err
	}

	_, err := f.HandleAction(ctx, "fight", func(ctx context.Context) (*game.ActionResult, error) {
		return f.Client.Fight(ctx, f.Character)
	})
	switch {
	case err == nil:
		return nil
	case game.IsKind(err, game.KindCharacterDead):
		f.printf("%s: died fighting at %s, healing up", f.Character, f.Params.Location)
		if _, herr := f.Client.Heal(ctx, f.Character); herr != nil {
			return herr
		}
		return nil
	case game.IsKind(err, game.KindMonsterNotFound):
		f.printf("%s: no monster at %s, retrying next loop", f.Character, f.Params.Location)
		return nil
	default:
		return err
	}
}
