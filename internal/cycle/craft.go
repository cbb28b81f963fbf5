package cycle

import (
	"context"

	"grindbot.ai/internal/game"
)

// CraftCycle is shape B: withdraw missing materials from the bank, craft the
// product at a workshop, optionally recycle it, and bank the results.
// Material already held is counted first, so nothing is withdrawn twice.
type CraftCycle struct {
	*Loop
	Params CraftParams
}

func NewCraftCycle(loop *Loop, p CraftParams) *CraftCycle {
	return &CraftCycle{Loop: loop, Params: p}
}

func (c *CraftCycle) Run(ctx context.Context) error {
	if err := c.Initialize(ctx, c.Params.Bank); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *CraftCycle) runOnce(ctx context.Context) error {
	c.StartLoop(ctx)

	ch, _, err := c.CheckInventory(ctx)
	if err != nil {
		return err
	}

	// needed = required minus what is already in the inventory.
	type withdrawal struct {
		code string
		qty  int
	}
	var withdrawals []withdrawal
	for _, m := range c.Params.Materials {
		if held := ch.CountOf(m.Code); held < m.Quantity {
			withdrawals = append(withdrawals, withdrawal{code: m.Code, qty: m.Quantity - held})
		}
	}

	if len(withdrawals) > 0 {
		if err := c.MoveTo(ctx, c.Params.Bank); err != nil {
			return err
		}
		for _, w := range withdrawals {
			_, err := c.HandleAction(ctx, "bank_withdraw "+w.code, func(ctx context.Context) (*game.ActionResult, error) {
				return c.Client.BankWithdraw(ctx, c.Character, w.code, w.qty)
			})
			if err != nil {
				// Without materials the craft below cannot succeed.
				return err
			}
		}
	}

	if err := c.MoveTo(ctx, c.Params.Workshop); err != nil {
		return err
	}
	_, err = c.HandleAction(ctx, "crafting "+c.Params.Product, func(ctx context.Context) (*game.ActionResult, error) {
		return c.Client.Craft(ctx, c.Character, c.Params.Product, c.Params.Quantity, "")
	})
	if err != nil {
		return err
	}

	if c.Params.RecycleAfter {
		_, err := c.HandleAction(ctx, "recycling "+c.Params.Product, func(ctx context.Context) (*game.ActionResult, error) {
			return c.Client.Recycle(ctx, c.Character, c.Params.Product, c.Params.Quantity)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Byproducts are banked either way; a failed recycle just
			// deposits the product unrecycled.
			c.printf("%s: recycling %dx %s failed: %v", c.Character, c.Params.Quantity, c.Params.Product, err)
		}
	}

	if err := c.MoveTo(ctx, c.Params.Bank); err != nil {
		return err
	}
	return c.DepositItems(ctx)
}
