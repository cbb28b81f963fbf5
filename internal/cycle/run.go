package cycle

import (
	"context"
	"fmt"
)

// Run drives the cycle a spec describes on the given loop until the context
// is canceled or the cycle fails.
func Run(ctx context.Context, loop *Loop, spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	switch spec.Shape {
	case ShapeGather:
		return NewGatherCycle(loop, *spec.Gather).Run(ctx)
	case ShapeCraft:
		return NewCraftCycle(loop, *spec.Craft).Run(ctx)
	case ShapeFight:
		return NewFightCycle(loop, *spec.Fight).Run(ctx)
	default:
		return fmt.Errorf("unknown cycle shape %q", spec.Shape)
	}
}
