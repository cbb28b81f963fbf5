package game

import "time"

// Character is the server's public view of a player character. All fields are
// read-only on this side; mutation happens indirectly through actions.
type Character struct {
	Name              string          `json:"name"`
	X                 int             `json:"x"`
	Y                 int             `json:"y"`
	HP                int             `json:"hp"`
	MaxHP             int             `json:"max_hp"`
	Cooldown          int             `json:"cooldown"`
	CooldownExpires   time.Time       `json:"cooldown_expiration"`
	InventoryMaxItems int             `json:"inventory_max_items"`
	Inventory         []InventorySlot `json:"inventory"`
}

// InventorySlot is one ordered inventory position. An empty slot has an empty
// code; a non-empty slot always carries quantity >= 1.
type InventorySlot struct {
	Slot     int    `json:"slot"`
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// At reports whether the character currently stands at (x, y).
func (c *Character) At(x, y int) bool {
	return c.X == x && c.Y == y
}

// CountOf sums the held quantity of an item code across all slots.
func (c *Character) CountOf(code string) int {
	total := 0
	for _, s := range c.Inventory {
		if s.Code == code {
			total += s.Quantity
		}
	}
	return total
}

// SlotsUsed counts non-empty inventory slots.
func (c *Character) SlotsUsed() int {
	used := 0
	for _, s := range c.Inventory {
		if s.Code != "" {
			used++
		}
	}
	return used
}

// InventoryFull reports whether every slot is occupied.
func (c *Character) InventoryFull() bool {
	return c.InventoryMaxItems > 0 && c.SlotsUsed() >= c.InventoryMaxItems
}

// CooldownRemaining computes the cooldown left at now from the absolute
// expiration timestamp. Never negative.
func (c *Character) CooldownRemaining(now time.Time) time.Duration {
	if c.CooldownExpires.IsZero() {
		return 0
	}
	d := c.CooldownExpires.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
