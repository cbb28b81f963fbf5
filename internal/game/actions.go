package game

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const endpointSuffixFight = "action/fight"

// CooldownInfo is the cooldown window the server attaches to a successful
// action result.
type CooldownInfo struct {
	TotalSeconds     int       `json:"total_seconds"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	Expiration       time.Time `json:"expiration"`
}

// ActionResult is the decoded result of a mutating action. Raw keeps the
// untouched `data` document for callers that need verb-specific fields
// (gather yields, fight outcome, bank contents).
type ActionResult struct {
	Character Character       `json:"character"`
	Cooldown  CooldownInfo    `json:"cooldown"`
	Raw       json.RawMessage `json:"-"`
}

// FetchCharacter reads public character details. This is the only read path;
// it never induces a server cooldown and performs no pre-wait.
func (c *Client) FetchCharacter(ctx context.Context, name string) (*Character, error) {
	raw, err := c.Request(ctx, http.MethodGet, "characters/"+name, nil, name)
	if err != nil {
		return nil, err
	}
	var ch Character
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, &APIError{Kind: KindTransport, Endpoint: "characters/" + name,
			Message: fmt.Sprintf("decode character: %v", err)}
	}
	for _, s := range ch.Inventory {
		if s.Code != "" && s.Quantity < 1 {
			return nil, &APIError{Kind: KindTransport, Endpoint: "characters/" + name,
				Message: fmt.Sprintf("slot %d holds %q with quantity %d", s.Slot, s.Code, s.Quantity)}
		}
	}
	return &ch, nil
}

// action performs the pre-wait plus one mutating call. All verbs funnel
// through here so the cooldown discipline cannot be skipped.
func (c *Client) action(ctx context.Context, method, name, verb string, body any) (*ActionResult, error) {
	if err := c.HandleCooldown(ctx, name); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("my/%s/action/%s", name, verb)
	raw, err := c.Request(ctx, method, endpoint, body, name)
	if err != nil {
		return nil, err
	}
	var res ActionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &APIError{Kind: KindTransport, Endpoint: endpoint,
			Message: fmt.Sprintf("decode action result: %v", err)}
	}
	res.Raw = raw
	return &res, nil
}

func (c *Client) Move(ctx context.Context, name string, x, y int) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "move", map[string]int{"x": x, "y": y})
}

func (c *Client) Gather(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "gathering", nil)
}

func (c *Client) Mine(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "mining", nil)
}

func (c *Client) Fight(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "fight", nil)
}

func (c *Client) Rest(ctx context.Context, name string) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "rest", nil)
}

// Craft crafts quantity of code at the current workshop. material is optional
// and only meaningful for recipes that accept a substitute input.
func (c *Client) Craft(ctx context.Context, name, code string, quantity int, material string) (*ActionResult, error) {
	body := map[string]any{"code": code, "quantity": quantity}
	if material != "" {
		body["material"] = material
	}
	return c.action(ctx, http.MethodPost, name, "crafting", body)
}

func (c *Client) Smelt(ctx context.Context, name, code string, quantity int) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "smelting", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) Recycle(ctx context.Context, name, code string, quantity int) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "recycling", map[string]any{"code": code, "quantity": quantity})
}

func (c *Client) Equip(ctx context.Context, name, code, slot string, quantity int) (*ActionResult, error) {
	body := map[string]any{"code": code, "slot": slot}
	if quantity > 0 {
		body["quantity"] = quantity
	}
	return c.action(ctx, http.MethodPost, name, "equip", body)
}

func (c *Client) Unequip(ctx context.Context, name, slot string) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "unequip", map[string]any{"slot": slot})
}

func (c *Client) BankWithdraw(ctx context.Context, name, code string, quantity int) (*ActionResult, error) {
	return c.action(ctx, http.MethodPost, name, "bank/withdraw", map[string]any{"code": code, "quantity": quantity})
}

// BankDeposit deposits one item type. The server has answered 405 for both
// PUT and POST at different times, so the verb is probed: PUT first, fall
// back to POST, then remember whichever worked. The client is driven by a
// single runner goroutine, so the cached verb needs no locking.
func (c *Client) BankDeposit(ctx context.Context, name, code string, quantity int) (*ActionResult, error) {
	body := map[string]any{"code": code, "quantity": quantity}

	verb := c.depositVerb
	if verb == "" {
		verb = http.MethodPut
	}
	res, err := c.action(ctx, verb, name, "bank/deposit", body)
	if err == nil {
		c.depositVerb = verb
		return res, nil
	}
	if ae, ok := AsAPIError(err); ok && ae.Status == http.StatusMethodNotAllowed {
		other := http.MethodPost
		if verb == http.MethodPost {
			other = http.MethodPut
		}
		res, err = c.action(ctx, other, name, "bank/deposit", body)
		if err == nil {
			c.depositVerb = other
		}
		return res, err
	}
	return nil, err
}

// Heal rests until the character is at full HP, respecting the cooldown
// between rests. Returns the final character state.
func (c *Client) Heal(ctx context.Context, name string) (*Character, error) {
	for {
		ch, err := c.FetchCharacter(ctx, name)
		if err != nil {
			return nil, err
		}
		if ch.HP >= ch.MaxHP {
			return ch, nil
		}
		if _, err := c.Rest(ctx, name); err != nil {
			if ae, ok := AsAPIError(err); ok && ae.Kind == KindCooldown {
				if serr := c.sleepFn(ctx, ae.Remaining+cooldownBuffer); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}
	}
}
