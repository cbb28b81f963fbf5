package cycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"grindbot.ai/internal/game"
	"grindbot.ai/internal/gametest"
	"grindbot.ai/internal/store"
)

type fakeTelemetry struct {
	mu      sync.Mutex
	actions []game.ActionRecord
	snaps   int
}

func (f *fakeTelemetry) RecordAction(rec game.ActionRecord) {
	f.mu.Lock()
	f.actions = append(f.actions, rec)
	f.mu.Unlock()
}

func (f *fakeTelemetry) RecordInventory(character string, items []store.ItemStack) {
	f.mu.Lock()
	f.snaps++
	f.mu.Unlock()
}

func (f *fakeTelemetry) actionCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a.Action == name {
			n++
		}
	}
	return n
}

func newTestLoop(t *testing.T, h *gametest.Server) (*Loop, *fakeTelemetry) {
	t.Helper()
	client, err := game.New(game.Config{BaseURL: h.URL(), Token: "test_token"})
	if err != nil {
		t.Fatalf("game.New: %v", err)
	}
	tel := &fakeTelemetry{}
	l := NewLoop(client, h.Name, tel, nil, nil)
	l.PaceDelay = time.Millisecond
	return l, tel
}

func countTrace(trace []string, want string) int {
	n := 0
	for _, e := range trace {
		if e == want {
			n++
		}
	}
	return n
}

func TestMoveToSkipsWhenAlreadyThere(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	h.X, h.Y = 2, 6
	l, _ := newTestLoop(t, h)

	if err := l.MoveTo(context.Background(), Coords{2, 6}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	for _, e := range h.Trace() {
		if strings.HasPrefix(e, "move") {
			t.Fatalf("no move call expected, trace = %v", h.Trace())
		}
	}
}

func TestMoveToTreatsAlreadyAtDestinationAsSuccess(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	h.InjectError("move", 490, "character already at destination")
	l, _ := newTestLoop(t, h)

	if err := l.MoveTo(context.Background(), Coords{3, 3}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
}

func TestDepositItemsToleratesPerItemFailure(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	h.SetInventory(gametest.Slot{Code: "copper_ore", Quantity: 30}, gametest.Slot{Code: "ash_wood", Quantity: 4})
	h.InjectError("bank_deposit", 500, "bank hiccup")
	l, tel := newTestLoop(t, h)

	if err := l.DepositItems(context.Background()); err != nil {
		t.Fatalf("DepositItems: %v", err)
	}
	// A single transient 500 is retried with backoff and then succeeds.
	if h.Bank["copper_ore"] != 30 || h.Bank["ash_wood"] != 4 {
		t.Fatalf("bank = %v", h.Bank)
	}
	if tel.snaps != 1 {
		t.Fatalf("snapshots = %d, want 1", tel.snaps)
	}
}

func TestDepositItemsSkipsFailedItem(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	h.SetInventory(gametest.Slot{Code: "cursed_item", Quantity: 1}, gametest.Slot{Code: "ash_wood", Quantity: 4})
	// Enough rejections to exhaust the bounded transport retries.
	for i := 0; i < maxTransportRetries+1; i++ {
		h.InjectError("bank_deposit", 500, "this item cannot be deposited")
	}
	l, _ := newTestLoop(t, h)

	if err := l.DepositItems(context.Background()); err != nil {
		t.Fatalf("DepositItems: %v", err)
	}
	if h.Bank["ash_wood"] != 4 {
		t.Fatalf("second item not deposited, bank = %v", h.Bank)
	}
	if h.CountOf("cursed_item") != 1 {
		t.Fatalf("failed item should remain held")
	}
}

func TestStartLoopRecordsRow(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	h.X, h.Y = 4, 1
	l, tel := newTestLoop(t, h)

	l.StartLoop(context.Background())
	l.StartLoop(context.Background())
	if l.LoopCount() != 2 {
		t.Fatalf("loop count = %d", l.LoopCount())
	}
	if got := tel.actionCount("loop_start"); got != 2 {
		t.Fatalf("loop_start rows = %d", got)
	}
	if tel.actions[0].X != 4 || tel.actions[0].Y != 1 {
		t.Fatalf("loop_start at (%d,%d)", tel.actions[0].X, tel.actions[0].Y)
	}
}

func TestHandleActionSurfacesSemanticErrors(t *testing.T) {
	h := gametest.New("Bob", 10)
	defer h.Close()
	l, _ := newTestLoop(t, h)

	// No resource at (0,0): the 598 must reach the caller untouched.
	_, err := l.HandleAction(context.Background(), "gathering", func(ctx context.Context) (*game.ActionResult, error) {
		return l.Client.Gather(ctx, l.Character)
	})
	if !game.IsKind(err, game.KindNoResource) {
		t.Fatalf("err = %v, want no_resource", err)
	}
}
