package game

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type captureRecorder struct {
	mu   sync.Mutex
	recs []ActionRecord
}

func (r *captureRecorder) RecordAction(rec ActionRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *captureRecorder) all() []ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActionRecord(nil), r.recs...)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *captureRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &captureRecorder{}
	c, err := New(Config{BaseURL: srv.URL, Token: "test-token", Recorder: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Tests never really sleep.
	c.sleepFn = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c, rec
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Token: "t"}); !IsKind(err, KindConfiguration) {
		t.Errorf("missing base url: got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://x"}); !IsKind(err, KindConfiguration) {
		t.Errorf("missing token: got %v", err)
	}
}

func TestRequestSuccessEnvelope(t *testing.T) {
	var gotAuth, gotPath string
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		writeData(w, map[string]any{"name": "Bob", "x": 4, "y": 2})
	}))

	raw, err := c.Request(context.Background(), http.MethodGet, "characters/Bob", nil, "Bob")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/characters/Bob" {
		t.Errorf("path = %q", gotPath)
	}
	var ch Character
	if err := json.Unmarshal(raw, &ch); err != nil || ch.Name != "Bob" {
		t.Fatalf("decode data: %v %+v", err, ch)
	}

	recs := rec.all()
	if len(recs) != 1 || recs[0].Action != "fetch_details" || recs[0].Err != "" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRequestTypedErrors(t *testing.T) {
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, 499, "Character in cooldown: 2.00 seconds left")
	}))

	_, err := c.Request(context.Background(), http.MethodPost, "my/Bob/action/move", map[string]int{"x": 1, "y": 1}, "Bob")
	ae, ok := AsAPIError(err)
	if !ok || ae.Kind != KindCooldown {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if !ae.HasRemaining || ae.Remaining != 2*time.Second {
		t.Fatalf("remaining = %v (has=%v)", ae.Remaining, ae.HasRemaining)
	}

	recs := rec.all()
	if len(recs) != 1 || recs[0].Err == "" || recs[0].Action != "move" {
		t.Fatalf("failure record = %+v", recs)
	}
}

func TestRequestRejectsInvalidCharacterName(t *testing.T) {
	called := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeData(w, map[string]any{})
	}))

	for _, name := range []string{"Bob/../Eve", "a b", "x\n", "héro"} {
		_, err := c.Request(context.Background(), http.MethodGet, "characters/"+name, nil, name)
		if !IsKind(err, KindConfiguration) {
			t.Errorf("name %q: got %v, want configuration error", name, err)
		}
	}
	if called {
		t.Error("invalid names must be rejected before any HTTP call")
	}
}

func TestActionTypeFromEndpoint(t *testing.T) {
	cases := map[string]string{
		"characters/Bob":                "fetch_details",
		"my/Bob/action/move":            "move",
		"my/Bob/action/bank/deposit":    "bank_deposit",
		"my/Bob/action/bank/withdraw":   "bank_withdraw",
		"/my/Bob/action/gathering":      "gathering",
		"maps/4/2":                      "maps/4/2",
	}
	for ep, want := range cases {
		if got := actionTypeFromEndpoint(ep); got != want {
			t.Errorf("actionTypeFromEndpoint(%q) = %q want %q", ep, got, want)
		}
	}
}

func TestFetchCharacterRejectsCorruptInventory(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{
			"name":      "Bob",
			"inventory": []map[string]any{{"slot": 1, "code": "copper_ore", "quantity": 0}},
		})
	}))

	_, err := c.FetchCharacter(context.Background(), "Bob")
	if !IsKind(err, KindTransport) {
		t.Fatalf("expected transport error for zero-quantity slot, got %v", err)
	}
}

// gameHandler is a minimal stateful fake: serves character details and a few
// action verbs, with scripted responses per endpoint.
type gameHandler struct {
	mu        sync.Mutex
	character Character
	rests     int
	putCalls  int
	postCalls int
	rejectPut bool
}

func (h *gameHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/characters/"+h.character.Name:
		writeData(w, h.character)
	case r.URL.Path == fmt.Sprintf("/my/%s/action/rest", h.character.Name):
		h.rests++
		h.character.HP = h.character.MaxHP
		writeData(w, map[string]any{"character": h.character, "cooldown": map[string]any{"total_seconds": 1}})
	case r.URL.Path == fmt.Sprintf("/my/%s/action/bank/deposit", h.character.Name):
		switch r.Method {
		case http.MethodPut:
			h.putCalls++
			if h.rejectPut {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
		case http.MethodPost:
			h.postCalls++
			if !h.rejectPut {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
		}
		writeData(w, map[string]any{"character": h.character})
	default:
		writeError(w, http.StatusNotFound, "no such endpoint")
	}
}

func TestBankDepositProbesVerb(t *testing.T) {
	h := &gameHandler{character: Character{Name: "Bob", HP: 10, MaxHP: 10}, rejectPut: true}
	c, _ := newTestClient(t, h)

	if _, err := c.BankDeposit(context.Background(), "Bob", "copper_ore", 5); err != nil {
		t.Fatalf("BankDeposit: %v", err)
	}
	if h.putCalls != 1 || h.postCalls != 1 {
		t.Fatalf("probe calls put=%d post=%d, want 1/1", h.putCalls, h.postCalls)
	}

	// Second deposit goes straight to the verb that worked.
	if _, err := c.BankDeposit(context.Background(), "Bob", "copper_ore", 5); err != nil {
		t.Fatalf("BankDeposit: %v", err)
	}
	if h.putCalls != 1 || h.postCalls != 2 {
		t.Fatalf("cached verb calls put=%d post=%d, want 1/2", h.putCalls, h.postCalls)
	}
}

func TestBankDepositPutFirstWhenAccepted(t *testing.T) {
	h := &gameHandler{character: Character{Name: "Bob", HP: 10, MaxHP: 10}}
	c, _ := newTestClient(t, h)

	if _, err := c.BankDeposit(context.Background(), "Bob", "copper_ore", 5); err != nil {
		t.Fatalf("BankDeposit: %v", err)
	}
	if h.putCalls != 1 || h.postCalls != 0 {
		t.Fatalf("calls put=%d post=%d, want 1/0", h.putCalls, h.postCalls)
	}
}

func TestHealRestsToFull(t *testing.T) {
	h := &gameHandler{character: Character{Name: "Bob", HP: 3, MaxHP: 10}}
	c, _ := newTestClient(t, h)

	ch, err := c.Heal(context.Background(), "Bob")
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if ch.HP != ch.MaxHP {
		t.Fatalf("hp = %d/%d after heal", ch.HP, ch.MaxHP)
	}
	if h.rests != 1 {
		t.Fatalf("rests = %d, want 1", h.rests)
	}
}

func TestHealNoopAtFullHP(t *testing.T) {
	h := &gameHandler{character: Character{Name: "Bob", HP: 10, MaxHP: 10}}
	c, _ := newTestClient(t, h)

	if _, err := c.Heal(context.Background(), "Bob"); err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if h.rests != 0 {
		t.Fatalf("rests = %d, want 0", h.rests)
	}
}
