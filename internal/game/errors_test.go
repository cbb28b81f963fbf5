package game

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCooldownSeconds(t *testing.T) {
	cases := []struct {
		msg  string
		want float64
		ok   bool
	}{
		{"Character in cooldown: 3.50 seconds left", 3.5, true},
		{"Character in cooldown: 12 seconds left", 12, true},
		{"Character in cooldown: 0.0 seconds left", 0, true},
		{"An error occurred while moving the character. Character in cooldown: 1.25 seconds left.", 1.25, true},
		{"Character in cooldown", 0, false},
		{"cooldown: soon seconds left", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseCooldownSeconds(tc.msg)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseCooldownSeconds(%q) = %v,%v want %v,%v", tc.msg, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status   int
		endpoint string
		message  string
		want     Kind
	}{
		{499, "my/Bob/action/move", "Character in cooldown: 3.50 seconds left", KindCooldown},
		{429, "my/Bob/action/gathering", "too many requests", KindRateLimited},
		{490, "my/Bob/action/move", "already at destination", KindAlreadyAtDestination},
		{497, "my/Bob/action/gathering", "inventory full", KindInventoryFull},
		{483, "my/Bob/action/fight", "character dead", KindCharacterDead},
		{598, "my/Bob/action/fight", "not found", KindMonsterNotFound},
		{598, "my/Bob/action/gathering", "not found", KindNoResource},
		{598, "my/Bob/action/mining", "not found", KindNoResource},
		{500, "my/Bob/action/move", "boom", KindTransport},
		{404, "characters/Bob", "not found", KindTransport},
	}
	for _, tc := range cases {
		got := classify(tc.status, tc.endpoint, tc.message)
		if got.Kind != tc.want {
			t.Errorf("classify(%d, %q) kind = %s want %s", tc.status, tc.endpoint, got.Kind, tc.want)
		}
		if got.Status != tc.status {
			t.Errorf("classify(%d, %q) status = %d", tc.status, tc.endpoint, got.Status)
		}
	}
}

func TestClassifyCooldownRemaining(t *testing.T) {
	e := classify(499, "my/Bob/action/move", "Character in cooldown: 3.50 seconds left")
	if !e.HasRemaining {
		t.Fatal("expected parsed remaining")
	}
	if e.Remaining != 3500*time.Millisecond {
		t.Fatalf("remaining = %s want 3.5s", e.Remaining)
	}

	e = classify(499, "my/Bob/action/move", "slow down")
	if e.Kind != KindCooldown || e.HasRemaining {
		t.Fatalf("unparseable cooldown: kind=%s hasRemaining=%v", e.Kind, e.HasRemaining)
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("move failed: %w", classify(497, "my/Bob/action/gathering", "full"))
	if !IsKind(err, KindInventoryFull) {
		t.Error("IsKind should unwrap wrapped APIError")
	}
	if IsKind(err, KindCooldown) {
		t.Error("IsKind matched wrong kind")
	}
	if IsKind(fmt.Errorf("plain"), KindTransport) {
		t.Error("IsKind matched non-APIError")
	}
}
