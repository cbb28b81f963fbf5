package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"grindbot.ai/internal/game"
)

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, "actions", nil)

	for i := 0; i < 3; i++ {
		j.Append(record(i))
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var path string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "actions-") && strings.HasSuffix(e.Name(), ".jsonl.zst") {
			path = filepath.Join(dir, e.Name())
		}
	}
	if path == "" {
		t.Fatalf("no journal file written, dir has %v", entries)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	var lines int
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var rec game.ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec.Character != "Bob" {
			t.Fatalf("line %d character = %q", lines, rec.Character)
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if lines != 3 {
		t.Fatalf("journal has %d lines, want 3", lines)
	}
}

func TestJournalAppendAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, "actions", nil)
	j.Append(record(1))
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	// A late append reopens the current hour's file.
	j.Append(record(2))
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}
