package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grindbot.ai/internal/game"
	"grindbot.ai/internal/store"
)

// Sink is the relational side of the buffer. *store.Store satisfies it.
type Sink interface {
	InsertActionLogs(ctx context.Context, logs []store.ActionLog) error
	InsertInventorySnapshots(ctx context.Context, snaps []store.InventorySnapshot) error
}

const (
	actionPrefix   = "action"
	snapshotPrefix = "snapshot"
)

type Config struct {
	Sink Sink
	// Dir holds the crash-recovery backup files.
	Dir           string
	FlushInterval time.Duration
	QueueSize     int
	Logger        *log.Logger
	// Journal, when set, receives every action record as it is enqueued.
	Journal *Journal
}

// Buffer queues telemetry records in memory and flushes them to the store in
// batches. Each flush writes the batch to a backup file first, commits, then
// deletes the file, so a crash anywhere in between loses nothing. Delivery is
// at-least-once: a crash after commit but before delete replays the batch on
// the next startup.
type Buffer struct {
	cfg Config

	actionCh chan store.ActionLog
	snapCh   chan store.InventorySnapshot

	// Owned by the flush goroutine (and by Close after it exits). Records
	// stay here across failed commits, alongside the backup file already
	// holding them; the next attempt overwrites that same file.
	pendingActions   []store.ActionLog
	pendingSnaps     []store.InventorySnapshot
	actionBackupPath string
	snapBackupPath   string

	seq     atomic.Uint64
	dropped atomic.Uint64

	flushReq chan chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates the buffer, recovers any backup files left by a previous run,
// and starts the flush loop.
func New(cfg Config) (*Buffer, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("telemetry: nil sink")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("telemetry: empty backup dir")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	b := &Buffer{
		cfg:      cfg,
		actionCh: make(chan store.ActionLog, cfg.QueueSize),
		snapCh:   make(chan store.InventorySnapshot, cfg.QueueSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	// Unique filenames across restarts and across runner processes sharing
	// the directory.
	b.seq.Store(uint64(time.Now().UnixNano()))

	if err := b.recover(); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.flushLoop()
	return b, nil
}

// RecordAction implements game.Recorder. Never blocks; drops when the queue
// is full or the buffer is closed.
func (b *Buffer) RecordAction(rec game.ActionRecord) {
	if b.cfg.Journal != nil {
		b.cfg.Journal.Append(rec)
	}
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	row := store.ActionLog{
		Character: rec.Character,
		Action:    rec.Action,
		X:         rec.X,
		Y:         rec.Y,
		Result:    rec.Result,
		Err:       rec.Err,
		CreatedAt: rec.At,
	}
	select {
	case b.actionCh <- row:
	default:
		b.dropped.Add(1)
		b.printf("action queue full, dropping record for %s", rec.Character)
	}
}

// RecordInventory enqueues one inventory snapshot. Never blocks.
func (b *Buffer) RecordInventory(character string, items []store.ItemStack) {
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	snap := store.InventorySnapshot{Character: character, Items: items, CreatedAt: time.Now().UTC()}
	select {
	case b.snapCh <- snap:
	default:
		b.dropped.Add(1)
		b.printf("snapshot queue full, dropping record for %s", character)
	}
}

// Dropped reports how many records were discarded due to full queues.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Flush forces an immediate flush and waits for it to finish. The work runs
// on the flush goroutine so pending state is never shared.
func (b *Buffer) Flush() {
	if b.closed.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
		<-ack
	case <-b.done:
	}
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(context.Background())
		case ack := <-b.flushReq:
			b.flush(context.Background())
			close(ack)
		case <-b.done:
			return
		}
	}
}

// Close stops the flush loop and performs one final flush. Records that
// cannot be committed remain in their backup files for the next startup.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		b.wg.Wait()
		b.flush(context.Background())
		if b.cfg.Journal != nil {
			_ = b.cfg.Journal.Close()
		}
	})
}

func (b *Buffer) flush(ctx context.Context) {
	b.drain()

	if len(b.pendingActions) > 0 {
		if commitBatch(b, actionPrefix, &b.actionBackupPath, b.pendingActions, func(batch []store.ActionLog) error {
			return b.cfg.Sink.InsertActionLogs(ctx, batch)
		}) {
			b.pendingActions = nil
		}
	}
	if len(b.pendingSnaps) > 0 {
		if commitBatch(b, snapshotPrefix, &b.snapBackupPath, b.pendingSnaps, func(batch []store.InventorySnapshot) error {
			return b.cfg.Sink.InsertInventorySnapshots(ctx, batch)
		}) {
			b.pendingSnaps = nil
		}
	}
}

// drain moves everything queued so far into the pending slices.
func (b *Buffer) drain() {
	for {
		select {
		case rec := <-b.actionCh:
			b.pendingActions = append(b.pendingActions, rec)
		default:
			goto snaps
		}
	}
snaps:
	for {
		select {
		case snap := <-b.snapCh:
			b.pendingSnaps = append(b.pendingSnaps, snap)
		default:
			return
		}
	}
}

// commitBatch backs batch up to disk, writes it to the store, then removes
// the backup. Reports whether the batch is safely in the store. pathSlot
// carries the backup file of a previously failed attempt so retries reuse it.
func commitBatch[T any](b *Buffer, prefix string, pathSlot *string, batch []T, insert func([]T) error) bool {
	path := *pathSlot
	if path == "" {
		path = filepath.Join(b.cfg.Dir, fmt.Sprintf("%s-%d.json", prefix, b.seq.Add(1)))
	}
	if err := writeJSONFile(path, batch); err != nil {
		// Keep going: the store commit below still protects the records,
		// we just lose the crash window.
		b.printf("backup %s: %v", path, err)
		path = ""
	}
	*pathSlot = path
	if err := insert(batch); err != nil {
		b.printf("flush %s batch of %d: %v", prefix, len(batch), err)
		return false
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.printf("remove backup %s: %v", path, err)
		}
	}
	*pathSlot = ""
	return true
}

// recover re-queues every backup file left in the data directory. Files may
// vanish mid-scan when another process races the deletion; that is fine.
func (b *Buffer) recover() error {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(b.cfg.Dir, name)
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(name, actionPrefix+"-"):
			var batch []store.ActionLog
			if err := json.Unmarshal(raw, &batch); err != nil {
				b.printf("skip corrupt backup %s: %v", name, err)
				continue
			}
			b.pendingActions = append(b.pendingActions, batch...)
		case strings.HasPrefix(name, snapshotPrefix+"-"):
			var batch []store.InventorySnapshot
			if err := json.Unmarshal(raw, &batch); err != nil {
				b.printf("skip corrupt backup %s: %v", name, err)
				continue
			}
			b.pendingSnaps = append(b.pendingSnaps, batch...)
		default:
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Buffer) printf(format string, args ...any) {
	if b != nil && b.cfg.Logger != nil {
		b.cfg.Logger.Printf(format, args...)
	}
}
