package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Task states. The task package owns the transition rules; the store only
// persists and filters.
const (
	StateIdle      = "IDLE"
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StatePaused    = "PAUSED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// ActiveStates are the non-terminal states a recovery pass cares about.
var ActiveStates = []string{StatePending, StateRunning, StatePaused}

// IsTerminal reports whether a state is absorbing.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// ActionLog is one telemetry row for a remote call, success or failure.
type ActionLog struct {
	Character string    `json:"character"`
	Action    string    `json:"action_type"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Result    string    `json:"result,omitempty"`
	Err       string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemStack is one non-empty inventory slot in a snapshot.
type ItemStack struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// InventorySnapshot is one telemetry row capturing held items.
type InventorySnapshot struct {
	Character string      `json:"character"`
	Items     []ItemStack `json:"items"`
	CreatedAt time.Time   `json:"created_at"`
}

// Task is the persistent record of a goal assigned to a character.
type Task struct {
	ID           string         `json:"id"`
	Character    string         `json:"character"`
	TaskType     string         `json:"task_type"`
	ScriptName   string         `json:"script_name"`
	ScriptArgs   []string       `json:"script_args"`
	TaskData     map[string]any `json:"task_data"`
	State        string         `json:"state"`
	ProcessID    int            `json:"process_id"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ErrActiveTaskExists rejects a second non-terminal task for one character.
type ErrActiveTaskExists struct {
	Character string
	TaskID    string
}

func (e *ErrActiveTaskExists) Error() string {
	return fmt.Sprintf("character %s already has active task %s", e.Character, e.TaskID)
}

const (
	maxLogRows      = 10000
	pruneCheckEvery = 1000
)

// Store is the process-local handle on the relational store. Telemetry
// batches commit in a single transaction; task writes are single statements.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	// Insert counters trigger pruning; only touched from the flush path and
	// per-task calls, which the callers serialize.
	actionInserts   int
	snapshotInserts int
}

func Open(path string, logger *log.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy telemetry workload and lets runner
	// processes share the file without blocking each other.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS action_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			character TEXT NOT NULL,
			action_type TEXT NOT NULL,
			x INTEGER NOT NULL DEFAULT 0,
			y INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_character ON action_logs(character);`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_created_at ON action_logs(created_at);`,
		`CREATE TABLE IF NOT EXISTS inventory_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			character TEXT NOT NULL,
			items TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_snapshots_character ON inventory_snapshots(character);`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_snapshots_created_at ON inventory_snapshots(created_at);`,
		`CREATE TABLE IF NOT EXISTS character_tasks (
			id TEXT PRIMARY KEY,
			character TEXT NOT NULL,
			task_type TEXT NOT NULL,
			script_name TEXT NOT NULL,
			script_args TEXT NOT NULL,
			task_data TEXT NOT NULL,
			state TEXT NOT NULL,
			process_id INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_character_tasks_character ON character_tasks(character);`,
		`CREATE INDEX IF NOT EXISTS idx_character_tasks_state ON character_tasks(state);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// InsertActionLogs writes one batch inside a single transaction.
func (s *Store) InsertActionLogs(ctx context.Context, logs []ActionLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO action_logs(character,action_type,x,y,result,created_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.Exec(l.Character, l.Action, l.X, l.Y, l.resultJSON(), timestamp(l.CreatedAt)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.actionInserts += len(logs)
	if s.actionInserts >= pruneCheckEvery {
		s.actionInserts = 0
		s.pruneTable(ctx, "action_logs")
	}
	return nil
}

// InsertInventorySnapshots writes one batch inside a single transaction.
func (s *Store) InsertInventorySnapshots(ctx context.Context, snaps []InventorySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO inventory_snapshots(character,items,created_at) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sn := range snaps {
		items, err := json.Marshal(sn.Items)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(sn.Character, string(items), timestamp(sn.CreatedAt)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.snapshotInserts += len(snaps)
	if s.snapshotInserts >= pruneCheckEvery {
		s.snapshotInserts = 0
		s.pruneTable(ctx, "inventory_snapshots")
	}
	return nil
}

// Prune immediately trims both log tables to the retention limit.
func (s *Store) Prune(ctx context.Context) {
	s.pruneTable(ctx, "action_logs")
	s.pruneTable(ctx, "inventory_snapshots")
}

func (s *Store) pruneTable(ctx context.Context, table string) {
	q := fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT %d)`,
		table, table, maxLogRows)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		s.printf("prune %s: %v", table, err)
	}
}

func (l ActionLog) resultJSON() string {
	if l.Err != "" {
		b, _ := json.Marshal(map[string]string{"error": l.Err})
		return string(b)
	}
	if l.Result == "" {
		return "{}"
	}
	return l.Result
}

func (s *Store) CountActionLogs(ctx context.Context) (int, error) {
	return s.countRows(ctx, "action_logs")
}

func (s *Store) CountInventorySnapshots(ctx context.Context) (int, error) {
	return s.countRows(ctx, "inventory_snapshots")
}

func (s *Store) countRows(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

// CreateTask inserts a new task after verifying the character has no other
// non-terminal task. Check and insert share one transaction.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRow(
		`SELECT id FROM character_tasks WHERE character=? AND state NOT IN (?,?) LIMIT 1`,
		t.Character, StateCompleted, StateFailed,
	).Scan(&existing)
	switch {
	case err == nil:
		return &ErrActiveTaskExists{Character: t.Character, TaskID: existing}
	case err != sql.ErrNoRows:
		return err
	}

	args, err := json.Marshal(t.ScriptArgs)
	if err != nil {
		return err
	}
	data, err := marshalTaskData(t.TaskData)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO character_tasks(id,character,task_type,script_name,script_args,task_data,state,process_id,error_message,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Character, t.TaskType, t.ScriptName, string(args), string(data),
		t.State, t.ProcessID, t.ErrorMessage, timestamp(t.CreatedAt), timestamp(t.UpdatedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateTask rewrites the mutable columns of an existing task.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	data, err := marshalTaskData(t.TaskData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE character_tasks SET state=?, process_id=?, error_message=?, task_data=?, updated_at=? WHERE id=?`,
		t.State, t.ProcessID, t.ErrorMessage, string(data), timestamp(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task not found: %s", t.ID)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id=?`, id)
	return scanTask(row)
}

// GetActiveTask returns the character's current non-terminal task, or nil.
func (s *Store) GetActiveTask(ctx context.Context, character string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		taskSelect+` WHERE character=? AND state NOT IN (?,?) LIMIT 1`,
		character, StateCompleted, StateFailed)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTasksForRecovery returns all tasks left in a non-terminal state,
// oldest first.
func (s *Store) GetTasksForRecovery(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE state IN (?,?,?) ORDER BY created_at`,
		StatePending, StateRunning, StatePaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTasks returns every task, newest first. Used by the status feed.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteTerminalTasksBefore removes completed/failed tasks last updated
// before cutoff. Returns the number of rows removed.
func (s *Store) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM character_tasks WHERE state IN (?,?) AND updated_at < ?`,
		StateCompleted, StateFailed, timestamp(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const taskSelect = `SELECT id,character,task_type,script_name,script_args,task_data,state,process_id,error_message,created_at,updated_at FROM character_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var args, data, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Character, &t.TaskType, &t.ScriptName, &args, &data,
		&t.State, &t.ProcessID, &t.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &t.ScriptArgs); err != nil {
		return nil, fmt.Errorf("task %s script_args: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(data), &t.TaskData); err != nil {
		return nil, fmt.Errorf("task %s task_data: %w", t.ID, err)
	}
	t.CreatedAt = parseTimestamp(createdAt)
	t.UpdatedAt = parseTimestamp(updatedAt)
	return &t, nil
}

func marshalTaskData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(data)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) printf(format string, args ...any) {
	if s != nil && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
