package task

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"grindbot.ai/internal/game"
	"grindbot.ai/internal/store"
)

type fakeFetcher struct {
	characters map[string]*game.Character
}

func (f *fakeFetcher) FetchCharacter(ctx context.Context, name string) (*game.Character, error) {
	ch, ok := f.characters[name]
	if !ok {
		return nil, errors.New("character not found")
	}
	return ch, nil
}

func TestRecoverResumesAndFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Two tasks left RUNNING by a crashed supervisor.
	t1 := create(t, m, "Alice")
	if err := m.Start(ctx, t1.ID, 100); err != nil {
		t.Fatal(err)
	}
	t2 := create(t, m, "Bob")
	if err := m.Start(ctx, t2.ID, 101); err != nil {
		t.Fatal(err)
	}

	var spawned []string
	r := &Recoverer{
		Manager: m,
		Fetcher: &fakeFetcher{characters: map[string]*game.Character{
			"Alice": {Name: "Alice", HP: 0, MaxHP: 100}, // dead
			"Bob":   {Name: "Bob", HP: 80, MaxHP: 100},
		}},
		Spawner: SpawnFunc(func(ctx context.Context, task store.Task) (int, error) {
			spawned = append(spawned, task.Character)
			return 9001, nil
		}),
	}

	report, err := r.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != t1.ID {
		t.Fatalf("failed = %v, want [%s]", report.Failed, t1.ID)
	}
	if len(report.Resumed) != 1 || report.Resumed[0] != t2.ID {
		t.Fatalf("resumed = %v, want [%s]", report.Resumed, t2.ID)
	}
	if len(spawned) != 1 || spawned[0] != "Bob" {
		t.Fatalf("spawned runners for %v, want [Bob]", spawned)
	}

	got1 := state(t, m, t1.ID)
	if got1.State != store.StateFailed || got1.ErrorMessage == "" {
		t.Fatalf("dead character task = %+v", got1)
	}
	got2 := state(t, m, t2.ID)
	if got2.State != store.StateRunning || got2.ProcessID != 9001 {
		t.Fatalf("resumed task = %s pid=%d, want RUNNING/9001", got2.State, got2.ProcessID)
	}
}

func TestRecoverUnreachableCharacter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task := create(t, m, "Ghost")
	if err := m.Start(ctx, task.ID, 100); err != nil {
		t.Fatal(err)
	}
	r := &Recoverer{
		Manager: m,
		Fetcher: &fakeFetcher{characters: map[string]*game.Character{}},
		Spawner: SpawnFunc(func(ctx context.Context, task store.Task) (int, error) {
			t.Fatal("must not spawn for unreachable character")
			return 0, nil
		}),
	}
	report, err := r.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := state(t, m, task.ID); got.State != store.StateFailed {
		t.Fatalf("state = %s", got.State)
	}
}

func TestRecoverSpawnFailure(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task := create(t, m, "Bob")
	if err := m.Start(ctx, task.ID, 100); err != nil {
		t.Fatal(err)
	}
	r := &Recoverer{
		Manager: m,
		Fetcher: &fakeFetcher{characters: map[string]*game.Character{
			"Bob": {Name: "Bob", HP: 100, MaxHP: 100},
		}},
		Spawner: SpawnFunc(func(ctx context.Context, task store.Task) (int, error) {
			return 0, errors.New("exec: no such file")
		}),
	}
	if _, err := r.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	got := state(t, m, task.ID)
	if got.State != store.StateFailed || got.ErrorMessage == "" {
		t.Fatalf("state = %s msg=%q", got.State, got.ErrorMessage)
	}
}

// The runner binary has no subcommands: the stored ScriptArgs are the whole
// argv, flags first, so the respawned process parses them exactly as the
// original invocation did.
func TestExecSpawnerCommandArgv(t *testing.T) {
	s := &ExecSpawner{RunnerPath: "grindbot-runner"}
	task := store.Task{
		ID:         "t1",
		Character:  "Bob",
		ScriptName: "run",
		ScriptArgs: []string{"-config", "ops.yaml", "-params", "mining.json", "Bob"},
	}

	cmd := s.command(context.Background(), task)

	want := []string{"grindbot-runner", "-config", "ops.yaml", "-params", "mining.json", "Bob"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("argv = %v, want %v", cmd.Args, want)
	}
	var found bool
	for _, e := range cmd.Env {
		if e == "GRINDBOT_TASK_ID=t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("GRINDBOT_TASK_ID not in child env")
	}
}

// An operator interrupt mid-recovery must not fail tasks whose characters
// were never actually observed; they stay RUNNING for the next pass.
func TestRecoverCanceledLeavesTaskUntouched(t *testing.T) {
	m := newTestManager(t)

	task := create(t, m, "Bob")
	if err := m.Start(context.Background(), task.ID, 100); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recoverer{
		Manager: m,
		Fetcher: fetcherFunc(func(ctx context.Context, name string) (*game.Character, error) {
			cancel()
			return nil, ctx.Err()
		}),
		Spawner: SpawnFunc(func(ctx context.Context, task store.Task) (int, error) {
			t.Fatal("must not spawn after cancellation")
			return 0, nil
		}),
	}

	_, err := r.Recover(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Recover = %v, want context.Canceled", err)
	}
	got := state(t, m, task.ID)
	if got.State != store.StateRunning || got.ProcessID != 100 {
		t.Fatalf("task after canceled recovery = %s pid=%d, want RUNNING/100", got.State, got.ProcessID)
	}
}

type fetcherFunc func(ctx context.Context, name string) (*game.Character, error)

func (f fetcherFunc) FetchCharacter(ctx context.Context, name string) (*game.Character, error) {
	return f(ctx, name)
}

func TestRecoverPendingTaskStarts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task := create(t, m, "Bob") // PENDING, never started
	r := &Recoverer{
		Manager: m,
		Fetcher: &fakeFetcher{characters: map[string]*game.Character{
			"Bob": {Name: "Bob", HP: 100, MaxHP: 100},
		}},
		Spawner: SpawnFunc(func(ctx context.Context, task store.Task) (int, error) { return 7, nil }),
	}
	if _, err := r.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	got := state(t, m, task.ID)
	if got.State != store.StateRunning || got.ProcessID != 7 {
		t.Fatalf("pending task after recovery = %s pid=%d", got.State, got.ProcessID)
	}
}
