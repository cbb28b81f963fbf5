package task

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"

	"grindbot.ai/internal/game"
	"grindbot.ai/internal/store"
)

// CharacterFetcher is the one game-API call recovery needs.
type CharacterFetcher interface {
	FetchCharacter(ctx context.Context, name string) (*game.Character, error)
}

// Spawner starts the runner process for a task and returns its pid.
type Spawner interface {
	Spawn(ctx context.Context, t store.Task) (pid int, err error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, t store.Task) (int, error)

func (f SpawnFunc) Spawn(ctx context.Context, t store.Task) (int, error) { return f(ctx, t) }

// ExecSpawner launches the runner binary with the task's stored script
// arguments. The child is detached: the supervisor records its pid and
// otherwise leaves it alone.
type ExecSpawner struct {
	// RunnerPath is the runner binary.
	RunnerPath string
}

func (s *ExecSpawner) Spawn(ctx context.Context, t store.Task) (int, error) {
	cmd := s.command(ctx, t)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never zombies.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// command builds the runner invocation. ScriptArgs is the complete argv for
// the runner binary, flags ahead of the positional character name; ScriptName
// is descriptive metadata, never part of the argv. The task id travels in the
// environment so the respawned runner adopts the existing record.
func (s *ExecSpawner) command(ctx context.Context, t store.Task) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.RunnerPath, t.ScriptArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "GRINDBOT_TASK_ID="+t.ID)
	return cmd
}

// Report summarizes one recovery pass.
type Report struct {
	Resumed []string
	Failed  []string
}

// Recoverer resumes tasks left non-terminal by a previous supervisor life.
type Recoverer struct {
	Manager *Manager
	Fetcher CharacterFetcher
	Spawner Spawner
	Logger  *log.Logger
}

// Recover processes tasks sequentially, oldest first, to avoid a thundering
// herd against the remote API. A task is failed when its character is dead
// or unreachable, or when the runner cannot be spawned; otherwise a fresh
// runner is started and the task resumes under the new pid.
func (r *Recoverer) Recover(ctx context.Context) (Report, error) {
	var report Report

	tasks, err := r.Manager.TasksForRecovery(ctx)
	if err != nil {
		return report, err
	}
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.recoverOne(ctx, t); err != nil {
			// A canceled recovery pass leaves the remaining tasks untouched
			// for the next one.
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed = append(report.Failed, t.ID)
		} else {
			report.Resumed = append(report.Resumed, t.ID)
		}
	}
	return report, nil
}

func (r *Recoverer) recoverOne(ctx context.Context, t store.Task) error {
	ch, err := r.Fetcher.FetchCharacter(ctx, t.Character)
	if err != nil {
		// A fetch that died with the context says nothing about the
		// character; the task must not end up FAILED over it.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail(ctx, t, fmt.Sprintf("character %s unreachable: %v", t.Character, err))
		return err
	}
	if ch.HP <= 0 {
		err := fmt.Errorf("character %s is dead", t.Character)
		r.fail(ctx, t, err.Error())
		return err
	}

	pid, err := r.Spawner.Spawn(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail(ctx, t, fmt.Sprintf("spawn runner: %v", err))
		return err
	}
	if err := r.resume(ctx, t, pid); err != nil {
		return err
	}
	r.printf("task %s resumed for %s (pid %d)", t.ID, t.Character, pid)
	return nil
}

// resume handles the PENDING case too: a task that never started goes
// through Start rather than Resume.
func (r *Recoverer) resume(ctx context.Context, t store.Task, pid int) error {
	if t.State == store.StatePending {
		return r.Manager.Start(ctx, t.ID, pid)
	}
	if t.State == store.StateRunning {
		// The old runner is gone; park the task so Resume is legal.
		if err := r.Manager.Pause(ctx, t.ID); err != nil {
			return err
		}
	}
	return r.Manager.Resume(ctx, t.ID, pid)
}

func (r *Recoverer) fail(ctx context.Context, t store.Task, msg string) {
	r.printf("task %s failed during recovery: %s", t.ID, msg)
	if t.State == store.StatePending || t.State == store.StateRunning || t.State == store.StatePaused {
		if err := r.Manager.Fail(ctx, t.ID, msg); err != nil {
			r.printf("task %s: recording failure: %v", t.ID, err)
		}
	}
}

func (r *Recoverer) printf(format string, args ...any) {
	if r != nil && r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
