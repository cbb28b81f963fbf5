// The runner drives one goal cycle for one character until stopped.
//
//	grindbot-runner -params mining.json [flags] <character>
//
// On SIGINT/SIGTERM the current action finishes, the telemetry buffer is
// flushed, and the task record is marked canceled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"grindbot.ai/internal/config"
	"grindbot.ai/internal/cycle"
	"grindbot.ai/internal/game"
	"grindbot.ai/internal/store"
	"grindbot.ai/internal/task"
	"grindbot.ai/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[runner] ", log.LstdFlags|log.Lmicroseconds)

	fl, err := parseRunnerFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(fl, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

// runnerFlags is one parsed runner invocation. The same argv shape is stored
// in the task record and replayed by the supervisor on recovery.
type runnerFlags struct {
	ConfigPath string
	ParamsPath string
	TaskID     string
	Args       []string
}

func parseRunnerFlags(argv []string) (runnerFlags, error) {
	var fl runnerFlags
	fs := flag.NewFlagSet("grindbot-runner", flag.ContinueOnError)
	fs.StringVar(&fl.ConfigPath, "config", "", "path to grindbot.yaml (optional)")
	fs.StringVar(&fl.ParamsPath, "params", "", "cycle parameter file (required)")
	fs.StringVar(&fl.TaskID, "task", os.Getenv("GRINDBOT_TASK_ID"), "existing task id to drive (default: create a new task)")
	if err := fs.Parse(argv); err != nil {
		return fl, err
	}
	fl.Args = fs.Args()
	return fl, nil
}

// respawnArgs is the complete argv a fresh runner needs to resume this
// invocation; the supervisor passes it to the runner binary verbatim. The
// config path is included so a respawned runner sees the same store and
// directories as the original.
func respawnArgs(fl runnerFlags) []string {
	var args []string
	if fl.ConfigPath != "" {
		args = append(args, "-config", fl.ConfigPath)
	}
	args = append(args, "-params", fl.ParamsPath)
	return append(args, fl.Args...)
}

func run(fl runnerFlags, logger *log.Logger) error {
	cfg, err := config.Load(fl.ConfigPath)
	if err != nil {
		return err
	}
	if fl.ParamsPath == "" {
		return fmt.Errorf("missing -params: a runner needs a cycle parameter file")
	}
	spec, err := cycle.LoadSpec(fl.ParamsPath)
	if err != nil {
		return err
	}

	character := cfg.ControlCharacter
	if len(fl.Args) > 0 {
		character = fl.Args[0]
	}
	if character == "" {
		return fmt.Errorf("no character: pass one as the first argument or set %s", config.EnvControlCharacter)
	}
	if !game.ValidCharacterName(character) {
		return fmt.Errorf("invalid character name %q", character)
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	journal := telemetry.NewJournal(cfg.JournalDir, "actions", logger)
	buf, err := telemetry.New(telemetry.Config{
		Sink:          st,
		Dir:           cfg.BackupDir,
		FlushInterval: cfg.FlushInterval(),
		Logger:        logger,
		Journal:       journal,
	})
	if err != nil {
		return err
	}
	defer buf.Close()

	client, err := game.New(game.Config{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		HTTPTimeout: cfg.HTTPTimeout(),
		Recorder:    buf,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	mgr := task.NewManager(st, logger)
	ownTask, err := resolveTask(mgr, fl, character, spec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := cycle.NewLoop(client, character, buf, st, logger)
	loop.PaceDelay = cfg.PaceDelay()

	logger.Printf("driving %s cycle for %s (task %s)", spec.Shape, character, ownTask)
	runErr := cycle.Run(ctx, loop, spec)

	// The signal context is gone; task bookkeeping gets a fresh one.
	finalize(context.Background(), mgr, ownTask, runErr, logger)

	// Final flush happens in buf.Close via defer; records that cannot be
	// committed stay in backup files for the next startup.
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Printf("stopped")
	return nil
}

// resolveTask either adopts the task the supervisor created for us or
// registers a new one. A second runner for the same character is rejected by
// the store.
func resolveTask(mgr *task.Manager, fl runnerFlags, character string, spec *cycle.Spec) (string, error) {
	ctx := context.Background()
	pid := os.Getpid()

	if fl.TaskID != "" {
		t, err := mgr.Get(ctx, fl.TaskID)
		if err != nil {
			return "", fmt.Errorf("task %s: %w", fl.TaskID, err)
		}
		if t.State == store.StatePending {
			if err := mgr.Start(ctx, fl.TaskID, pid); err != nil {
				return "", err
			}
		}
		return fl.TaskID, nil
	}

	t, err := mgr.Create(ctx, character, spec.TaskType, "run", respawnArgs(fl), nil)
	if err != nil {
		return "", err
	}
	if err := mgr.Start(ctx, t.ID, pid); err != nil {
		return "", err
	}
	return t.ID, nil
}

func finalize(ctx context.Context, mgr *task.Manager, taskID string, runErr error, logger *log.Logger) {
	var err error
	switch {
	case runErr == nil || errors.Is(runErr, context.Canceled):
		err = mgr.Cancel(ctx, taskID)
	default:
		err = mgr.Fail(ctx, taskID, runErr.Error())
	}
	if err != nil {
		logger.Printf("finalize task %s: %v", taskID, err)
	}
}
