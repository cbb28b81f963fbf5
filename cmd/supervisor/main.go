// The supervisor recovers interrupted tasks on startup, serves the live
// status feed, and periodically cleans up old terminal task records.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grindbot.ai/internal/config"
	"grindbot.ai/internal/game"
	"grindbot.ai/internal/statusws"
	"grindbot.ai/internal/store"
	"grindbot.ai/internal/task"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to grindbot.yaml (optional)")
		noRecover  = flag.Bool("no_recover", false, "skip task recovery on startup")
		cleanup    = flag.Bool("cleanup", true, "periodically delete old terminal tasks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[supervisor] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	client, err := game.New(game.Config{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		HTTPTimeout: cfg.HTTPTimeout(),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("game client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := task.NewManager(st, logger)

	if !*noRecover {
		r := &task.Recoverer{
			Manager: mgr,
			Fetcher: client,
			Spawner: &task.ExecSpawner{RunnerPath: cfg.RunnerPath},
			Logger:  logger,
		}
		report, err := r.Recover(ctx)
		if err != nil {
			logger.Fatalf("recovery: %v", err)
		}
		logger.Printf("recovery: %d resumed, %d failed", len(report.Resumed), len(report.Failed))
	}

	if *cleanup {
		go cleanupLoop(ctx, mgr, cfg.TaskRetentionDays, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", statusws.NewServer(st, logger).Handler())
	srv := &http.Server{Addr: cfg.StatusAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("status feed listening on %s", cfg.StatusAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("status server: %v", err)
	}
	logger.Printf("stopped")
}

func cleanupLoop(ctx context.Context, mgr *task.Manager, retentionDays int, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	if _, err := mgr.CleanupOld(ctx, retentionDays); err != nil {
		logger.Printf("task cleanup: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.CleanupOld(ctx, retentionDays); err != nil {
				logger.Printf("task cleanup: %v", err)
			}
		}
	}
}
