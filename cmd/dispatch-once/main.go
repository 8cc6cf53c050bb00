// Command dispatch-once checks the watched fire layer a single time and
// dispatches the change if there is one, then exits. Useful for cron jobs
// and for replaying the current perimeter with -force.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mr1hm/go-fire-dispatch/internal/arcgis"
	"github.com/mr1hm/go-fire-dispatch/internal/checkpoint"
	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/dispatch"
	"github.com/mr1hm/go-fire-dispatch/internal/logging"
	"github.com/mr1hm/go-fire-dispatch/internal/notify"
	"github.com/mr1hm/go-fire-dispatch/internal/repository"
)

func main() {
	force := flag.Bool("force", false, "dispatch the current perimeter even if it is not newer than the checkpoint (the checkpoint never moves back)")
	noHistory := flag.Bool("no-history", false, "do not record the run in the history database")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := arcgis.Connect(ctx, cfg)
	if err != nil {
		logging.Fatalf("Failed to connect to portal: %v", err)
	}

	store := checkpoint.NewStore(cfg.Dispatch.CheckpointPath)
	baseline, err := dispatch.Bootstrap(ctx, session, store, cfg.Dispatch.EditField)
	if err != nil {
		logging.Fatalf("Failed to load checkpoint %s: %v", store.Path(), err)
	}

	sinks, err := notify.BuildSinks(cfg.Notify, notify.NewHTTPClient(cfg.HTTP))
	if err != nil {
		logging.Fatalf("Failed to configure notifications: %v", err)
	}

	deps := dispatch.Deps{
		Checkpoint: store,
		Sinks:      sinks,
	}
	if !*noHistory {
		db, err := repository.NewSQLiteDB(cfg.DB.Path)
		if err != nil {
			logging.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
		deps.Runs = db
		deps.Recoveries = db
	}

	d := dispatch.New(cfg.Dispatch, session, baseline, deps)
	run, err := d.Once(ctx, *force)
	if run != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
	}
	if err != nil {
		slog.Error("dispatch failed", "error", err)
		os.Exit(1)
	}
	if run == nil {
		slog.Info("no change since last check", "last_checked", baseline)
	}
}
