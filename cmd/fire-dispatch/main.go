package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mr1hm/go-fire-dispatch/internal/api"
	"github.com/mr1hm/go-fire-dispatch/internal/arcgis"
	"github.com/mr1hm/go-fire-dispatch/internal/broadcast"
	"github.com/mr1hm/go-fire-dispatch/internal/checkpoint"
	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/dispatch"
	"github.com/mr1hm/go-fire-dispatch/internal/logging"
	"github.com/mr1hm/go-fire-dispatch/internal/metrics"
	"github.com/mr1hm/go-fire-dispatch/internal/notify"
	"github.com/mr1hm/go-fire-dispatch/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}

	var auditOut io.Writer
	if cfg.Logging.AuditPath != "" {
		audit, err := logging.OpenAuditLog(cfg.Logging.AuditPath)
		if err != nil {
			logging.Fatalf("Failed to open audit log: %v", err)
		}
		defer audit.Close()
		auditOut = audit
	}
	logging.Setup(cfg.Logging.Level, auditOut)

	slog.Info("fire dispatch starting", "poll_interval", cfg.Dispatch.PollInterval, "edit_field", cfg.Dispatch.EditField)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect := func(ctx context.Context) (dispatch.RemoteSession, error) {
		s, err := arcgis.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	session, err := connect(ctx)
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

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Fans finished runs out to SSE clients
	broadcaster := broadcast.NewBroadcaster(16)

	d := dispatch.New(cfg.Dispatch, session, baseline, dispatch.Deps{
		Connect:     connect,
		Checkpoint:  store,
		Sinks:       sinks,
		Runs:        db,
		Recoveries:  db,
		Broadcaster: broadcaster,
		Metrics:     m,
	})
	d.Start(ctx)

	var srv *http.Server
	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		router.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length", "X-Edit-Date"},
			AllowCredentials: false, // Set to false when using wildcard origins
		}))
		router.Use(api.RateLimitMiddleware(cfg.Server.RateLimit))

		handler := api.NewHandler(d, db, db, broadcaster, reg)
		handler.RegisterRoutes(router)

		srv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		}

		go func() {
			slog.Info("server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Fatalf("server error: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	d.Stop()
	broadcaster.Close() // ends open streams

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}

	slog.Info("shutdown complete", "checkpoint", d.Status().Checkpoint)
}
