package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/database"
	"github.com/cloo-solutions/docrag/internal/jobs"
	"github.com/cloo-solutions/docrag/internal/server"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/cloo-solutions/docrag/internal/telemetry"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the docrag API server, the ingestion worker and the policy watcher",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().String("migrations", "file://migrations", "Migration source URL")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdownTelemetry := initTelemetry(cfg)
	defer shutdownTelemetry()

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		source, _ := cmd.Flags().GetString("migrations")
		if err := database.Migrate(cfg.DatabaseURL, source); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// A previous process may have died mid-ingestion.
	report, err := a.lifecycle.Reconcile(ctx, service.ReconcileStartup)
	if err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}
	logReport("startup reconcile", report)

	worker := jobs.NewWorker(jobs.NewIngestionWorker(a.documents, a.ingestion, cfg.IngestWorkers), cfg.IngestPollInterval)
	a.lifecycle.OnQueued(worker.Trigger)
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorker()
	go worker.Start(workerCtx)
	log.Printf("ingestion worker started with %d slots", cfg.IngestWorkers)

	if cfg.PolicyFile != "" {
		go func() {
			err := config.WatchPolicy(ctx, cfg.PolicyFile, func(p *config.Policy) {
				a.policy.Store(p)
				log.Printf("policy: reloaded %s", cfg.PolicyFile)
			})
			if err != nil {
				log.Printf("policy: watcher stopped: %v", err)
			}
		}()
	}

	router := server.NewRouter(server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(a.lifecycle, cfg.MaxUploadBytes),
		ChatHandler:     handlers.NewChatHandler(a.chats),
		QueryHandler:    handlers.NewQueryHandler(a.chats),
		AdminHandler:    handlers.NewAdminHandler(a.lifecycle),
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// In-flight ingestion is cancelled and recorded as interrupted.
	cancelWorker()
	worker.Stop()

	log.Println("server exited")
	return nil
}

func initTelemetry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}

	// Default to 10% sampling in production, 100% in development
	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}

	shutdown, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Printf("telemetry init failed (continuing without tracing): %v", err)
		return func() {}
	}
	return shutdown
}

func logReport(label string, r *service.ReconcileReport) {
	if !r.Changed() {
		log.Printf("%s: nothing to repair", label)
		return
	}
	log.Printf("%s: interrupted=%v downgraded=%v dropped_collections=%v dropped_parents=%v",
		label, r.Interrupted, r.Downgraded, r.DroppedCollections, r.DroppedParents)
}
