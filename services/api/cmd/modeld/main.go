package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modeld/pkg/blob"
	"modeld/pkg/bus"
	"modeld/pkg/config"
	"modeld/pkg/db"
	"modeld/pkg/render"
	gos3 "modeld/pkg/s3"
	"modeld/pkg/telemetry"
	"modeld/services/api"
	"modeld/services/bundler"
	"modeld/services/canary"
	"modeld/services/gate"
	"modeld/services/pipeline"
	"modeld/services/registry"
	"modeld/services/signals"
	"modeld/services/validator"
)

func main() {
	if err := run("modeld"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := db.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}

	store, err := newBlobStore(cfg.Blob)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	reg, err := registry.New(orm)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	signer, err := bundler.NewSignerFromEnv()
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	policy, err := config.LoadCheckPolicy(cfg.CheckPolicyFile)
	if err != nil {
		return fmt.Errorf("load check policy: %w", err)
	}

	val, err := validator.New(orm, store)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	if err := val.RegisterPolicy(policy, signer); err != nil {
		return fmt.Errorf("register checks: %w", err)
	}

	healthStore, err := signals.NewStore(orm)
	if err != nil {
		return fmt.Errorf("init signals store: %w", err)
	}

	engine, err := render.New()
	if err != nil {
		return fmt.Errorf("init render engine: %w", err)
	}

	canaries, err := canary.New(orm, reg, healthStore, eventBus, engine, cfg.Canary, logger)
	if err != nil {
		return fmt.Errorf("init canary controller: %w", err)
	}

	gateway, err := gate.New(reg, canaries, eventBus)
	if err != nil {
		return fmt.Errorf("init promotion gate: %w", err)
	}

	worker, err := pipeline.New(reg, val, canaries, eventBus, cfg.Canary, logger)
	if err != nil {
		return fmt.Errorf("init pipeline worker: %w", err)
	}
	subs, err := worker.Start(ctx)
	if err != nil {
		return fmt.Errorf("start pipeline worker: %w", err)
	}
	defer closeAll(subs)

	ingest, err := signals.StartIngest(ctx, eventBus, healthStore, logger)
	if err != nil {
		return fmt.Errorf("start health ingest: %w", err)
	}
	defer ingest.Close()

	apiLayer, err := api.New(reg, store, val, canaries, gateway, healthStore, eventBus, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(pool))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func newBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "s3":
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(client, cfg.Bucket)
	case "fs":
		return blob.NewFSStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(pool interface {
	Ping(ctx context.Context) error
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), db.DefaultTimeout)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
