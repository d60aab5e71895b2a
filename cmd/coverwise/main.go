package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coverwise/coverwise/internal/auth"
	"github.com/coverwise/coverwise/internal/config"
	"github.com/coverwise/coverwise/internal/ensemble"
	"github.com/coverwise/coverwise/internal/events"
	"github.com/coverwise/coverwise/internal/modelbundle"
	"github.com/coverwise/coverwise/internal/recommend"
	"github.com/coverwise/coverwise/internal/redact"
	"github.com/coverwise/coverwise/internal/server"
	"github.com/coverwise/coverwise/internal/store"
	"github.com/coverwise/coverwise/internal/telemetry"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "coverwise.yaml", "Path to coverwise config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		redact.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		redact.Fatalf("invalid config: %v", err)
	}

	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  cfg.Telemetry.Version,
	})
	if err != nil {
		redact.Fatalf("telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
	}()

	authz, err := auth.NewFromConfig(cfg)
	if err != nil {
		redact.Fatalf("auth: %v", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		redact.Fatalf("store: %v", err)
	}
	defer st.Close()

	emitter, err := events.NewFromConfig(cfg.Events)
	if err != nil {
		redact.Fatalf("events: %v", err)
	}
	defer emitter.Close(context.Background())

	openOpts, err := modelbundle.OptionsFromConfig(cfg.Model)
	if err != nil {
		redact.Fatalf("model: %v", err)
	}
	loader := modelbundle.NewLoader(cfg.Model.BundleDir, modelbundle.WithOpenOptions(openOpts))
	defer loader.Close()

	if cfg.Model.Preload {
		if _, err := loader.Bundle(); err != nil {
			redact.Fatalf("model bundle unavailable, refusing to start: %v", err)
		}
	} else {
		redact.Logf("model bundle at %s will load on first request", cfg.Model.BundleDir)
	}

	svc := recommend.NewService(ensemble.New(loader, tel), tel)
	srv := server.New(cfg, authz, server.Deps{
		Recommender: svc,
		Bundles:     loader,
		Store:       st,
		Telemetry:   tel,
		Events:      emitter,
	})

	if err := srv.Start(ctx, addr); err != nil {
		redact.Logf("server error: %v", err)
		os.Exit(1)
	}
}
