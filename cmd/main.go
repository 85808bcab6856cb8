package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/parallax-cloud/compute-broker/internal/api"
	"github.com/parallax-cloud/compute-broker/internal/config"
	"github.com/parallax-cloud/compute-broker/internal/database"
	"github.com/parallax-cloud/compute-broker/internal/logger"
	"github.com/parallax-cloud/compute-broker/internal/server"
)

// Build information (set via ldflags)
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var envFile = flag.String("env", "", "Path to an env file to load")
	flag.Parse()

	if *showVersion {
		fmt.Printf("compute-broker %s (%s, built %s)\n", Version, CommitHash, BuildTime)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Best effort; a missing .env is fine.
		_ = godotenv.Load()
	}

	log := logger.New("main")
	cfg := config.Load()

	var db *database.Database
	var err error
	if cfg.DatabaseURL != "" {
		db, err = database.NewPostgresDatabase(cfg.DatabaseURL)
	} else {
		db, err = database.NewDatabase(cfg.SQLitePath)
	}
	if err != nil {
		log.Error("failed to initialize database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	chainClient, gateway, billingClient, cli, err := server.InitializeClients(cfg)
	if err != nil {
		log.Error("failed to initialize clients", "error", err.Error())
		os.Exit(1)
	}

	svcs, err := server.InitializeServices(db.DB, cfg, chainClient, gateway, billingClient, cli)
	if err != nil {
		log.Error("failed to initialize services", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detached ingress backfill tasks do not survive a restart; re-derive
	// them from the persisted state before serving traffic.
	if count, err := svcs.Deployments.RecoverPendingIngress(ctx); err != nil {
		log.Warn("ingress recovery scan failed", "error", err.Error())
	} else if count > 0 {
		log.Info("recovered pending ingress watches", "count", count)
	}

	go svcs.Billing.Start(ctx)

	apiServer := api.NewAPIServer(svcs.Deployments, svcs.Cvms, svcs.Escrow, svcs.Billing)

	go func() {
		log.Info("starting API server", "addr", cfg.ListenAddr, "version", Version)
		if err := apiServer.Start(cfg.ListenAddr); err != nil {
			log.Error("API server stopped", "error", err.Error())
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancel()
	if err := apiServer.Shutdown(); err != nil {
		log.Error("error shutting down API server", "error", err.Error())
	}
}
