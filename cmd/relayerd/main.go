// Package main provides relayerd, the confirmation-gated settlement relayer
// daemon: loads configuration, wires every component through core.New, and
// serves the REST/WebSocket API until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/api"
	"github.com/envelop-relayer/settlement-core/internal/core"
	"github.com/envelop-relayer/settlement-core/internal/relayconfig"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.envelop-relayer", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/relayer.yaml)")
		httpAddr    = flag.String("http", "", "HTTP API address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("relayerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configPath := relayconfig.ConfigPath(*dataDir)
	if *configFile != "" {
		configPath = *configFile
	}
	cfg, err := relayconfig.LoadConfig(configPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	cfg.LogLevel = *logLevel
	cfg.DataDir = *dataDir

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := core.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to wire settlement relayer", "error", err)
	}

	server := api.NewServer(app, cfg.AuthTokens)
	if err := server.Start(cfg.HTTPAddr); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *relayconfig.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Envelop Settlement Relayer")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", cfg.HTTPAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.HTTPAddr)
	log.Info("")
	log.Infof("  Onchain ledger: %v | Fee payer match enforced: %v", cfg.OnchainLedger, cfg.TxEnforceFeePayerMatch)
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Info("=================================================")
	log.Info("")
}
