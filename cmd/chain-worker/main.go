// cmd/chain-worker/main.go
//
// chain-worker drains the distributed submission queue. Run exactly one per
// signing key, with queue.worker_enabled=false on every API process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/oracled/internal/app"
	"github.com/cmatc13/oracled/internal/nonce"
	"github.com/cmatc13/oracled/pkg/config"
)

func main() {
	flags := pflag.NewFlagSet("chain-worker", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	envFiles := flags.StringSlice("env-file", []string{".env"}, "Dotenv files to load before reading the environment")
	resetNonce := flags.Bool("reset-nonce", false, "Reset the shared nonce counter to the confirmed count and exit")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	_ = flags.Parse(os.Args[1:])

	loadFlags := pflag.NewFlagSet("chain-worker", pflag.ContinueOnError)
	if f := flags.Lookup("log.level"); f.Changed {
		loadFlags.AddFlag(f)
	}

	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigFile: *configFile,
		EnvFiles:   *envFiles,
		Flags:      loadFlags,
	})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// The worker process always runs the worker.
	cfg.Queue.Mode = config.QueueModeDistributed
	cfg.Queue.WorkerEnabled = true
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := app.NewLogger(cfg, app.RoleWorker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.RoleWorker, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize chain worker")
		os.Exit(1)
	}

	if *resetNonce {
		defer a.Close()
		if err := resync(ctx, a); err != nil {
			logger.WithError(err).Error("Failed to reset shared nonce")
			os.Exit(1)
		}
		return
	}

	logger.Info("Chain worker started", "signer", a.Signer.Address().Hex(), "nonce_mode", a.Nonces.Mode())
	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("Chain worker failed")
		os.Exit(1)
	}
}

// resync points the shared counter at the confirmed transaction count. Only
// run it while no submissions are in flight.
func resync(ctx context.Context, a *app.App) error {
	shared, ok := a.Nonces.(*nonce.SharedAllocator)
	if !ok {
		a.Logger.Warn("Nonce mode is not shared; nothing to reset", "nonce_mode", a.Nonces.Mode())
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	addr := a.Signer.Address()
	before, err := shared.Drift(ctx, addr)
	if err != nil {
		return err
	}
	if err := shared.Reset(ctx, addr, before.Confirmed); err != nil {
		return err
	}
	a.Logger.Info("Shared nonce reset", "address", addr.Hex(), "was", before.Counter, "now", before.Confirmed, "drift", before.Drift)
	return nil
}
