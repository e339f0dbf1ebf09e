// Package main provides the main entry point for the oracle service.
// It serves the HTTP API and submits market registrations and resolutions
// to the registry contract through the coordinator.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cmatc13/oracled/internal/app"
	"github.com/cmatc13/oracled/pkg/config"
)

func main() {
	flags := pflag.NewFlagSet("oracled", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	envFiles := flags.StringSlice("env-file", []string{".env"}, "Dotenv files to load before reading the environment")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.String("api.port", "3000", "HTTP listen port")
	flags.String("queue.mode", config.QueueModeLocal, "Submission queue mode (local, distributed)")
	flags.String("nonce.mode", config.NonceModeLocal, "Nonce allocation mode (local, shared)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigFile: *configFile,
		EnvFiles:   *envFiles,
		Flags:      changedOnly(flags),
	})
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg, app.RoleServer)
	logger.Info("Configuration loaded",
		"config_file", *configFile,
		"queue_mode", cfg.Queue.Mode,
		"nonce_mode", cfg.Nonce.Mode,
		"chain_configured", cfg.Chain.Configured(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.RoleServer, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize services")
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("Service registry failed")
		os.Exit(1)
	}
}

// changedOnly returns a flag set holding only the flags given on the command
// line, so flag defaults never shadow the environment or a config file.
func changedOnly(flags *pflag.FlagSet) *pflag.FlagSet {
	out := pflag.NewFlagSet(flags.Name(), pflag.ContinueOnError)
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "env-file" {
			return
		}
		out.AddFlag(f)
	})
	return out
}
