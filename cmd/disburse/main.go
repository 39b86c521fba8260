package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"disburse/internal/app"
	"disburse/internal/config"
)

func main() {
	fs := pflag.NewFlagSet("disburse", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", os.Getenv("DISBURSE_CONFIG"), "Path to a YAML configuration file.")
	// Parse once to find the config file, then again so flags override it.
	fs.ParseErrorsWhitelist.UnknownFlags = true
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flags := pflag.NewFlagSet("disburse", pflag.ExitOnError)
	flags.String("config", *configPath, "Path to a YAML configuration file.")
	cfg.AddFlags(flags)
	_ = flags.Parse(os.Args[1:])

	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("stopped with error")
		_ = a.Close()
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func setupLogging(cfg config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
