package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/ChannelDrop/internal/app"
	"github.com/dharsanguruparan/ChannelDrop/internal/config"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		os.Exit(supervisor.ExitFailure)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	code := app.Run(ctx, cfg)
	stop()
	os.Exit(code)
}
