// Command papertrade runs the paper trading API: simulated buy and sell
// orders against live market prices, with per-user cash and portfolio.
//
// Usage:
//
//	papertrade --config config.yaml
//	papertrade --env-file .env
//
// Required environment variables (unless set in the config file):
//
//	JWT_SECRET
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/papertrade/config"
	"github.com/vadiminshakov/papertrade/internal"
	"github.com/vadiminshakov/papertrade/internal/logging"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewApp(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to close app", zap.Error(err))
		}
	}()

	logger.Info("starting papertrade",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Strings("providers", cfg.Market.Providers))

	if err := app.Run(ctx); err != nil {
		logger.Error("papertrade stopped", zap.Error(err))
		return
	}
	logger.Info("papertrade stopped")
}
