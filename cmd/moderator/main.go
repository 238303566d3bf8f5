package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-moderator/internal/app"
	"telegram-moderator/internal/infra/config"
	"telegram-moderator/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	// config.Load загружает .env, правила пре-фильтра и валидирует значения.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := config.Get()

	logger.Init(cfg.Logging.Level)
	if cfg.Logging.File != "" {
		logger.EnableFile(cfg.Logging.File)
	}
	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}
	if cfg.Moderation.DryRun {
		logger.Info("DRY RUN mode: verdicts are logged and forwarded, no actions applied")
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop, cfg)
	if runErr := a.Run(); runErr != nil && ctx.Err() == nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
