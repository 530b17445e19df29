package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flor3z/tournament-bot/internal/bot"
	"github.com/flor3z/tournament-bot/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Bot exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("Starting Tournament Bot", "database", cfg.DatabasePath, "sweepInterval", cfg.SweepIntervalSeconds)

	// Cancelled on SIGINT/SIGTERM; background work stops taking on new tournaments
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bot.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	if err := b.Start(ctx); err != nil {
		// Release whatever Start managed to open
		_ = b.Stop(context.Background())
		return fmt.Errorf("failed to start bot: %w", err)
	}

	slog.Info("Bot is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	stop()

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	slog.Info("Shutting down...", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("Bot stopped")
	return nil
}

// parseLogLevel accepts debug, info, warn or error in any case. Anything else means info.
func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
