// MoveSentry analyzes proposed Move-chain transactions before they are
// signed, scoring exploit, rug-pull, cost, and permission risk.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/movesentry/movesentry/internal/config"
	"github.com/movesentry/movesentry/internal/logging"
	"github.com/movesentry/movesentry/internal/server"
)

// Build info set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "movesentry: config:", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.Env == "development" {
		format = "text"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting movesentry",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"llm_enabled", cfg.LLMEnabled(),
		"rate_limit_rps", cfg.RateLimitRPS,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
