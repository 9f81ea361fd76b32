package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"procurebot/internal/config"

	"github.com/spf13/cobra"
)

var (
	configDir string
	envFile   string
)

// @title           Procurement Bot API
// @version         1.0
// @description     Chat-driven procurement pipeline: gateway intake, request read side and directory.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	root := &cobra.Command{
		Use:           "procurebot",
		Short:         "Chat-driven procurement request pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "configs", "directory holding config.yaml")
	root.PersistentFlags().StringVar(&envFile, "env", "configs/.env", "env file loaded before reading config")

	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configDir, envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
