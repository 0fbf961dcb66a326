// ABOUTME: Entry point for the matrix-bridge-api daemon
// ABOUTME: Wires config, crypto store, protocol client, bridge and HTTP API together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/api"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/bridge"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/config"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

const banner = `
                 _        _          _          _     _
 _ __ ___   __ _| |_ _ __(_)_  __   | |__  _ __(_) __| | __ _  ___
| '_ ' _ \ / _' | __| '__| \ \/ /___| '_ \| '__| |/ _' |/ _' |/ _ \
| | | | | | (_| | |_| |  | |>  <____| |_) | |  | | (_| | (_| |  __/
|_| |_| |_|\__,_|\__|_|  |_/_/\_\   |_.__/|_|  |_|\__,_|\__, |\___|
                                                        |___/
`

const shutdownTimeout = 15 * time.Second

// getConfigPath returns the path to the bridge config file.
// Priority: MATRIX_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/matrix-bridge/config.yaml > ~/.config/matrix-bridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MATRIX_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "matrix-bridge", "config.yaml")
}

// getDataPath returns the path to the bridge data directory.
// Priority: XDG_DATA_HOME/matrix-bridge > ~/.local/share/matrix-bridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "matrix-bridge")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Store:      %s\n", cfg.Database.Dialect)
	green.Print("    ▶ ")
	fmt.Printf("API:        %s\n", cfg.API.Addr)
	fmt.Println()

	// Graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The crypto store opens in degraded mode when the database is
	// unreachable; startup continues either way.
	st := store.New(ctx, store.Options{
		Dialect:  cfg.Database.Dialect,
		DSN:      cfg.Database.DSN(),
		PoolSize: cfg.Database.PoolSize,
		UserID:   id.UserID(cfg.Matrix.UserID),
		DeviceID: id.DeviceID(cfg.Matrix.DeviceID),
	})

	client, err := NewMatrixClient(cfg.Matrix, dataPath, logger)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	webhook := api.NewWebhook(cfg.Webhook.URL, logger)

	b := bridge.New(client, st, cfg, webhook.Deliver, logger)
	if err := b.Start(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("starting bridge: %w", err)
	}
	b.Run(ctx)

	srv := api.NewServer(cfg.API.Addr, b, webhook, logger)
	srv.Start()

	logger.Info("matrix-bridge-api running", "api", cfg.API.Addr)
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", "error", err)
	}
	if err := b.Close(shutdownCtx); err != nil {
		logger.Warn("bridge shutdown failed", "error", err)
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
