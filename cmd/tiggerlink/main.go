package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiggerlink/internal/ble"
	"tiggerlink/internal/bridge"
	"tiggerlink/internal/config"
	"tiggerlink/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/tiggerlink/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetLogLoggerLevel(parseLogLevel(cfg.LogLevel))
	printBanner(cfg)

	// Bring up the BLE adapter
	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable BLE adapter: %v\n\nCheck that Bluetooth is powered on and this process has permission to use it.", err)
	}
	log.Println("BLE adapter ready")

	// Start the session actor
	sess := session.New(adapter, session.Options{
		DeviceName:        cfg.Device.Name,
		ServiceUUID:       cfg.Device.ServiceUUID,
		WriteCharUUID:     cfg.Device.WriteCharUUID,
		NotifyCharUUID:    cfg.Device.NotifyCharUUID,
		ScanTimeout:       cfg.Timing.ScanTimeout.Std(),
		ManualScanTimeout: cfg.Timing.ManualScanTimeout.Std(),
		ConnectTimeout:    cfg.Timing.ConnectTimeout.Std(),
		SettleDelay:       cfg.Timing.SettleDelay.Std(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	// Wire the UI surface
	hub := bridge.NewHub()
	srv := bridge.NewServer(cfg.ListenAddr, bridge.New(sess), hub)
	go bridge.Forward(sess.Events(), hub)

	go func() {
		log.Printf("UI bridge listening on %s", cfg.ListenAddr)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	// Tear the device session down first so the UI hears DISCONNECTED.
	sess.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== tiggerlink ===")
	fmt.Printf("  Device:  %s\n", cfg.Device.Name)
	fmt.Printf("  Service: %s\n", cfg.Device.ServiceUUID)
	fmt.Printf("  Scan:    %s auto, %s manual\n", cfg.Timing.ScanTimeout.Std(), cfg.Timing.ManualScanTimeout.Std())
	fmt.Printf("  Listen:  %s\n", cfg.ListenAddr)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
