package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/vincentbai/pagebeacon/internal/config"
	"github.com/vincentbai/pagebeacon/internal/database"
	"github.com/vincentbai/pagebeacon/internal/identity"
	"github.com/vincentbai/pagebeacon/internal/logging"
	"github.com/vincentbai/pagebeacon/internal/server"
	"github.com/vincentbai/pagebeacon/internal/telemetry"
	"github.com/vincentbai/pagebeacon/internal/tracker"
	"github.com/vincentbai/pagebeacon/internal/transport"
)

const usage = `usage: pagebeacon [serve|simulate] [-config path]

  serve     run the analytics ingestion sink (default)
  simulate  replay one page session against the configured endpoint`

func main() {
	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "serve" || args[0] == "simulate") {
		command, args = args[0], args[1:]
	}

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	flags.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	configPath := flags.String("config", "", "path to a YAML config file")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pagebeacon:", err)
		os.Exit(2)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pagebeacon:", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "simulate":
		err = simulate(ctx, cfg, logger)
	default:
		err = serve(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("pagebeacon failed", "command", command, "error", err)
		os.Exit(1)
	}
}

// applicationDirectory returns the platform-specific data dir, creating it.
func applicationDirectory() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var directory string
	switch runtime.GOOS {
	case "darwin":
		directory = filepath.Join(homeDirectory, "Library", "Application Support", "PageBeacon")
	case "windows":
		directory = filepath.Join(homeDirectory, "AppData", "Roaming", "PageBeacon")
	default: // linux and others
		directory = filepath.Join(homeDirectory, ".local", "share", "PageBeacon")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return directory, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	databasePath := cfg.Sink.DatabasePath
	if databasePath == "" {
		directory, err := applicationDirectory()
		if err != nil {
			return err
		}
		databasePath = filepath.Join(directory, "events.db")
	}

	db, err := database.NewDatabase(databasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("sink database ready", "path", databasePath, "config", cfg.Source)
	return server.NewServer(db, cfg.Sink.Address, logger).Start(ctx)
}

type closableStore interface {
	identity.Store
	Close() error
}

func openIdentityStore(ctx context.Context, cfg config.IdentityConfig) (closableStore, error) {
	switch cfg.Backend {
	case "memory":
		return nopCloser{identity.NewMemoryStore()}, nil
	case "redis":
		return identity.NewRedisStore(cfg.RedisAddr, cfg.RedisDB, "pagebeacon"), nil
	default:
		path := cfg.Path
		if path == "" {
			directory, err := applicationDirectory()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(directory, "identity.db")
		}
		db, err := database.Open(path)
		if err != nil {
			return nil, err
		}
		store, err := identity.NewSQLStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}

type nopCloser struct {
	*identity.MemoryStore
}

func (nopCloser) Close() error { return nil }

func simulate(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openIdentityStore(ctx, cfg.Identity)
	if err != nil {
		// storage trouble only costs the persistent id
		logger.Warn("identity store unavailable, using memory", "error", err)
		store = nopCloser{identity.NewMemoryStore()}
	}
	defer store.Close()

	metrics, err := telemetry.New(nil)
	if err != nil {
		return err
	}

	beacon := transport.NewBeacon(transport.BeaconOptions{
		Endpoint:   cfg.Endpoint,
		MaxBytes:   cfg.BeaconMaxBytes,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger,
		OnDispatch: func() { metrics.BeaconSent(context.Background()) },
	})
	t, err := tracker.New(ctx, tracker.Options{
		Page: tracker.Page{
			URL:             "http://localhost:5000/",
			UserAgent:       "pagebeacon-simulator/1.0",
			Language:        "en-US",
			ScreenWidth:     1920,
			ScreenHeight:    1080,
			ViewportWidth:   1280,
			ViewportHeight:  720,
			ConvertButtonID: "convertBtn",
		},
		Identity:       identity.NewProvider(identity.Options{Store: store, Logger: logger}),
		Sender:         transport.NewHTTPSender(cfg.Endpoint, cfg.RequestTimeout),
		Beacon:         beacon,
		FlushInterval:  cfg.FlushInterval,
		FlushThreshold: cfg.FlushThreshold,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	script := []struct {
		after  time.Duration
		signal func()
	}{
		{200 * time.Millisecond, func() { t.ObserveIntersection(0.3) }},
		{300 * time.Millisecond, func() { t.ObserveIntersection(0.8) }},
		{500 * time.Millisecond, t.ButtonClick},
		{100 * time.Millisecond, t.ButtonClick},
	}
	for _, step := range script {
		select {
		case <-ctx.Done():
		case <-time.After(step.after):
			step.signal()
		}
	}

	logger.Info("session summary", "summary", t.Summary())
	t.Unload()
	t.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := beacon.Wait(waitCtx); err != nil {
		logger.Warn("beacons still in flight at exit", "error", err)
	}
	return nil
}
