// Command rambled is the phone-side sync daemon for the Ramble voice
// recorder. It holds the BLE link to the recorder, pulls finished
// recordings off the device, stores them locally and exposes an HTTP
// API plus a WebSocket event stream for the UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alfiehales0203-prog/RAMBLE/bluetooth"
	"github.com/alfiehales0203-prog/RAMBLE/config"
	"github.com/alfiehales0203-prog/RAMBLE/server"
	"github.com/alfiehales0203-prog/RAMBLE/storage"
	"github.com/alfiehales0203-prog/RAMBLE/utils"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "rambled",
		Usage:   "voice note sync daemon for the Ramble recorder",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "data directory (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "force debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "rambled: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("rambled starting",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("dataDir", cfg.DataDir),
		zap.String("device", cfg.Device.Name))

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	hub := utils.NewWebSocketHub(log)

	manager := bluetooth.NewManager(log, store, bluetooth.Options{
		Device: bluetooth.DeviceOptions{
			Name:           cfg.Device.Name,
			Address:        cfg.Device.Address,
			Adapter:        cfg.Device.Adapter,
			ConnectTimeout: cfg.Device.ConnectTimeout.Duration,
		},
		ProgressStep: cfg.Sync.ProgressStep,
		CommandQueue: cfg.Sync.CommandQueue,
		EventBuffer:  cfg.Sync.EventBuffer,
	})
	go pumpEvents(manager, hub)

	var monitor *utils.NetworkMonitor
	if !cfg.Network.Disabled {
		monitor = utils.NewNetworkMonitor(log, hub,
			cfg.Network.Interface,
			cfg.Network.ProbeHost,
			cfg.Network.ProbeInterval.Duration)
		monitor.Start()
		defer monitor.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Device.Reconnect {
		go superviseConnection(ctx, log, manager, cfg.Device.ReconnectDelay.Duration)
	}

	srv := server.NewServer(log, manager, store, hub, monitor)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
		runErr = err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	manager.Disconnect()
	hub.CloseAll()

	log.Info("rambled stopped")
	return runErr
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v := c.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(sinks...),
		level,
	)
	return zap.New(core), nil
}

// pumpEvents forwards session events to WebSocket clients.
func pumpEvents(manager *bluetooth.Manager, hub *utils.WebSocketHub) {
	for ev := range manager.Events() {
		hub.Broadcast(utils.WebSocketEvent{
			Type:      string(ev.Type),
			Timestamp: ev.Timestamp,
			Payload:   ev.Payload,
		})
	}
}

// superviseConnection redials the recorder whenever the session is
// down. The sync engine itself never retries; this loop is the only
// retry policy in the daemon and is enabled by device.reconnect.
func superviseConnection(ctx context.Context, log *zap.Logger, manager *bluetooth.Manager, delay time.Duration) {
	if delay <= 0 {
		delay = 10 * time.Second
	}
	for {
		err := manager.Connect(ctx)
		switch {
		case err == nil:
			log.Info("supervisor: recorder connected")
		case errors.Is(err, bluetooth.ErrAlreadyConnected):
		case ctx.Err() != nil:
			return
		default:
			log.Warn("supervisor: connect failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
