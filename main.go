package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"lansend/config"
	"lansend/discovery"
	"lansend/events"
	"lansend/ipc"
	"lansend/network"
	"lansend/security"
	"lansend/storage"
	"lansend/transfer"
)

const shutdownGrace = 5 * time.Second

func main() {
	stdinPipeName := flag.String("stdin-pipe-name", "", "named pipe/FIFO carrying host operations (default: stdin)")
	stdoutPipeName := flag.String("stdout-pipe-name", "", "named pipe/FIFO carrying notifications to the host (default: stdout)")
	flag.Parse()

	// stdout may be the notification pipe, so all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger, *stdinPipeName, *stdoutPipeName); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, stdinPipeName, stdoutPipeName string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)

	pipes, err := ipc.OpenPipes(stdinPipeName, stdoutPipeName)
	if err != nil {
		return fmt.Errorf("open host pipes: %w", err)
	}
	ipcService, err := ipc.NewService(ipc.ServiceOptions{
		Pipes: pipes,
		Bus:   bus,
		OnDisconnect: func() {
			logger.Info("host disconnected, shutting down")
			stop()
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create ipc service: %w", err)
	}
	ipcService.Start()
	defer ipcService.Stop()

	identity, err := security.EnsureSecurityContext(config.CertsDir(dataDir))
	if err != nil {
		return fmt.Errorf("prepare certificate: %w", err)
	}

	database, dbPath, err := storage.Open(dataDir)
	if err != nil {
		// The in-memory pin map and metadata store stay authoritative
		// without the database.
		logger.Warn("database unavailable, continuing without persistence", "error", err)
		database = nil
	} else {
		defer func() {
			if err := database.Close(); err != nil {
				logger.Warn("database close failed", "error", err)
			}
		}()
	}

	securityStore, err := security.NewStore(security.StoreOptions{
		Identity:          identity,
		AllowUnregistered: cfg.AllowUnregistered,
		Logger:            logger,
		OnEvent:           securityEventRecorder(database, logger),
	})
	if err != nil {
		return fmt.Errorf("create security store: %w", err)
	}
	loadPersistedPins(securityStore, database, logger)

	metadataStore, err := transfer.NewStore(transfer.StoreOptions{
		Dir:    config.MetadataDir(dataDir),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	metrics := network.NewMetrics()

	engine, err := network.NewEngine(network.EngineOptions{
		Config:     cfg,
		ConfigPath: cfgPath,
		Bus:        bus,
		Security:   securityStore,
		Metadata:   metadataStore,
		Metrics:    metrics,
		Storage:    database,
		Logger:     logger,
		OnExit:     stop,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	server, err := network.NewServer(network.ServerOptions{
		Engine:   engine,
		Security: securityStore,
		Metrics:  metrics,
		Port:     cfg.Port,
		UseTLS:   cfg.HTTPS,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
	}()

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		Alias:        cfg.DeviceName,
		Port:         server.Port(),
		Fingerprint:  securityStore.Fingerprint(),
		UseHTTPS:     cfg.HTTPS,
		OnFound:      engine.UpsertDevice,
		OnLost:       engine.RemoveDevice,
	})
	if err != nil {
		logger.Warn("discovery unavailable", "error", err)
	} else {
		defer discoveryService.Stop()
	}

	logger.Info("lansend daemon running",
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"port", server.Port(),
		"https", cfg.HTTPS,
		"fingerprint", security.FormatFingerprint(securityStore.Fingerprint()),
		"config", cfgPath,
		"database", dbPath,
	)

	engine.PublishSettings()
	engine.Run(ctx)

	logger.Info("shutting down")
	return nil
}

// securityEventRecorder mirrors trust decisions into the security_events
// table. With no database it only logs.
func securityEventRecorder(database *storage.Store, logger *slog.Logger) func(security.Event) {
	return func(event security.Event) {
		if database == nil {
			return
		}
		err := database.RecordSecurityEvent(storage.SecurityEvent{
			EventType: string(event.Type),
			Endpoint:  event.Endpoint,
			Detail:    event.Detail,
		})
		if err != nil {
			logger.Warn("recording security event failed", "event", event.Type, "error", err)
		}
	}
}

// loadPersistedPins seeds the in-memory pin map from the database.
func loadPersistedPins(securityStore *security.Store, database *storage.Store, logger *slog.Logger) {
	if database == nil {
		return
	}
	peers, err := database.ListPinnedPeers()
	if err != nil {
		logger.Warn("loading pinned peers failed", "error", err)
		return
	}
	for _, peer := range peers {
		ip, portText, err := net.SplitHostPort(peer.Endpoint)
		if err != nil {
			logger.Warn("skipping pinned peer with malformed endpoint", "endpoint", peer.Endpoint)
			continue
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			logger.Warn("skipping pinned peer with malformed port", "endpoint", peer.Endpoint)
			continue
		}
		securityStore.Pin(ip, port, peer.Fingerprint)
	}
	if len(peers) > 0 {
		logger.Info("loaded pinned peers", "count", len(peers))
	}
}
