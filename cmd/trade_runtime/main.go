package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trade_runtime/internal/alert"
	"trade_runtime/internal/bootstrap"
	"trade_runtime/internal/core"
	"trade_runtime/internal/emergency"
	"trade_runtime/internal/feed"
	"trade_runtime/internal/infrastructure/health"
	"trade_runtime/internal/infrastructure/metrics"
	"trade_runtime/internal/ledger"
	"trade_runtime/internal/orchestrator"
	"trade_runtime/internal/risk"
	"trade_runtime/internal/storage"
	"trade_runtime/internal/transport"
	"trade_runtime/pkg/liveserver"
	"trade_runtime/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("starting trade runtime",
		"terminal", fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port),
		"storage", cfg.Storage.Driver)

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("trade_runtime")
		if err != nil {
			logger.Fatal("telemetry setup failed", "error", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	// Persistence backend.
	var store core.IStore
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err = storage.NewSQLiteStore(cfg.Storage.Path, logger)
		if err != nil {
			logger.Fatal("sqlite store init failed", "error", err, "path", cfg.Storage.Path)
		}
	default:
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	// Dual transport: TCP primary, file mailbox fallback.
	tcp := transport.NewTCPTransport(transport.TCPConfig{
		Host:              cfg.Transport.Host,
		Port:              cfg.Transport.Port,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectBase:     time.Duration(cfg.Transport.ReconnectTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Transport.HeartbeatIntervalSeconds) * time.Second,
	}, logger)
	mailbox := transport.NewFileMailbox(transport.MailboxConfig{
		Root:          cfg.Mailbox.Root,
		Sender:        cfg.Mailbox.Sender,
		PollInterval:  time.Duration(cfg.Mailbox.PollIntervalSeconds) * time.Second,
		FileTimeout:   time.Duration(cfg.Mailbox.FileTimeoutSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Mailbox.SweepIntervalSeconds) * time.Second,
	}, logger)
	bridge := transport.NewBridge(tcp, mailbox, logger)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bridge.Connect(connectCtx); err != nil {
		cancelConnect()
		logger.Fatal("transport bridge init failed", "error", err)
	}
	cancelConnect()
	defer bridge.Close()

	// Position ledger, restored from durable state.
	led := ledger.New(ledger.Config{
		LotSize:        cfg.Ledger.LotSize,
		InitialBalance: cfg.Ledger.InitialBalance,
		ConfirmTimeout: time.Duration(cfg.Ledger.ConfirmTimeoutSeconds) * time.Second,
		PersistWorkers: cfg.Pools.PersistPoolSize,
		PersistBuffer:  cfg.Pools.PersistPoolBuffer,
	}, store, bridge, logger)
	if err := led.Restore(context.Background()); err != nil {
		logger.Fatal("ledger restore failed", "error", err)
	}
	defer led.Shutdown()

	// Risk engine and emergency controller reference each other; the
	// notifier is wired after both exist.
	engine := risk.NewEngine(cfg.Risk, led, store, logger)
	controller := emergency.NewController(emergency.Config{
		CommandFile:       cfg.Emergency.CommandFile,
		MonitorInterval:   time.Duration(cfg.Emergency.MonitorIntervalSeconds) * time.Second,
		CloseTimeout:      cfg.Risk.CloseTimeout(),
		HeartbeatInterval: time.Duration(cfg.Transport.HeartbeatIntervalSeconds) * time.Second,
		ClosePoolSize:     cfg.Pools.ClosePoolSize,
		ClosePoolBuffer:   cfg.Pools.ClosePoolBuffer,
	}, led, bridge, store, logger)
	engine.SetNotifier(controller)
	controller.RegisterLiveness("risk_engine", engine.Running)
	controller.RegisterLiveness("ledger", led.Running)

	if cfg.Alerts.SlackWebhookURL != "" || cfg.Alerts.TelegramBotToken != "" {
		alerts := alert.NewManager(logger)
		if cfg.Alerts.SlackWebhookURL != "" {
			alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
		}
		if cfg.Alerts.TelegramBotToken != "" {
			alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
		}
		controller.SetAlerter(alerts)
	}

	// Optional live status WebSocket hub.
	var hub *liveserver.Hub
	if cfg.Status.Enabled {
		hub = liveserver.NewHub(logger)
	}

	runtime := orchestrator.NewRuntime(orchestrator.Options{
		Transport: bridge,
		Ledger:    led,
		Risk:      engine,
		Emergency: controller,
		Hub:       hub,
		Logger:    logger,
	})

	healthMgr := health.NewHealthManager(logger)
	healthMgr.Register("transport", health.TransportCheck(bridge))
	healthMgr.Register("risk_engine", health.RunningCheck("risk_engine", engine.Running))
	healthMgr.Register("trading", health.TradingCheck(controller))
	runtime.RegisterHealth(healthMgr)

	runners := []bootstrap.Runner{
		runtime,
		bootstrap.RunnerFunc(engine.Run),
		bootstrap.RunnerFunc(controller.Run),
	}

	if cfg.Feed.Enabled {
		marketFeed := feed.New(feed.Config{
			URL:     cfg.Feed.URL,
			Symbols: cfg.Feed.Symbols,
		}, runtime, logger)
		runners = append(runners, marketFeed)
	}

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, led, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			metricsSrv.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Stop(stopCtx)
		}))
	}

	if cfg.Status.Enabled {
		statusSrv := liveserver.NewServer(hub, logger, cfg.Status.AllowedOrigins)
		addr := fmt.Sprintf(":%d", cfg.Status.Port)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			return statusSrv.Start(ctx, addr)
		}))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}
