package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/broker"
	"github.com/rxtech-lab/argo-orchestrator/internal/config"
	"github.com/rxtech-lab/argo-orchestrator/internal/journal"
	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/manager"
	"github.com/rxtech-lab/argo-orchestrator/internal/pool"
	"github.com/rxtech-lab/argo-orchestrator/internal/supervisor"
	"github.com/rxtech-lab/argo-orchestrator/internal/transport"
	"github.com/rxtech-lab/argo-orchestrator/internal/types"
	"github.com/rxtech-lab/argo-orchestrator/internal/version"
	"github.com/rxtech-lab/argo-orchestrator/internal/worker"
	"github.com/rxtech-lab/argo-orchestrator/pkg/feed"
)

func main() {
	cmd := &cli.Command{
		Name:    "argo-orchestrator",
		Usage:   "Run trading strategy workers as supervised processes",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			schemaCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the coordinator: channel server, worker pool, and supervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
			},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "Strategy to start on boot (registered name or path to a .wasm file)",
			},
			&cli.StringFlag{
				Name:  "symbols",
				Usage: "Comma-separated symbols for the boot strategy (e.g. BTCUSDT,ETHUSDT)",
			},
			&cli.StringFlag{
				Name:  "interval",
				Usage: "Candlestick interval for the market data feed",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "feed",
				Usage: fmt.Sprintf("Market data feed provider (%s, %s)", feed.ProviderBinance, feed.ProviderPolygon),
				Value: string(feed.ProviderBinance),
			},
			&cli.StringFlag{
				Name:    "polygon-api-key",
				Usage:   "Polygon API key (required when --feed=polygon)",
				Sources: cli.EnvVars("POLYGON_API_KEY"),
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg := config.DefaultConfig()

	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	server := transport.NewServer(cfg.Transport.ListenAddr, cfg.Transport.RequestTimeout, log)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()

	eventJournal, err := journal.Open(cfg.JournalPath.TakeOr(""), log)
	if err != nil {
		return err
	}
	defer func() { _ = eventJournal.Close() }()

	spawner := pool.NewExecSpawner(cfg.WorkerBinary.TakeOr(""), server.Addr(), log)
	workerPool := pool.NewPool(cfg.Pool, spawner, server, log)
	dataBroker := broker.NewBroker(server, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := workerPool.Start(ctx); err != nil {
		return err
	}
	defer workerPool.Close()

	var mgr *manager.Manager

	sup := supervisor.New(cfg.Health, cfg.Restart, restarterFunc(func(ctx context.Context, workerID string) error {
		return mgr.Restart(ctx, workerID)
	}), log)
	mgr = manager.New(cfg.Transport, server, workerPool, sup, spawner, dataBroker, eventJournal, log)

	go sup.Run(ctx, server.Status())
	go func() {
		for alert := range sup.Alerts() {
			log.Error("worker restart budget exhausted",
				zap.String("worker_id", alert.WorkerID),
				zap.Int("restarts", alert.RestartCount))
		}
	}()

	if strategyRef := cmd.String("strategy"); strategyRef != "" {
		symbols := splitSymbols(cmd.String("symbols"))
		if len(symbols) == 0 {
			return fmt.Errorf("--symbols is required when --strategy is set")
		}

		workerID, err := mgr.StartStrategy(ctx, manager.StartRequest{
			StrategyRef: strategyRef,
			Symbols:     symbols,
			DataTypes:   []types.DataType{types.DataTypeBar},
		})
		if err != nil {
			return err
		}

		log.Info("boot strategy started",
			zap.String("worker_id", workerID),
			zap.String("strategy", strategyRef))

		go streamMarketData(ctx, cmd, mgr, symbols, log)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Transport.GracePeriod+cfg.Transport.RequestTimeout)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	return nil
}

// streamMarketData pumps the configured feed into the broker until the
// context is cancelled.
func streamMarketData(ctx context.Context, cmd *cli.Command, mgr *manager.Manager, symbols []string, log *logger.Logger) {
	provider, err := feed.NewProvider(feed.ProviderType(cmd.String("feed")), cmd.String("polygon-api-key"))
	if err != nil {
		log.Error("failed to create market data feed", zap.Error(err))

		return
	}

	for data, err := range provider.Stream(ctx, symbols, cmd.String("interval")) {
		if err != nil {
			log.Warn("market data feed error", zap.Error(err))

			continue
		}

		if _, err := mgr.PublishMarketData(data); err != nil {
			log.Warn("failed to publish market data",
				zap.String("symbol", data.Symbol),
				zap.Error(err))
		}
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Run one worker process (spawned by the coordinator)",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "worker-id",
				Usage:    "Identity assigned by the coordinator",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "addr",
				Usage:    "Coordinator channel server address",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Usage: "Interval between heartbeat messages",
				Value: time.Second,
			},
		},
		Action: workerAction,
	}
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	workerID := cmd.String("worker-id")

	client := transport.NewClient(workerID, cmd.String("addr"), log)
	if err := client.Dial(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	w := worker.New(client, worker.Options{
		WorkerID:          workerID,
		HeartbeatInterval: cmd.Duration("heartbeat-interval"),
		Logger:            log,
	})

	return w.Run(ctx)
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the JSON schema for the configuration file",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()

			schema, err := cfg.GenerateSchemaJSON()
			if err != nil {
				return err
			}

			fmt.Println(schema)

			return nil
		},
	}
}

// restarterFunc adapts a function to the supervisor.Restarter interface.
type restarterFunc func(ctx context.Context, workerID string) error

func (f restarterFunc) Restart(ctx context.Context, workerID string) error {
	return f(ctx, workerID)
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}

	return symbols
}
