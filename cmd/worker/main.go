package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/internal/transport"
	"github.com/rxtech-lab/argo-orchestrator/internal/version"
	"github.com/rxtech-lab/argo-orchestrator/internal/worker"
)

// Standalone worker binary. The coordinator spawns workers by re-executing
// itself with the worker subcommand by default; pointing worker_binary at
// this binary gives workers their own executable. Both are invoked the same
// way: <binary> worker --worker-id <id> --addr <addr>.
func main() {
	cmd := &cli.Command{
		Name:    "argo-worker",
		Usage:   "Run one strategy worker process",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "worker",
				Usage: "Connect to the coordinator and run the worker event loop",
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
				Action: runWorker,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
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
