package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerID string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute batches from a shared Redis queue",
	Long: `Worker joins a run coordinated by "gh-harvest collect" on another machine.
Both must point at the same Redis (--redis) and key prefix. The worker runs
until interrupted; batches in progress are handed back to the queue.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	flags := workerCmd.Flags()
	flags.StringVar(&workerID, "id", "", "worker id used in results and logs (default: hostname-pid)")
	flags.Int("workers", 4, "concurrent batches")
	flags.Int("concurrency", 5, "accounts processed in parallel per batch")

	bind(flags.Lookup("workers"), "collect.workers")
	bind(flags.Lookup("concurrency"), "collect.concurrency")
}

func runWorker(cmd *cobra.Command, args []string) error {
	var fields map[string]string
	if workerID != "" {
		fields = map[string]string{"worker": workerID}
	}
	cfg, err := loadConfig(true, fields)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("worker needs a shared queue: set --redis or redis.addr")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	serveMetrics(ctx, cfg.MetricsAddr)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	log.Info().Str("redis", cfg.Redis.Addr).Msg("Worker started")
	return eng.workers(workerID).Run(ctx)
}
