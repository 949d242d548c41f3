package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/config"
	"github.com/Sternrassler/gh-harvest/pkg/coordinator"
	"github.com/Sternrassler/gh-harvest/pkg/discovery"
	"github.com/Sternrassler/gh-harvest/pkg/output"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
)

var (
	accountsFlag []string
	accountsFile string
	resumeRun    string
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect repositories for a set of accounts",
	Long: `Collect plans the given accounts into batches, runs local workers and
writes the aggregated projects once every batch is done.

Accounts come from --accounts, --accounts-file or a location search
(--location). --start-account and --max-accounts pick a window of that list,
so one list can be split over several runs. --resume continues a
checkpointed run instead; pass its run id or "latest".`,
	Args: cobra.NoArgs,
	RunE: runCollect,
}

func init() {
	flags := collectCmd.Flags()
	flags.StringSliceVar(&accountsFlag, "accounts", nil, "comma-separated account logins")
	flags.StringVar(&accountsFile, "accounts-file", "", "file with one login per line")
	flags.StringVar(&resumeRun, "resume", "", `resume a checkpointed run by id or "latest"`)
	flags.String("location", "", "discover accounts by location")
	flags.Int("max-accounts", 0, "collect at most this many accounts (0 = no limit)")
	flags.Int("start-account", 0, "skip this many accounts of the input list")
	flags.String("accounts-out", "", "save discovered accounts here; reused while younger than --accounts-max-age")
	flags.Duration("accounts-max-age", 24*time.Hour, "how long a saved account list replaces the search")
	flags.Int("batch-size", 10, "accounts per batch")
	flags.Int("workers", 4, "local workers")
	flags.Int("concurrency", 5, "accounts processed in parallel per batch")
	flags.Int("max-retries", 3, "retries of a failed batch")
	flags.String("checkpoint", "checkpoints", "checkpoint directory")
	flags.String("output", "projects.json", "JSON output file")
	flags.String("sqlite", "", "also write projects to this SQLite database")

	bind(flags.Lookup("location"), "discovery.location")
	bind(flags.Lookup("max-accounts"), "discovery.max_accounts")
	bind(flags.Lookup("start-account"), "collect.start_account")
	bind(flags.Lookup("accounts-out"), "discovery.accounts_out")
	bind(flags.Lookup("accounts-max-age"), "discovery.max_age")
	bind(flags.Lookup("batch-size"), "collect.batch_size")
	bind(flags.Lookup("workers"), "collect.workers")
	bind(flags.Lookup("concurrency"), "collect.concurrency")
	bind(flags.Lookup("max-retries"), "collect.max_retries")
	bind(flags.Lookup("checkpoint"), "checkpoint.dir")
	bind(flags.Lookup("output"), "output.json")
	bind(flags.Lookup("sqlite"), "output.sqlite")
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	serveMetrics(ctx, cfg.MetricsAddr)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	store, err := eng.store()
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		Broker:       eng.broker,
		Store:        store,
		Retry:        retry.New(cfg.Collect.MaxRetries, retry.BatchConfig()),
		ReapInterval: cfg.Collect.ReapInterval,
		IdleTimeout:  cfg.Collect.IdleTimeout,
	})
	if err != nil {
		return err
	}

	var run *coordinator.Run
	if resumeRun != "" {
		cp, err := loadCheckpoint(ctx, store, resumeRun)
		if err != nil {
			return err
		}
		if run, err = coord.Resume(ctx, cp); err != nil {
			return err
		}
	} else {
		accounts, err := resolveAccounts(ctx, cfg, eng)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return errors.New("no accounts to collect: use --accounts, --accounts-file or --location")
		}
		if run, err = coord.Start(ctx, accounts, cfg.Collect.BatchSize, cfg.Collect.MaxRetries); err != nil {
			return err
		}
	}

	// Workers outlive ctx so a stopped run can drain its in-flight batches.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- eng.workers("").Run(workerCtx) }()

	go func() {
		<-ctx.Done()
		coord.Stop()
		stopWorkers()
	}()

	res, err := coord.Wait(context.Background())
	stopWorkers()
	if werr := <-workersDone; werr != nil {
		log.Warn().Err(werr).Msg("Worker pool stopped with error")
	}

	if errors.Is(err, coordinator.ErrStopped) {
		log.Warn().
			Str("run_id", run.ID).
			Msg("Run interrupted; continue with --resume")
		return err
	}
	if err != nil {
		return err
	}

	if err := writeOutputs(ctx, cfg, res); err != nil {
		return err
	}
	return renderSummary(cmd.OutOrStdout(), res, 10)
}

// resolveAccounts returns the accounts given on the command line, read from
// --accounts-file, or found by a location search, in that order of
// precedence, cut to the --start-account / --max-accounts window.
func resolveAccounts(ctx context.Context, cfg *config.Config, eng *engine) ([]string, error) {
	start, limit := cfg.Collect.StartAccount, cfg.Discovery.MaxAccounts

	if len(accountsFlag) > 0 || accountsFile != "" {
		var files []string
		if accountsFile != "" {
			files = append(files, accountsFile)
		}
		accounts, err := readAccounts(accountsFlag, files...)
		if err != nil {
			return nil, err
		}
		return sliceAccounts(accounts, start, limit), nil
	}

	d := cfg.Discovery
	if d.Location == "" && len(d.Filters) == 0 {
		return nil, nil
	}
	filters := d.Filters
	if len(filters) == 0 {
		filters = discovery.DefaultFilters()
	}
	q := discovery.Query{Location: d.Location, Filters: filters}
	if limit > 0 {
		q.MaxAccounts = start + limit
	}

	disc := discovery.New(eng.client, eng.pool, retry.New(cfg.Collect.AccountRetries, retry.TransientConfig()))
	accounts, err := discoverAccounts(ctx, disc, q, d.AccountsOut, d.MaxAge)
	if err != nil {
		return nil, err
	}
	return sliceAccounts(accounts, start, limit), nil
}

// loadCheckpoint loads a checkpoint by run id, "latest", or file path.
func loadCheckpoint(ctx context.Context, store checkpoint.Store, ref string) (*checkpoint.Checkpoint, error) {
	if strings.HasSuffix(ref, ".json") {
		return checkpoint.ReadFile(ref)
	}
	if ref == "latest" {
		cp, err := store.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest checkpoint: %w", err)
		}
		return cp, nil
	}
	cp, err := store.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", ref, err)
	}
	return cp, nil
}

// writeOutputs writes the JSON artifact and, when configured, the SQLite
// database.
func writeOutputs(ctx context.Context, cfg *config.Config, res *coordinator.Result) error {
	var writers []output.Writer
	if cfg.Output.JSON != "" {
		writers = append(writers, output.NewJSONWriter(cfg.Output.JSON))
	}
	if cfg.Output.SQLite != "" {
		db, err := output.OpenSQLite(cfg.Output.SQLite)
		if err != nil {
			return err
		}
		defer db.Close()
		writers = append(writers, db)
	}

	for _, w := range writers {
		if err := w.Write(ctx, res); err != nil {
			return err
		}
	}
	log.Info().
		Str("json", cfg.Output.JSON).
		Str("sqlite", cfg.Output.SQLite).
		Int("projects", len(res.Projects)).
		Msg("Output written")
	return nil
}
