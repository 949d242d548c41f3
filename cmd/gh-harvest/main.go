package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/gh-harvest/pkg/config"
	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/Sternrassler/gh-harvest/pkg/metrics"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "gh-harvest",
	Short: "Distributed, resumable GitHub account and repository collector",
	Long: `gh-harvest collects public repository metadata for a set of GitHub accounts.

Accounts are planned into batches and executed by workers that share a pool
of GitHub tokens. Progress is checkpointed after every batch so an
interrupted run can be resumed. With Redis configured, additional workers can
join from other machines with "gh-harvest worker".`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./gh-harvest.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable console logs")
	flags.String("redis", "", "Redis address shared by coordinator and workers")
	flags.String("metrics-addr", "", "serve /metrics and /health on this address")

	bind(flags.Lookup("log-level"), "log.level")
	bind(flags.Lookup("log-pretty"), "log.pretty")
	bind(flags.Lookup("redis"), "redis.addr")
	bind(flags.Lookup("metrics-addr"), "metrics_addr")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(summaryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and tokens and sets up logging with the
// given static fields. validate rejects incomplete configurations,
// including missing tokens.
func loadConfig(validate bool, fields map[string]string) (*config.Config, error) {
	// .env may carry GH_HARVEST_* overrides as well as tokens.
	_ = godotenv.Load()

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		Fields: fields,
	})
	return cfg, nil
}

// serveMetrics serves /metrics and /health until ctx is done. It is a
// no-op when addr is empty.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
