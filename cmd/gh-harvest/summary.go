package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/gh-harvest/pkg/coordinator"
)

var (
	summaryRef string
	summaryTop int
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the progress of a checkpointed run",
	Long: `Summary prints the counters and top projects of a run from its checkpoint.
--checkpoint takes a checkpoint file, a run id or "latest".`,
	Args: cobra.NoArgs,
	RunE: runSummary,
}

func init() {
	summaryCmd.Flags().StringVar(&summaryRef, "checkpoint", "latest", `checkpoint file, run id or "latest"`)
	summaryCmd.Flags().IntVar(&summaryTop, "top", 10, "projects to list")
	summaryCmd.Flags().String("dir", "checkpoints", "checkpoint directory")
	bind(summaryCmd.Flags().Lookup("dir"), "checkpoint.dir")
}

func runSummary(cmd *cobra.Command, args []string) error {
	// Reading a checkpoint needs no tokens.
	cfg, err := loadConfig(false, nil)
	if err != nil {
		return err
	}

	eng := &engine{cfg: cfg}
	if cfg.Checkpoint.Backend == "redis" && cfg.Redis.Addr != "" {
		if eng.redis, err = connectRedis(cmd.Context(), cfg.Redis); err != nil {
			return err
		}
		defer eng.Close()
	}
	store, err := eng.store()
	if err != nil {
		return err
	}

	cp, err := loadCheckpoint(cmd.Context(), store, summaryRef)
	if err != nil {
		return err
	}
	return renderSummary(cmd.OutOrStdout(), coordinator.ResultFromCheckpoint(cp, cp.SavedAt), summaryTop)
}

// renderSummary writes the counters of res and its top projects as tables.
func renderSummary(out io.Writer, res *coordinator.Result, top int) error {
	if out == nil {
		out = os.Stdout
	}
	s := res.Summary

	fmt.Fprintf(out, "Run %s\n", res.RunID)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Batches", fmt.Sprintf("%d/%d done", s.BatchesSucceeded+s.BatchesFailed, s.BatchesTotal)})
	table.Append([]string{"Batches Failed", strconv.Itoa(s.BatchesFailed)})
	table.Append([]string{"Batches Pending", strconv.Itoa(s.BatchesPending)})
	table.Append([]string{"Accounts Processed", strconv.Itoa(s.AccountsProcessed)})
	table.Append([]string{"Accounts Succeeded", strconv.Itoa(s.AccountsSucceeded)})
	table.Append([]string{"Accounts Ineligible", strconv.Itoa(s.AccountsIneligible)})
	table.Append([]string{"Accounts Failed", strconv.Itoa(s.AccountsFailed)})
	table.Append([]string{"Projects", strconv.Itoa(len(res.Projects))})
	table.Append([]string{"Total Stars", strconv.Itoa(res.TotalStars())})
	table.Append([]string{"Duration", s.Duration.Round(time.Second).String()})
	table.Render()

	if len(s.FailedBatches) > 0 {
		fmt.Fprintln(out, "\nFailed batches")
		ft := tablewriter.NewWriter(out)
		ft.SetHeader([]string{"Batch", "Attempts", "Reason", "Accounts"})
		for _, fb := range s.FailedBatches {
			ft.Append([]string{fb.ID, strconv.Itoa(fb.Attempts), fb.Reason, strings.Join(fb.Logins, ",")})
		}
		ft.Render()
	}

	if top > 0 && len(res.Projects) > 0 {
		fmt.Fprintln(out, "\nTop projects")
		pt := tablewriter.NewWriter(out)
		pt.SetHeader([]string{"Project", "Stars", "Language"})
		for i, p := range res.Projects {
			if i == top {
				break
			}
			pt.Append([]string{p.Owner + "/" + p.Name, strconv.Itoa(p.Stars), p.Language})
		}
		pt.Render()
	}
	return nil
}
