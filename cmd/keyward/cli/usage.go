package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/usage"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and maintain the usage log",
	}

	cmd.AddCommand(newUsageListCmd())
	cmd.AddCommand(newUsagePruneCmd())

	return cmd
}

// ---------- usage list ----------

func newUsageListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list <credential-id>",
		Aliases: []string{"ls"},
		Short:   "Show recent gated requests of an API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageList(cmd.Context(), cmd.OutOrStdout(), args[0], limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUsageList(ctx context.Context, out io.Writer, id string, limit int, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListUsageLog(ctx, id, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(out, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No usage recorded for this key.")
		return nil
	}

	fmt.Fprintf(out, "%-19s %-7s %-32s %-20s %-6s %-6s %-9s\n", "TIME", "METHOD", "ENDPOINT", "OUTCOME", "STATUS", "UNITS", "LATENCY")
	for _, e := range entries {
		fmt.Fprintf(out, "%-19s %-7s %-32s %-20s %-6d %-6d %.1fms\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Method, e.Endpoint, e.Outcome, e.StatusCode, e.Units, e.LatencyMs)
	}
	return nil
}

// ---------- usage prune ----------

func newUsagePruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old usage log entries",
		Long:  "Delete usage log entries older than --older-than, or older than usage.retention when the flag is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsagePrune(cmd.Context(), cmd.OutOrStdout(), olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention period, e.g. 720h")

	return cmd
}

func runUsagePrune(ctx context.Context, out io.Writer, olderThan time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if olderThan <= 0 {
		olderThan = cfg.Usage.Retention
	}
	if olderThan <= 0 {
		return errors.New("no retention period: pass --older-than or set usage.retention")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := config.NewLogger(cfg.Log, os.Stderr, devMode)
	n, err := usage.NewPruner(st, olderThan, 0, logger).Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune usage log: %w", err)
	}

	fmt.Fprintf(out, "Deleted %d usage log entries older than %s\n", n, olderThan)
	return nil
}
