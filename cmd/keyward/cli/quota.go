package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/store"
)

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and reset monthly quotas",
	}

	cmd.AddCommand(newQuotaResetCmd())
	cmd.AddCommand(newQuotaShowCmd())

	return cmd
}

// ---------- quota reset ----------

func newQuotaResetCmd() *cobra.Command {
	var (
		owner        string
		credentialID string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset monthly usage counters",
		Long: `Reset monthly usage counters.

With --credential the counter of that key is zeroed immediately. Otherwise only
counters left over from a previous month are rolled over, for one owner with
--owner or for every key. The rollover is safe to run from a scheduler at the
start of each month.`,
		Example: `  keyward quota reset
  keyward quota reset --owner ops@example.com
  keyward quota reset --credential 0192f4c1-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaReset(cmd.Context(), cmd.OutOrStdout(), owner, credentialID)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Roll over the keys of this owner (email or ID)")
	cmd.Flags().StringVar(&credentialID, "credential", "", "Zero the usage of this key now")
	cmd.MarkFlagsMutuallyExclusive("owner", "credential")

	return cmd
}

func runQuotaReset(ctx context.Context, out io.Writer, ownerRef, credentialID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	acct := quota.New(st)

	switch {
	case credentialID != "":
		if err := acct.Reset(ctx, credentialID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no API key with ID %q", credentialID)
			}
			return err
		}
		fmt.Fprintf(out, "Reset usage of API key %s\n", credentialID)

	case ownerRef != "":
		owner, err := resolveOwner(ctx, st, ownerRef)
		if err != nil {
			return err
		}
		n, err := acct.EnsureFreshForOwner(ctx, owner.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Rolled over %d API key(s) of %s\n", n, owner.Email)

	default:
		n, err := acct.ResetAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Rolled over %d API key(s)\n", n)
	}
	return nil
}

// ---------- quota show ----------

func newQuotaShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <credential-id>",
		Short: "Show the remaining quota of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuotaShow(cmd.Context(), cmd.OutOrStdout(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runQuotaShow(ctx context.Context, out io.Writer, id string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := st.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no API key with ID %q", id)
		}
		return fmt.Errorf("get api key: %w", err)
	}

	acct := quota.New(st)
	if _, err := acct.EnsureFresh(ctx, c); err != nil {
		return err
	}
	status := acct.CheckRemaining(c, 0)

	if jsonOutput {
		return printJSON(out, status)
	}

	fmt.Fprintf(out, "API key %s (%s)\n", c.ID, c.DisplayPrefix)
	fmt.Fprintf(out, "  Used:      %d\n", status.Usage)
	fmt.Fprintf(out, "  Limit:     %d\n", status.Limit)
	fmt.Fprintf(out, "  Remaining: %d\n", status.Remaining)
	next := quota.PeriodStart(time.Now()).AddDate(0, 1, 0)
	fmt.Fprintf(out, "  Resets:    %s\n", next.Format(time.DateTime+" MST"))
	return nil
}
