package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey", "credential"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke and regenerate the API keys checked by the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRegenerateCmd())

	return cmd
}

// ---------- key create ----------

type keyCreateOptions struct {
	owner   string
	label   string
	limit   int64
	scopes  []string
	expires string
}

func newKeyCreateCmd() *cobra.Command {
	var opts keyCreateOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for an owner. The raw key is shown once and cannot be retrieved again.",
		Example: `  keyward key create --owner ops@example.com --label "CI pipeline"
  keyward key create --owner ops@example.com --limit 500 --scope reports:read --expires 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("limit") {
				opts.limit = -1
			}
			return runKeyCreate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner email or ID (required)")
	cmd.Flags().StringVar(&opts.label, "label", "", "Human-readable label for the key")
	cmd.Flags().Int64Var(&opts.limit, "limit", 0, "Monthly unit quota (default from quota.default_monthly_limit)")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "Scope granted to the key (repeatable; none grants all)")
	cmd.Flags().StringVar(&opts.expires, "expires", "", "Expiry as a duration from now (720h) or an RFC 3339 time")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyCreate(ctx context.Context, out io.Writer, opts keyCreateOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	owner, err := resolveOwner(ctx, st, opts.owner)
	if err != nil {
		return err
	}

	req := service.IssueRequest{
		OwnerID: owner.ID,
		Label:   opts.label,
		Scopes:  opts.scopes,
	}
	if opts.limit >= 0 {
		req.MonthlyLimit = &opts.limit
	}
	if opts.expires != "" {
		at, err := parseExpiry(opts.expires, time.Now())
		if err != nil {
			return err
		}
		req.ExpiresAt = &at
	}

	creds := service.NewCredentialService(st, codec, cfg.Quota.DefaultMonthlyLimit)
	plaintext, c, err := creds.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Fprintln(out, "API key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:    %s\n", plaintext)
	fmt.Fprintf(out, "  ID:     %s\n", c.ID)
	fmt.Fprintf(out, "  Owner:  %s\n", owner.Email)
	fmt.Fprintf(out, "  Quota:  %d units/month\n", c.MonthlyLimit)
	if c.Label != "" {
		fmt.Fprintf(out, "  Label:  %s\n", c.Label)
	}
	if c.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires: %s\n", formatTime(c.ExpiresAt))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// parseExpiry accepts a positive duration relative to now or an absolute
// RFC 3339 timestamp.
func parseExpiry(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("expiry duration must be positive, got %s", s)
		}
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: want a duration like 720h or an RFC 3339 time", s)
	}
	return t, nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd.Context(), cmd.OutOrStdout(), owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Only list keys of this owner (email or ID)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(ctx context.Context, out io.Writer, ownerRef string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var keys []model.Credential
	if ownerRef != "" {
		owner, err := resolveOwner(ctx, st, ownerRef)
		if err != nil {
			return err
		}
		keys, err = st.ListCredentialsByOwner(ctx, owner.ID)
		if err != nil {
			return fmt.Errorf("list api keys: %w", err)
		}
	} else {
		keys, err = st.ListCredentials(ctx)
		if err != nil {
			return fmt.Errorf("list api keys: %w", err)
		}
	}

	if jsonOutput {
		if keys == nil {
			keys = []model.Credential{}
		}
		return printJSON(out, keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys found. Use 'keyward key create' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "%-36s %-14s %-20s %-17s %-8s %-8s\n", "ID", "PREFIX", "LABEL", "USAGE", "ACTIVE", "LEGACY")
	fmt.Fprintf(out, "%-36s %-14s %-20s %-17s %-8s %-8s\n", "--", "------", "-----", "-----", "------", "------")
	for _, k := range keys {
		usage := fmt.Sprintf("%d/%d", k.MonthlyUsage, k.MonthlyLimit)
		active := yesNo(k.IsActive)
		if k.IsActive && k.IsExpired(now) {
			active = "expired"
		}
		fmt.Fprintf(out, "%-36s %-14s %-20s %-17s %-8s %-8s\n",
			k.ID, k.DisplayPrefix, k.Label, usage, active, yesNo(k.IsLegacy()))
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Deactivate an API key permanently. Requests using it are rejected from then on.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runKeyRevoke(ctx context.Context, out io.Writer, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Deactivate(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no API key with ID %q", id)
		}
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Fprintf(out, "Revoked API key %s\n", id)
	return nil
}

// ---------- key regenerate ----------

func newKeyRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "regenerate <id>",
		Aliases: []string{"rotate"},
		Short:   "Replace the secret of an API key",
		Long:    "Issue a new secret for an existing key. The old secret stops working; quota and usage are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRegenerate(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runKeyRegenerate(ctx context.Context, out io.Writer, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := service.NewCredentialService(st, codec, cfg.Quota.DefaultMonthlyLimit)
	plaintext, c, err := creds.Regenerate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no API key with ID %q", id)
		}
		return fmt.Errorf("regenerate api key: %w", err)
	}

	fmt.Fprintln(out, "API key regenerated:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key: %s\n", plaintext)
	fmt.Fprintf(out, "  ID:  %s\n", c.ID)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}
