package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
)

func newOwnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owner accounts",
		Long:  "Create and list the accounts that own API keys and sign in to the management API.",
	}

	cmd.AddCommand(newOwnerCreateCmd())
	cmd.AddCommand(newOwnerListCmd())

	return cmd
}

// ---------- owner create ----------

func newOwnerCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new owner account",
		Example: `  keyward owner create --email ops@example.com --password secret123
  keyward owner create --email ops@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := promptPassword(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				password = pw
			}
			return runOwnerCreate(cmd.Context(), cmd.OutOrStdout(), email, password, name)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Owner email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Owner password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Owner display name")
	cmd.MarkFlagRequired("email")

	return cmd
}

func promptPassword(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no --password given and stdin is not a terminal")
	}

	fmt.Fprint(w, "Password: ")
	pwBytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(w)

	fmt.Fprint(w, "Confirm password: ")
	confirmBytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Fprintln(w)

	if string(pwBytes) != string(confirmBytes) {
		return "", errors.New("passwords do not match")
	}
	return string(pwBytes), nil
}

func runOwnerCreate(ctx context.Context, out io.Writer, email, password, name string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	hash, err := service.HashPassword(password)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	owner := &model.Owner{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		IsActive:     true,
	}
	if err := st.CreateOwner(ctx, owner); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("an owner with email %q already exists", owner.Email)
		}
		return fmt.Errorf("create owner: %w", err)
	}

	fmt.Fprintf(out, "Created owner %q (%s)\n", owner.Email, owner.ID)
	return nil
}

// ---------- owner list ----------

func newOwnerListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List owner accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOwnerList(cmd.Context(), cmd.OutOrStdout(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runOwnerList(ctx context.Context, out io.Writer, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	owners, err := st.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}

	if jsonOutput {
		if owners == nil {
			owners = []model.Owner{}
		}
		return printJSON(out, owners)
	}

	if len(owners) == 0 {
		fmt.Fprintln(out, "No owners configured. Use 'keyward owner create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-30s %-20s %-8s %-19s\n", "ID", "EMAIL", "NAME", "ACTIVE", "LAST LOGIN")
	fmt.Fprintf(out, "%-36s %-30s %-20s %-8s %-19s\n", "--", "-----", "----", "------", "----------")
	for _, o := range owners {
		fmt.Fprintf(out, "%-36s %-30s %-20s %-8s %-19s\n",
			o.ID, o.Email, o.Name, yesNo(o.IsActive), formatTime(o.LastLoginAt))
	}

	return nil
}
