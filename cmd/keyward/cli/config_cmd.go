package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/config"
)

const defaultConfigPath = "keyward.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyward configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default keyward.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd.OutOrStdout(), path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", defaultConfigPath, "File to write")

	return cmd
}

func runConfigInit(out io.Writer, path string, force bool) error {
	if err := config.WriteDefaultConfig(path, force); err != nil {
		if !force {
			return fmt.Errorf("%w (use --force to overwrite)", err)
		}
		return err
	}

	fmt.Fprintf(out, "Created %s\n", path)
	fmt.Fprintf(out, "Set auth.jwt_secret and both credentials secrets (or %s_AUTH_JWT_SECRET,\n", config.EnvPrefix)
	fmt.Fprintf(out, "%s_CREDENTIALS_SECRET_ROUND1 and %s_CREDENTIALS_SECRET_ROUND2), then run 'keyward serve'.\n",
		config.EnvPrefix, config.EnvPrefix)
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd.OutOrStdout(), reveal)
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secrets instead of masking them")

	return cmd
}

func runConfigShow(out io.Writer, reveal bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if configFile := v.ConfigFileUsed(); configFile != "" {
		fmt.Fprintf(out, "# Config file: %s\n", configFile)
	} else {
		fmt.Fprintln(out, "# Config file: (none found, using defaults)")
	}

	data, err := config.Render(cfg, !reveal)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
