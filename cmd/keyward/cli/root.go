package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyward/keyward/internal/config"
)

var (
	cfgFile    string
	devMode    bool
	appVersion string // set by newRootCmd, reported by serve

	// v holds every setting. Commands read it through loadConfig.
	v *viper.Viper
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	v = viper.New()
	appVersion = version

	cmd := &cobra.Command{
		Use:   "keyward",
		Short: "API key admission, rate limiting and usage quotas",
		Long: `keyward issues API keys, verifies them on every request, throttles each key
over a sliding window and meters usage against a monthly quota.

Run 'keyward serve' to start the HTTP gateway, or use the key, owner and quota
commands to manage the credential store directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyward.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "data directory for the SQLite store (default: in-memory)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")
	v.BindPFlag("store.data_dir", cmd.PersistentFlags().Lookup("data-dir"))

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newOwnerCmd())
	cmd.AddCommand(newQuotaCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMCPCmd())

	return cmd
}

func initConfig() {
	config.Configure(v, cfgFile)
}
