package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Built     string `json:"built"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var (
		jsonOutput bool
		short      bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info := versionInfo{
				Version:   version,
				Commit:    commit,
				Built:     date,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}

			switch {
			case jsonOutput:
				return printJSON(out, info)
			case short:
				fmt.Fprintln(out, info.Version)
				return nil
			}

			fmt.Fprintf(out, "keyward %s\n", info.Version)
			fmt.Fprintf(out, "  commit:  %s\n", info.Commit)
			fmt.Fprintf(out, "  built:   %s\n", info.Built)
			fmt.Fprintf(out, "  go:      %s\n", info.GoVersion)
			fmt.Fprintf(out, "  os/arch: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")

	return cmd
}
