package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check if the keyward server is ready",
		Long:  "Query the readiness endpoint of the server at the configured host and port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout())
		},
	}
}

func runStatus(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	readyAddr := fmt.Sprintf("http://%s:%d/readyz", host, cfg.Server.Port)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(readyAddr)
	if err != nil {
		return fmt.Errorf("server is not responding at %s: %w", readyAddr, err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
		Backend string            `json:"ratelimit_backend"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode readiness response: %w", err)
	}

	fmt.Fprintf(out, "Server at %s: %s (%d)\n", readyAddr, body.Status, resp.StatusCode)
	if c, ok := body.Checks["store"]; ok {
		fmt.Fprintf(out, "  Store:      %s\n", c)
	}
	if c, ok := body.Checks["ratelimit"]; ok {
		fmt.Fprintf(out, "  Rate limit: %s (%s)\n", c, body.Backend)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New("server is not ready")
	}
	return nil
}
