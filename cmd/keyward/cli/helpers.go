package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/credential"
	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/store"
)

// loadConfig reads the effective configuration. Commands that touch keys
// or sessions check the secrets they need themselves.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured credential store. An in-memory SQLite
// store is useless to a one-shot command, so it is refused.
func openStore(cfg *config.Config) (*store.Store, error) {
	opts := cfg.StoreOptions()
	if (opts.Driver == "" || opts.Driver == store.DriverSQLite) && opts.DSN == "" && opts.DataDir == "" {
		return nil, errors.New("no persistent store configured: pass --data-dir or set store.dsn")
	}
	st, err := store.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newCodec(cfg *config.Config) (*credential.Codec, error) {
	if err := cfg.RequireSecrets(false, true); err != nil {
		return nil, err
	}
	return credential.NewCodec(cfg.Credentials.SecretRound1, cfg.Credentials.SecretRound2)
}

// resolveOwner accepts either an owner ID or an email address.
func resolveOwner(ctx context.Context, st *store.Store, ref string) (*model.Owner, error) {
	var (
		owner *model.Owner
		err   error
	)
	if strings.Contains(ref, "@") {
		owner, err = st.GetOwnerByEmail(ctx, ref)
	} else {
		owner, err = st.GetOwner(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("owner %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("look up owner: %w", err)
	}
	return owner, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
