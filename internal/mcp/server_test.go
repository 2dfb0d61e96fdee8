package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/store"
)

type testEnv struct {
	store *store.Store
	srv   *Server
	owner *model.Owner
}

func newTestEnv(t *testing.T, writes bool) *testEnv {
	t.Helper()
	st, err := store.Open(store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	owner := &model.Owner{Email: "ops@example.com", PasswordHash: "x", Name: "Ops", IsActive: true}
	if err := st.CreateOwner(context.Background(), owner); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(st, quota.New(st), logger, Options{Version: "test", AllowWrites: writes})
	return &testEnv{store: st, srv: srv, owner: owner}
}

func (e *testEnv) seedCredential(t *testing.T, label string, limit, usage int64) *model.Credential {
	t.Helper()
	fp := "fp-" + label
	c := &model.Credential{
		OwnerID:            e.owner.ID,
		Label:              label,
		DisplayPrefix:      "kw_0123456789",
		FingerprintPrimary: &fp,
		MonthlyLimit:       limit,
		MonthlyUsage:       usage,
		IsActive:           true,
		LastResetAt:        time.Now().UTC(),
	}
	if err := e.store.CreateCredential(context.Background(), c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	return c
}

// call invokes a registered tool the way the protocol layer would.
func (e *testEnv) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := e.srv.MCPServer().GetTool(name)
	if tool == nil {
		t.Fatalf("tool %q not registered", name)
	}
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
	res, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestReadOnlyToolSet(t *testing.T) {
	env := newTestEnv(t, false)
	tools := env.srv.MCPServer().ListTools()

	for _, name := range []string{
		"keyward_list_owners",
		"keyward_list_credentials",
		"keyward_get_credential",
		"keyward_quota_status",
		"keyward_usage_log",
	} {
		tool, ok := tools[name]
		if !ok {
			t.Errorf("missing tool %s", name)
			continue
		}
		if h := tool.Tool.Annotations.ReadOnlyHint; h == nil || !*h {
			t.Errorf("%s is not annotated read-only", name)
		}
	}
	for _, name := range []string{"keyward_revoke_credential", "keyward_reset_usage"} {
		if _, ok := tools[name]; ok {
			t.Errorf("%s registered without AllowWrites", name)
		}
	}
	for name := range tools {
		if strings.Contains(name, "create") || strings.Contains(name, "regenerate") {
			t.Errorf("tool %s would expose a plaintext key", name)
		}
	}
}

func TestWriteToolsRegistered(t *testing.T) {
	env := newTestEnv(t, true)
	for _, name := range []string{"keyward_revoke_credential", "keyward_reset_usage"} {
		tool := env.srv.MCPServer().GetTool(name)
		if tool == nil {
			t.Errorf("missing tool %s", name)
			continue
		}
		if h := tool.Tool.Annotations.DestructiveHint; h == nil || !*h {
			t.Errorf("%s is not annotated destructive", name)
		}
	}
}

func TestListOwners(t *testing.T) {
	env := newTestEnv(t, false)
	var out struct {
		Owners []map[string]any `json:"owners"`
		Count  int              `json:"count"`
	}
	res := env.call(t, "keyward_list_owners", nil)
	decodeResult(t, res, &out)
	if out.Count != 1 || out.Owners[0]["email"] != "ops@example.com" {
		t.Errorf("owners = %+v", out)
	}
	if strings.Contains(resultText(t, res), "password") {
		t.Error("owner listing leaked the password hash")
	}
}

func TestListCredentials(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCredential(t, "live", 100, 0)
	revoked := env.seedCredential(t, "old", 100, 0)
	if err := env.store.Deactivate(context.Background(), revoked.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"all", nil, 2},
		{"by email", map[string]any{"owner": "ops@example.com"}, 2},
		{"by id", map[string]any{"owner": env.owner.ID}, 2},
		{"active only", map[string]any{"active_only": true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Count int `json:"count"`
			}
			res := env.call(t, "keyward_list_credentials", tt.args)
			decodeResult(t, res, &out)
			if out.Count != tt.want {
				t.Errorf("count = %d, want %d", out.Count, tt.want)
			}
			if strings.Contains(resultText(t, res), "fp-") {
				t.Error("listing leaked a verification fingerprint")
			}
		})
	}

	res := env.call(t, "keyward_list_credentials", map[string]any{"owner": "nobody@example.com"})
	if !res.IsError {
		t.Error("expected error for unknown owner")
	}
}

func TestGetCredential(t *testing.T) {
	env := newTestEnv(t, false)
	c := env.seedCredential(t, "ci", 100, 7)

	var got model.Credential
	decodeResult(t, env.call(t, "keyward_get_credential", map[string]any{"id": c.ID}), &got)
	if got.ID != c.ID || got.Label != "ci" || got.MonthlyUsage != 7 {
		t.Errorf("credential = %+v", got)
	}

	if res := env.call(t, "keyward_get_credential", map[string]any{"id": "missing"}); !res.IsError {
		t.Error("expected error for missing credential")
	}
	if res := env.call(t, "keyward_get_credential", map[string]any{"id": ""}); !res.IsError {
		t.Error("expected error for empty id")
	}
}

func TestQuotaStatus(t *testing.T) {
	env := newTestEnv(t, false)
	c := env.seedCredential(t, "ci", 100, 100)

	var out struct {
		Usage     int64     `json:"usage"`
		Limit     int64     `json:"limit"`
		Remaining int64     `json:"remaining"`
		Exhausted bool      `json:"exhausted"`
		ResetsAt  time.Time `json:"resets_at"`
	}
	decodeResult(t, env.call(t, "keyward_quota_status", map[string]any{"id": c.ID}), &out)
	if out.Usage != 100 || out.Limit != 100 || out.Remaining != 0 || !out.Exhausted {
		t.Errorf("status = %+v", out)
	}
	if out.ResetsAt.Day() != 1 || !out.ResetsAt.After(time.Now()) {
		t.Errorf("resets_at = %v, want first of next month", out.ResetsAt)
	}
}

func TestQuotaStatusRollsOver(t *testing.T) {
	env := newTestEnv(t, false)
	fp := "fp-stale"
	c := &model.Credential{
		OwnerID:            env.owner.ID,
		DisplayPrefix:      "kw_0123456789",
		FingerprintPrimary: &fp,
		MonthlyLimit:       50,
		MonthlyUsage:       50,
		IsActive:           true,
		LastResetAt:        time.Now().UTC().AddDate(0, -2, 0),
	}
	if err := env.store.CreateCredential(context.Background(), c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	var out struct {
		Usage     int64 `json:"usage"`
		Exhausted bool  `json:"exhausted"`
	}
	decodeResult(t, env.call(t, "keyward_quota_status", map[string]any{"id": c.ID}), &out)
	if out.Usage != 0 || out.Exhausted {
		t.Errorf("stale counter not rolled over: %+v", out)
	}
}

func TestUsageLog(t *testing.T) {
	env := newTestEnv(t, false)
	c := env.seedCredential(t, "ci", 100, 0)
	ctx := context.Background()
	for i := range 3 {
		e := &model.UsageLogEntry{
			CredentialID: &c.ID,
			Endpoint:     "/api/v1/whoami",
			Method:       "GET",
			Outcome:      model.OutcomeAdmitted,
			StatusCode:   200,
			Units:        1,
			CreatedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := env.store.InsertUsageLog(ctx, e); err != nil {
			t.Fatalf("InsertUsageLog: %v", err)
		}
	}

	var out struct {
		Entries []model.UsageLogEntry `json:"entries"`
		Count   int                   `json:"count"`
	}
	decodeResult(t, env.call(t, "keyward_usage_log", map[string]any{"id": c.ID, "limit": 2}), &out)
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}
	if !out.Entries[0].CreatedAt.After(out.Entries[1].CreatedAt) {
		t.Error("entries are not newest first")
	}

	decodeResult(t, env.call(t, "keyward_usage_log", map[string]any{"id": c.ID, "limit": 0}), &out)
	if out.Count != 1 {
		t.Errorf("limit 0 clamps to 1, got %d entries", out.Count)
	}
}

func TestRevokeCredential(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.seedCredential(t, "ci", 100, 0)

	res := env.call(t, "keyward_revoke_credential", map[string]any{"id": c.ID})
	if res.IsError {
		t.Fatalf("revoke: %s", resultText(t, res))
	}
	got, err := env.store.GetCredential(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.IsActive {
		t.Error("credential still active after revoke")
	}

	if res := env.call(t, "keyward_revoke_credential", map[string]any{"id": "missing"}); !res.IsError {
		t.Error("expected error for missing credential")
	}
}

func TestResetUsage(t *testing.T) {
	env := newTestEnv(t, true)
	c := env.seedCredential(t, "ci", 100, 80)

	var got model.Credential
	decodeResult(t, env.call(t, "keyward_reset_usage", map[string]any{"id": c.ID}), &got)
	if got.MonthlyUsage != 0 {
		t.Errorf("monthly_usage = %d, want 0", got.MonthlyUsage)
	}

	if res := env.call(t, "keyward_reset_usage", map[string]any{"id": "missing"}); !res.IsError {
		t.Error("expected error for missing credential")
	}
}

func TestStatsResource(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedCredential(t, "live", 100, 0)
	env.seedCredential(t, "spent", 10, 10)
	revoked := env.seedCredential(t, "gone", 100, 0)
	if err := env.store.Deactivate(context.Background(), revoked.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	legacy := "legacy-fp"
	old := &model.Credential{
		OwnerID:           env.owner.ID,
		DisplayPrefix:     "kw_9876543210",
		FingerprintLegacy: &legacy,
		MonthlyLimit:      100,
		IsActive:          true,
		LastResetAt:       time.Now().UTC(),
	}
	if err := env.store.CreateCredential(context.Background(), old); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: statsURI}}
	contents, err := env.srv.handleStatsResource(context.Background(), req)
	if err != nil {
		t.Fatalf("read stats: %v", err)
	}
	text, ok := mcp.AsTextResourceContents(contents[0])
	if !ok {
		t.Fatalf("content is %T", contents[0])
	}
	if text.URI != statsURI || text.MIMEType != "application/json" {
		t.Errorf("uri=%q mime=%q", text.URI, text.MIMEType)
	}

	var stats Stats
	if err := json.Unmarshal([]byte(text.Text), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	want := Stats{Owners: 1, Credentials: 4, Active: 3, Revoked: 1, Legacy: 1, Exhausted: 1}
	stats.GeneratedAt = time.Time{}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, 1}, {0, 1}, {1, 1}, {250, 250}, {500, 500}, {10000, 500},
	}
	for _, tt := range tests {
		if got := clamp(tt.in, 1, maxUsageEntries); got != tt.want {
			t.Errorf("clamp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
