package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestOwnerJSONHidesPasswordHash(t *testing.T) {
	o := Owner{
		ID:           "o-1",
		Email:        "owner@example.com",
		PasswordHash: "$2a$10$secrethash",
		Name:         "Owner",
		IsActive:     true,
	}
	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "secrethash") || strings.Contains(s, "password") {
		t.Errorf("password hash leaked: %s", s)
	}
	if strings.Contains(s, "last_login_at") {
		t.Error("nil last_login_at should be omitted")
	}
}

func TestCredentialJSONHidesVerificationFingerprints(t *testing.T) {
	primary, public, sealed, legacy := "primary-fp", "public-fp", "sealed-fp", "legacy-fp"
	c := Credential{
		ID:                 "c-1",
		DisplayPrefix:      "kw_0123456789",
		FingerprintPrimary: &primary,
		FingerprintPublic:  &public,
		FingerprintSealed:  &sealed,
		FingerprintLegacy:  &legacy,
		MonthlyLimit:       100,
		IsActive:           true,
	}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	s := string(b)
	for _, secret := range []string{primary, sealed, legacy} {
		if strings.Contains(s, secret) {
			t.Errorf("%s leaked: %s", secret, s)
		}
	}
	if !strings.Contains(s, `"fingerprint":"public-fp"`) {
		t.Errorf("public fingerprint missing: %s", s)
	}
	if strings.Contains(s, "expires_at") {
		t.Error("nil expires_at should be omitted")
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		scope  string
		want   bool
	}{
		{"unrestricted credential", nil, "billing", true},
		{"no scope required", []string{"read"}, "", true},
		{"granted", []string{"read", "write"}, "write", true},
		{"not granted", []string{"read"}, "write", false},
		{"wildcard", []string{"*"}, "admin", true},
		{"case sensitive", []string{"Read"}, "read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{Scopes: tt.scopes}
			if got := c.HasScope(tt.scope); got != tt.want {
				t.Errorf("HasScope(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry", nil, false},
		{"past", &past, true},
		{"exactly now", &now, true},
		{"future", &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expiresAt}
			if got := c.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsLegacy(t *testing.T) {
	fp := "x"
	tests := []struct {
		name            string
		primary, legacy *string
		want            bool
	}{
		{"two-round", &fp, nil, false},
		{"single-round", nil, &fp, true},
		{"migrated row keeps legacy", &fp, &fp, false},
		{"no fingerprints", nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{FingerprintPrimary: tt.primary, FingerprintLegacy: tt.legacy}
			if got := c.IsLegacy(); got != tt.want {
				t.Errorf("IsLegacy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemainingUnits(t *testing.T) {
	tests := []struct {
		limit, usage, want int64
	}{
		{100, 0, 100},
		{100, 40, 60},
		{100, 100, 0},
		{100, 150, 0},
		{0, 0, 0},
	}
	for _, tt := range tests {
		c := &Credential{MonthlyLimit: tt.limit, MonthlyUsage: tt.usage}
		if got := c.RemainingUnits(); got != tt.want {
			t.Errorf("RemainingUnits(limit=%d, usage=%d) = %d, want %d", tt.limit, tt.usage, got, tt.want)
		}
	}
}

func TestListResponseJSON(t *testing.T) {
	lr := ListResponse{
		Resource: []map[string]any{{"id": 1}, {"id": 2}},
		Meta:     &ResponseMeta{Count: 2},
	}
	b, err := json.Marshal(lr)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := decoded["resource"]; !ok {
		t.Error("expected 'resource' key in JSON")
	}
	meta, ok := decoded["meta"].(map[string]any)
	if !ok || meta["count"] != float64(2) {
		t.Errorf("meta = %v, want count 2", decoded["meta"])
	}

	b, _ = json.Marshal(ListResponse{Resource: []string{}})
	if strings.Contains(string(b), "meta") {
		t.Errorf("nil meta should be omitted: %s", b)
	}
}

func TestErrorResponseJSON(t *testing.T) {
	er := ErrorResponse{
		Error: ErrorDetail{
			Code:    429,
			Reason:  "rate_limited",
			Message: "Too many requests",
			Context: map[string]any{"retry_after": 3},
		},
	}
	b, err := json.Marshal(er)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded struct {
		Error struct {
			Code    int            `json:"code"`
			Reason  string         `json:"reason"`
			Message string         `json:"message"`
			Context map[string]any `json:"context"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Error.Code != 429 || decoded.Error.Reason != "rate_limited" {
		t.Errorf("error = %+v", decoded.Error)
	}
	if decoded.Error.Context["retry_after"] != float64(3) {
		t.Errorf("context = %v", decoded.Error.Context)
	}

	b, _ = json.Marshal(ErrorResponse{Error: ErrorDetail{Code: 500, Message: "boom"}})
	if strings.Contains(string(b), "context") || strings.Contains(string(b), "reason") {
		t.Errorf("empty optional fields should be omitted: %s", b)
	}
}
