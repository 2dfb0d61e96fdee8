package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/keyward/keyward/internal/gate"
	"github.com/keyward/keyward/internal/model"
)

func TestWhoami(t *testing.T) {
	c := &model.Credential{
		ID:            "cred-1",
		OwnerID:       "owner-1",
		Label:         "ci",
		DisplayPrefix: "kw_0123456789",
		MonthlyLimit:  10,
		MonthlyUsage:  3,
		IsActive:      true,
	}

	req := httptest.NewRequest("GET", "/api/v1/whoami", nil)
	ctx := gate.WithMeter(gate.WithCredential(req.Context(), c))
	rr := httptest.NewRecorder()
	Whoami(rr, req.WithContext(ctx))

	assertStatus(t, rr, http.StatusOK)
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["id"] != "cred-1" || resp["owner_id"] != "owner-1" {
		t.Errorf("resp = %v", resp)
	}
	if resp["legacy"] != false {
		t.Errorf("legacy = %v, want false", resp["legacy"])
	}
	if units, ok := gate.MeteredUnits(ctx); !ok || units != 1 {
		t.Errorf("metered units = %d, %v; want 1, true", units, ok)
	}
}

func TestWhoami_NoCredential(t *testing.T) {
	rr := httptest.NewRecorder()
	Whoami(rr, httptest.NewRequest("GET", "/api/v1/whoami", nil))
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestUpstreamProxy(t *testing.T) {
	var got http.Header
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.Header().Set("X-Units-Consumed", "3")
		json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL)
	proxy := http.StripPrefix("/gw", NewUpstreamProxy(target, slog.New(slog.NewTextHandler(io.Discard, nil))))

	req := httptest.NewRequest("GET", "/gw/search?q=x", nil)
	req.Header.Set(gate.HeaderAPIKey, "kw_secret")
	req.Header.Set(HeaderCredentialID, "spoofed")
	cred := &model.Credential{ID: "cred-1", OwnerID: "owner-1"}
	req = req.WithContext(gate.WithCredential(req.Context(), cred))

	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, req)

	assertStatus(t, rr, http.StatusOK)
	if gotPath != "/search" {
		t.Errorf("upstream path = %q, want /search", gotPath)
	}
	if got.Get(gate.HeaderAPIKey) != "" {
		t.Error("API key forwarded upstream")
	}
	if got.Get(HeaderCredentialID) != "cred-1" || got.Get(HeaderOwnerID) != "owner-1" {
		t.Errorf("identity headers = %q/%q", got.Get(HeaderCredentialID), got.Get(HeaderOwnerID))
	}
	if rr.Header().Get("X-Units-Consumed") != "3" {
		t.Error("upstream units header not passed back")
	}
}

func TestUpstreamProxy_Unavailable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL)
	upstream.Close()

	proxy := NewUpstreamProxy(target, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest("GET", "/anything", nil))

	assertStatus(t, rr, http.StatusBadGateway)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != http.StatusBadGateway {
		t.Errorf("code = %d", resp.Error.Code)
	}
}
