package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?limit=0", "limit", 10, 0},
		{"parses negative", "/test?limit=-5", "limit", 0, -5},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// clampInt tests
// ---------------------------------------------------------------------------

func TestClampInt(t *testing.T) {
	tests := []struct {
		name string
		val  int
		min  int
		max  int
		want int
	}{
		{"within range", 50, 0, 100, 50},
		{"at min", 0, 0, 100, 0},
		{"at max", 100, 0, 100, 100},
		{"below min clamps to min", -5, 0, 100, 0},
		{"above max clamps to max", 500, 0, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampInt(tt.val, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// readJSON tests
// ---------------------------------------------------------------------------

func TestReadJSON(t *testing.T) {
	t.Run("decodes known fields", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@b.c","password":"x"}`))
		var req loginRequest
		if err := readJSON(r, &req); err != nil {
			t.Fatalf("readJSON: %v", err)
		}
		if req.Email != "a@b.c" {
			t.Errorf("email = %q", req.Email)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"email":"a@b.c","role":"admin"}`))
		var req loginRequest
		if err := readJSON(r, &req); err == nil {
			t.Error("expected error for unknown field")
		}
	})
}

// ---------------------------------------------------------------------------
// writeError tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	t.Run("writes JSON error response", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusBadRequest, "Invalid input")

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"code":400`) {
			t.Errorf("expected code 400 in body: %s", body)
		}
		if !strings.Contains(body, `"reason":"invalid_request"`) {
			t.Errorf("expected reason in body: %s", body)
		}
		if !strings.Contains(body, `"message":"Invalid input"`) {
			t.Errorf("expected message in body: %s", body)
		}
	})

	t.Run("includes context", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusNotFound, "gone", map[string]any{"id": "abc"})
		if !strings.Contains(w.Body.String(), `"context":{"id":"abc"}`) {
			t.Errorf("expected context in body: %s", w.Body.String())
		}
	})
}

// ---------------------------------------------------------------------------
// writeJSON tests
// ---------------------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	t.Run("writes JSON with correct content type", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"hello":"world"`) {
			t.Errorf("expected JSON body, got: %s", body)
		}
	})
}
