package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keyward/keyward/internal/credential"
	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/service"
	"github.com/keyward/keyward/internal/store"
)

const (
	testJWTSecret = "test-secret-for-handler-tests"
	testPassword  = "supersecretpassword"
	testSecret1   = "round-one-secret-for-handler-tests"
	testSecret2   = "round-two-secret-for-handler-tests"

	// headerTestOwner stands in for the session middleware in these tests.
	headerTestOwner = "X-Test-Owner"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store   *store.Store
	authSvc *service.AuthService
	creds   *service.CredentialService
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// Chi router with routes mounted. The owner principal is taken from the
// X-Test-Owner header instead of a session token.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(store.Options{}) // in-memory SQLite
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec, err := credential.NewCodec(testSecret1, testSecret2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(st, testJWTSecret, 0)
	creds := service.NewCredentialService(st, codec, 1000)
	sessions := NewSessionHandler(authSvc, logger)
	credHandler := NewCredentialHandler(st, creds, quota.New(st), logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/session", sessions.Login)
		r.Delete("/session", sessions.Logout)

		r.Group(func(r chi.Router) {
			r.Use(fakeOwner)
			r.Get("/credentials", credHandler.List)
			r.Post("/credentials", credHandler.Create)
			r.Get("/credentials/{id}", credHandler.Get)
			r.Patch("/credentials/{id}", credHandler.Update)
			r.Delete("/credentials/{id}", credHandler.Revoke)
			r.Post("/credentials/{id}/regenerate", credHandler.Regenerate)
			r.Post("/credentials/{id}/reset", credHandler.ResetUsage)
			r.Get("/credentials/{id}/usage", credHandler.Usage)
		})
	})

	return &testEnv{
		store:   st,
		authSvc: authSvc,
		creds:   creds,
		router:  r,
	}
}

func fakeOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &service.OwnerPrincipal{OwnerID: r.Header.Get(headerTestOwner)}
		next.ServeHTTP(w, r.WithContext(service.WithOwner(r.Context(), p)))
	})
}

// seedOwner creates an owner account with testPassword and returns it.
func (e *testEnv) seedOwner(t *testing.T, email string) *model.Owner {
	t.Helper()
	hash, err := service.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	owner := &model.Owner{
		Email:        email,
		PasswordHash: hash,
		Name:         "Test Owner",
		IsActive:     true,
	}
	if err := e.store.CreateOwner(context.Background(), owner); err != nil {
		t.Fatalf("seedOwner: %v", err)
	}
	return owner
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "", method, path, body)
}

// doAs executes a request on behalf of ownerID.
func (e *testEnv) doAs(t *testing.T, ownerID, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ownerID != "" {
		req.Header.Set(headerTestOwner, ownerID)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
