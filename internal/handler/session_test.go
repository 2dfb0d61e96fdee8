package handler

import (
	"net/http"
	"testing"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/service"
)

func TestLogin_ValidCredentials(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedOwner(t, "owner@example.com")

	body := toJSON(t, map[string]string{
		"email":    "Owner@Example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/session", body)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token     string `json:"session_token"`
		TokenType string `json:"token_type"`
		ExpiresIn int    `json:"expires_in"`
		OwnerID   string `json:"owner_id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
	}
	decodeJSON(t, rr, &resp)

	if resp.TokenType != "bearer" {
		t.Errorf("token_type = %q, want %q", resp.TokenType, "bearer")
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", resp.ExpiresIn)
	}
	if resp.OwnerID != owner.ID {
		t.Errorf("owner_id = %q, want %q", resp.OwnerID, owner.ID)
	}
	if resp.Name != "Test Owner" {
		t.Errorf("name = %q, want %q", resp.Name, "Test Owner")
	}

	p, err := env.authSvc.ValidateJWT(resp.Token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if p.OwnerID != owner.ID {
		t.Errorf("token subject = %q, want %q", p.OwnerID, owner.ID)
	}
}

func TestLogin_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedOwner(t, "owner@example.com")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong password", map[string]string{"email": "owner@example.com", "password": "wrongpassword"}, http.StatusUnauthorized},
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": testPassword}, http.StatusUnauthorized},
		{"missing password", map[string]string{"email": "owner@example.com"}, http.StatusBadRequest},
		{"missing email", map[string]string{"password": testPassword}, http.StatusBadRequest},
		{"both empty", map[string]string{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/session", toJSON(t, tt.body))
			assertStatus(t, rr, tt.want)
		})
	}
}

func TestLogin_InactiveAccount(t *testing.T) {
	env := newTestEnv(t)

	hash, _ := service.HashPassword(testPassword)
	owner := &model.Owner{
		Email:        "inactive@example.com",
		PasswordHash: hash,
		Name:         "Inactive",
		IsActive:     false,
	}
	if err := env.store.CreateOwner(t.Context(), owner); err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}

	body := toJSON(t, map[string]string{
		"email":    "inactive@example.com",
		"password": testPassword,
	})
	rr := env.do(t, "POST", "/api/v1/session", body)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestLogin_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/session", toJSON(t, "not an object"))
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "DELETE", "/api/v1/session", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["success"] != true {
		t.Errorf("success = %v, want true", resp["success"])
	}
}
