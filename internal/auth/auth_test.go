package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := HashPassword("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return NewManager(Config{
		JWTSecret:     "test-secret",
		JWTExpiration: 30,
		APIKeys:       []string{"device-key"},
		Users:         []User{{Username: "grower", PasswordHash: hash, Role: "operator"}},
	})
}

func TestAuthenticateUser(t *testing.T) {
	m := testManager(t)
	role, err := m.AuthenticateUser("grower", "s3cret")
	if err != nil || role != "operator" {
		t.Fatalf("AuthenticateUser = %q, %v", role, err)
	}
	if _, err := m.AuthenticateUser("grower", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := m.AuthenticateUser("nobody", "s3cret"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	m := testManager(t)
	token, exp, err := m.GenerateJWT("grower", "operator")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if time.Until(exp) <= 29*time.Minute {
		t.Fatalf("expiry %v too soon", exp)
	}
	claims, err := m.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if claims.Username != "grower" || claims.Role != "operator" {
		t.Fatalf("claims = %+v", claims)
	}

	other := NewManager(Config{JWTSecret: "other"})
	if _, err := other.ValidateJWT(token); err == nil {
		t.Fatalf("token accepted with the wrong secret")
	}
}

func TestExpiredJWTRejected(t *testing.T) {
	m := testManager(t)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := m.GenerateJWT("grower", "operator")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if _, err := m.ValidateJWT(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestJWTMiddlewareSetsUser(t *testing.T) {
	m := testManager(t)
	token, _, _ := m.GenerateJWT("grower", "operator")

	var seen string
	h := m.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Username(r.Context())
	}))

	cases := []struct {
		header string
		code   int
	}{
		{"", http.StatusUnauthorized},
		{"Token " + token, http.StatusUnauthorized},
		{"Bearer garbage", http.StatusUnauthorized},
		{"Bearer " + token, http.StatusOK},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.code {
			t.Errorf("header %q: code = %d, want %d", c.header, rec.Code, c.code)
		}
	}
	if seen != "grower" {
		t.Fatalf("username in context = %q", seen)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := testManager(t)
	h := m.APIKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	for key, want := range map[string]int{"": 401, "nope": 401, "device-key": 202} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("key %q: code = %d, want %d", key, rec.Code, want)
		}
	}
}
