// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"
)

// Config holds authentication configuration
type Config struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

var (
	ErrUnknownUser     = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

type ctxKey int

const (
	usernameKey ctxKey = iota
	roleKey
)

// Manager issues and checks operator tokens and device API keys.
type Manager struct {
	config Config
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

func NewManager(config Config) *Manager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 60
	}
	return &Manager{config: config, now: time.Now}
}

// GenerateJWT creates a signed token for a user
func (m *Manager) GenerateJWT(username, role string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(time.Duration(m.config.JWTExpiration) * time.Minute)
	claims := &Claims{
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expiresAt.Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    "harvestry-telemetry",
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateAPIKey checks a device key in constant time.
func (m *Manager) ValidateAPIKey(apiKey string) bool {
	for _, valid := range m.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// AuthenticateUser checks username and password and returns the user's role.
func (m *Manager) AuthenticateUser(username, password string) (string, error) {
	for _, u := range m.config.Users {
		if u.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return "", ErrInvalidPassword
		}
		return u.Role, nil
	}
	return "", ErrUnknownUser
}

// HashPassword creates a bcrypt hash for the users section of the config.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(b), err
}

// Username returns the authenticated operator set by JWTMiddleware.
func Username(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(usernameKey).(string)
	return u, ok && u != ""
}

func Role(ctx context.Context) string {
	r, _ := ctx.Value(roleKey).(string)
	return r
}

// WithUser returns ctx carrying an authenticated operator.
func WithUser(ctx context.Context, username, role string) context.Context {
	ctx = context.WithValue(ctx, usernameKey, username)
	return context.WithValue(ctx, roleKey, role)
}

// JWTMiddleware requires a bearer token and puts its user into the request context.
func (m *Manager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}
		claims, err := m.ValidateJWT(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.Username, claims.Role)))
	})
}

// APIKeyMiddleware guards device ingestion endpoints.
func (m *Manager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "API key required", http.StatusUnauthorized)
			return
		}
		if !m.ValidateAPIKey(apiKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
