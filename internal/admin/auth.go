package admin

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds supervisor authentication settings.
type AuthConfig struct {
	JWTSecret string
	JWTExpiry time.Duration
	Users     []User
}

// User is one supervisor account.
type User struct {
	Username     string
	PasswordHash string
}

// Claims are the JWT claims issued to supervisors.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth authenticates supervisors against bcrypt password hashes and
// issues JWTs for the event channel.
type Auth struct {
	cfg    AuthConfig
	users  map[string]User
	logger *slog.Logger
}

// NewAuth creates the supervisor authenticator.
func NewAuth(cfg AuthConfig, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}

	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}

	return &Auth{cfg: cfg, users: users, logger: logger}
}

// Authenticate verifies credentials and returns a signed token with its
// expiry.
func (a *Auth) Authenticate(username, password string) (string, time.Time, error) {
	user, ok := a.users[username]
	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown user %q", username)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("Supervisor authentication failed", "username", username)
		return "", time.Time{}, fmt.Errorf("invalid credentials")
	}

	expiry := time.Now().Add(a.cfg.JWTExpiry)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiry, nil
}

// ValidateToken parses and verifies a supervisor token.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// HashPassword produces a bcrypt hash for configuration files.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
