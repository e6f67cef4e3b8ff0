package devserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AuthService verifies bearer tokens against a bcrypt hash.
type AuthService struct {
	hash []byte

	// SHA-256 of the last token that passed bcrypt.
	mu       sync.Mutex
	accepted [sha256.Size]byte
	ok       bool
}

// NewAuthService creates a new auth service.
func NewAuthService(tokenHash string) *AuthService {
	return &AuthService{hash: []byte(tokenHash)}
}

// ValidateToken checks the token against the configured hash.
func (a *AuthService) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ok && subtle.ConstantTimeCompare(a.accepted[:], digest[:]) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.accepted = digest
	a.ok = true
	return true
}

// TokenFromRequest extracts the bearer token from the Authorization header.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// HashToken returns a bcrypt hash suitable for LEGALAI_DEV_TOKEN_HASH.
func HashToken(token string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
