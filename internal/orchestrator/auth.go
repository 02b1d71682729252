package orchestrator

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

const rejectedCacheSize = 1024

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken is returned for a token that does not match the hash.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks bearer tokens against a bcrypt hash. Once a token
// has passed bcrypt its digest is remembered, so later checks are a single
// constant-time compare. Rejected digests are kept in a bounded LRU so
// repeated bad tokens do not cost a bcrypt round each.
type TokenVerifier struct {
	hash []byte

	mu       sync.RWMutex
	accepted []byte

	rejected *lru.Cache[[sha256.Size]byte, struct{}]
}

// NewTokenVerifier creates a verifier for a bcrypt hash.
func NewTokenVerifier(hash string) *TokenVerifier {
	rejected, _ := lru.New[[sha256.Size]byte, struct{}](rejectedCacheSize)
	return &TokenVerifier{
		hash:     []byte(hash),
		rejected: rejected,
	}
}

// Verify reports whether token matches the hash.
func (v *TokenVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	v.mu.RLock()
	accepted := v.accepted
	v.mu.RUnlock()
	if accepted != nil {
		if subtle.ConstantTimeCompare(accepted, digest[:]) == 1 {
			return true
		}
	}
	if v.rejected.Contains(digest) {
		return false
	}

	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		v.rejected.Add(digest, struct{}{})
		return false
	}
	v.mu.Lock()
	v.accepted = digest[:]
	v.mu.Unlock()
	return true
}

// Authenticate extracts the bearer token from r and verifies it.
func (v *TokenVerifier) Authenticate(r *http.Request) error {
	token := BearerToken(r)
	if token == "" {
		return ErrMissingToken
	}
	if !v.Verify(token) {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get(protocol.HeaderAuthorization)
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
