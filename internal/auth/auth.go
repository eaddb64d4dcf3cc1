// Package auth resolves caller identity for the HTTP entrypoint. Relay does
// not mint identities; it consumes static bearer tokens configured at startup
// and maps them to user IDs and scopes. Requests without a valid token run
// as "anon".
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/normanking/relay/pkg/types"
)

// Principal is the resolved caller identity.
type Principal struct {
	UserID string
	Scopes map[string]bool
}

// Anonymous is the identity attached to requests without a valid token.
func Anonymous() Principal {
	return Principal{UserID: types.AnonUser}
}

// Token grants a user ID and scopes to the bearer of a secret.
type Token struct {
	Secret string   `yaml:"secret" json:"secret"`
	UserID string   `yaml:"user_id" json:"user_id"`
	Scopes []string `yaml:"scopes" json:"scopes"`
}

// Service validates bearer tokens. Secrets are held as SHA-256 digests so a
// leaked process dump does not expose them directly.
type Service struct {
	byDigest map[string]Principal
}

// NewService builds a service from configured tokens.
func NewService(tokens []Token) *Service {
	s := &Service{byDigest: make(map[string]Principal, len(tokens))}
	for _, t := range tokens {
		if t.Secret == "" || t.UserID == "" {
			continue
		}
		scopes := make(map[string]bool, len(t.Scopes))
		for _, sc := range t.Scopes {
			scopes[sc] = true
		}
		s.byDigest[digest(t.Secret)] = Principal{UserID: t.UserID, Scopes: scopes}
	}
	return s
}

// Identify resolves the caller from the Authorization header. Missing or
// invalid credentials yield the anonymous principal; routes that require a
// real identity reject anon at the handler.
func (s *Service) Identify(r *http.Request) Principal {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Anonymous()
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return Anonymous()
	}

	d := digest(token)
	for stored, p := range s.byDigest {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(d)) == 1 {
			return p
		}
	}
	return Anonymous()
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
