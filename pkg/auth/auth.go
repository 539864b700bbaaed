package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken indicates that the Authorization header was not provided.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidPrefix indicates the header did not use the required Bearer prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrUnknownToken indicates the token does not resolve to an identity.
	ErrUnknownToken = errors.New("unknown token")
)

// Identity is the caller a bearer token resolves to.
type Identity struct {
	UserID string
	Email  string
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ExtractBearer parses the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}

// HashToken returns a SHA-256 hash of the token.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(hash[:])
}

// StaticVerifier resolves tokens from a fixed table. Only token hashes are kept in memory.
type StaticVerifier struct {
	identities map[string]Identity
}

// NewStaticVerifier builds a verifier from plaintext token -> identity pairs.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	identities := make(map[string]Identity, len(tokens))
	for token, id := range tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(id.UserID) == "" {
			continue
		}
		identities[HashToken(token)] = id
	}
	return &StaticVerifier{identities: identities}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrMissingToken
	}
	id, ok := v.identities[HashToken(token)]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return id, nil
}

// RequireToken ensures the request carries the shared secret as a bearer token.
// An empty secret disables the check.
func RequireToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearer(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				http.Error(w, "invalid authorization token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
