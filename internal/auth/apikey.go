package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/vyrodovalexey/avsupgw/internal/keystore"
)

// Rejection reasons surfaced to callers. Revoked and expired keys are
// distinguished so operators can tell a rotated-away key from a dead
// one.
const (
	ReasonMissingHeader = "Missing or invalid Authorization header"
	ReasonKeyRevoked    = "API key has been revoked"
	ReasonKeyExpired    = "API key has expired (past grace period)"
)

// APIKeyStrategy authenticates bearer credentials against the local
// key store. An unknown credential falls through to the next strategy
// so the same bearer slot can carry an upstream token.
type APIKeyStrategy struct {
	store *keystore.Store
}

// NewAPIKeyStrategy returns a strategy backed by the given store.
func NewAPIKeyStrategy(store *keystore.Store) *APIKeyStrategy {
	return &APIKeyStrategy{store: store}
}

// Name implements Strategy.
func (s *APIKeyStrategy) Name() string { return string(MethodAPIKey) }

// Attempt implements Strategy.
func (s *APIKeyStrategy) Attempt(_ context.Context, r *http.Request) Outcome {
	secret, ok := bearerToken(r)
	if !ok {
		return rejected(ReasonMissingHeader)
	}

	record, err := s.store.Find(secret)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrKeyRevoked):
			return rejected(ReasonKeyRevoked)
		case errors.Is(err, keystore.ErrKeyExpired):
			return rejected(ReasonKeyExpired)
		default:
			return notHandled()
		}
	}
	return accepted(&Identity{Name: record.Name, Method: MethodAPIKey})
}
