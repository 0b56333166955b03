package auth

import (
	"context"
	"net/http"
)

// upstreamIdentityName labels callers authenticated by token
// introspection against the Home Assistant core API.
const upstreamIdentityName = "Home Assistant Token"

// TokenValidator checks a bearer token against the upstream API.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) bool
}

// UpstreamTokenStrategy authenticates bearer tokens by introspecting
// them against the upstream. A token the upstream rejects falls
// through so the authenticator can report a mode-appropriate failure.
type UpstreamTokenStrategy struct {
	validator TokenValidator
}

// NewUpstreamTokenStrategy returns a strategy backed by the validator.
func NewUpstreamTokenStrategy(validator TokenValidator) *UpstreamTokenStrategy {
	return &UpstreamTokenStrategy{validator: validator}
}

// Name implements Strategy.
func (s *UpstreamTokenStrategy) Name() string { return string(MethodUpstreamToken) }

// Attempt implements Strategy.
func (s *UpstreamTokenStrategy) Attempt(ctx context.Context, r *http.Request) Outcome {
	token, ok := bearerToken(r)
	if !ok {
		return rejected(ReasonMissingHeader)
	}
	if !s.validator.ValidateToken(ctx, token) {
		return notHandled()
	}
	return accepted(&Identity{Name: upstreamIdentityName, Method: MethodUpstreamToken})
}
