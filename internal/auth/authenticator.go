package auth

import (
	"context"
	"net/http"

	"github.com/vyrodovalexey/avsupgw/internal/config"
	"github.com/vyrodovalexey/avsupgw/internal/keystore"
	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// Mode-specific rejection reasons when every strategy falls through.
const (
	reasonInvalidKey    = "Invalid API key"
	reasonInvalidToken  = "Invalid Home Assistant token"
	reasonInvalidEither = "Invalid API key or Home Assistant token"
)

// Result is the final authentication verdict for a request.
type Result struct {
	Authenticated bool
	Identity      *Identity
	Reason        string
}

// Authenticator runs the configured strategies in order.
type Authenticator struct {
	strategies    []Strategy
	failureReason string
	logger        observability.Logger
}

// Option configures the Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// New builds an authenticator for the configured mode. The ingress
// strategy is prepended only when the deployment trusts the ingress
// marker header.
func New(cfg *config.Config, store *keystore.Store, validator TokenValidator, opts ...Option) *Authenticator {
	a := &Authenticator{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.TrustIngress() {
		a.strategies = append(a.strategies, NewIngressStrategy())
	}

	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		a.strategies = append(a.strategies, NewAPIKeyStrategy(store))
		a.failureReason = reasonInvalidKey
	case config.AuthModeUpstreamToken:
		a.strategies = append(a.strategies, NewUpstreamTokenStrategy(validator))
		a.failureReason = reasonInvalidToken
	default:
		a.strategies = append(a.strategies,
			NewAPIKeyStrategy(store),
			NewUpstreamTokenStrategy(validator),
		)
		a.failureReason = reasonInvalidEither
	}

	return a
}

// Authenticate resolves the caller identity, stopping at the first
// strategy that handles the request.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, strategy := range a.strategies {
		outcome := strategy.Attempt(ctx, r)
		if !outcome.Handled {
			continue
		}
		if !outcome.Authenticated {
			a.logger.Debug("authentication rejected",
				observability.String("strategy", strategy.Name()),
				observability.String("reason", outcome.Reason))
			return Result{Reason: outcome.Reason}
		}
		return Result{Authenticated: true, Identity: outcome.Identity}
	}
	return Result{Reason: a.failureReason}
}
