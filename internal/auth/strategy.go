// Package auth resolves caller identity from an inbound request by
// trying authentication strategies in strict order and stopping at the
// first applicable one. The iteration order is the contract: trusted
// ingress first, then the local key store, then upstream token
// introspection.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Header names carrying caller credentials.
const (
	HeaderAuthorization = "Authorization"
	HeaderIngressPath   = "X-Ingress-Path"

	bearerPrefix = "Bearer "
)

// Method identifies which strategy authenticated the caller.
type Method string

// Authentication methods.
const (
	MethodIngress       Method = "ingress"
	MethodAPIKey        Method = "api_key"
	MethodUpstreamToken Method = "upstream_token"
)

// Identity is the resolved caller reference used for rate-limit keying
// and auditing.
type Identity struct {
	// Name is the credential name or a synthetic label for callers
	// without a local record.
	Name string

	// Method is the strategy that authenticated the caller.
	Method Method
}

// Outcome is the result of one strategy attempt. A strategy that does
// not apply to the request reports Handled false so the next strategy
// runs; once a strategy handles the request its verdict is final.
type Outcome struct {
	Handled       bool
	Authenticated bool
	Identity      *Identity
	Reason        string
}

// Strategy attempts to authenticate a request.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Attempt tries to authenticate the request.
	Attempt(ctx context.Context, r *http.Request) Outcome
}

// notHandled is the outcome of an inapplicable strategy.
func notHandled() Outcome {
	return Outcome{}
}

// rejected is a final negative outcome.
func rejected(reason string) Outcome {
	return Outcome{Handled: true, Reason: reason}
}

// accepted is a final positive outcome.
func accepted(identity *Identity) Outcome {
	return Outcome{Handled: true, Authenticated: true, Identity: identity}
}

// bearerToken extracts the bearer credential from the Authorization
// header. Returns false when the header is missing or malformed.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(HeaderAuthorization)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(bearerPrefix):]), true
}
