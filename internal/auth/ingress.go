package auth

import (
	"context"
	"net/http"
)

// ingressIdentityName labels requests arriving through the trusted
// Home Assistant ingress proxy.
const ingressIdentityName = "Home Assistant Ingress"

// IngressStrategy accepts requests carrying the ingress marker header.
// The marker is injected by the supervisor-controlled proxy inside the
// private network and is trusted as-is; the strategy must only be
// enabled behind that proxy.
type IngressStrategy struct{}

// NewIngressStrategy returns a strategy trusting the ingress marker.
func NewIngressStrategy() *IngressStrategy {
	return &IngressStrategy{}
}

// Name implements Strategy.
func (s *IngressStrategy) Name() string { return string(MethodIngress) }

// Attempt implements Strategy. Requests without the marker fall
// through to the next strategy.
func (s *IngressStrategy) Attempt(_ context.Context, r *http.Request) Outcome {
	if r.Header.Get(HeaderIngressPath) == "" {
		return notHandled()
	}
	return accepted(&Identity{Name: ingressIdentityName, Method: MethodIngress})
}
