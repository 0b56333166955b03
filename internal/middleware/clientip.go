// Package middleware provides the gin middleware chain guarding the
// gateway: panic recovery, the layered admission pipeline, and the
// master-key gate for management endpoints.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Forwarding headers consulted when a trusted proxy fronts the
// gateway.
const (
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderXRealIP       = "X-Real-IP"
)

// ClientIPExtractor extracts the real client IP from requests,
// handling X-Forwarded-For with trusted proxy validation. When no
// trusted proxies are configured, only RemoteAddr is used (secure
// default to prevent IP spoofing).
type ClientIPExtractor struct {
	trustedCIDRs []*net.IPNet
}

// NewClientIPExtractor creates an extractor with the given trusted
// proxy CIDRs. Single IPs are accepted and widened to /32 or /128.
// Invalid entries are silently skipped.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		_, cidr, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				continue
			}
			cidr = singleIPToCIDR(ip)
		}
		cidrs = append(cidrs, cidr)
	}
	return &ClientIPExtractor{trustedCIDRs: cidrs}
}

func singleIPToCIDR(ip net.IP) *net.IPNet {
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{
		IP:   ip,
		Mask: net.CIDRMask(bits, bits),
	}
}

// Extract returns the real client IP from the request. If the direct
// peer is a trusted proxy it walks X-Forwarded-For right-to-left and
// returns the first non-trusted hop.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if len(e.trustedCIDRs) == 0 {
		return remoteIP
	}
	if !e.isTrusted(remoteIP) {
		return remoteIP
	}
	return e.extractFromXFF(r, remoteIP)
}

func (e *ClientIPExtractor) extractFromXFF(r *http.Request, fallback string) string {
	xff := r.Header.Get(HeaderXForwardedFor)
	if xff == "" {
		if real := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); real != "" {
			return real
		}
		return fallback
	}

	ips := strings.Split(xff, ",")
	for i := len(ips) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(ips[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return fallback
}

func (e *ClientIPExtractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// stripPort removes the port from an address string. Handles both
// "192.168.1.1:8080" and "[::1]:8080" formats.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// IsPrivateIP reports whether the address sits in a private, loopback,
// or link-local range. Used to warn whitelist users that they are
// seeing an internal address rather than their external one.
func IsPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
