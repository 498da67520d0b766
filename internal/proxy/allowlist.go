package proxy

import (
	"net"
	"strings"
)

// Allowlist decides which request targets participate in caching: the
// configured upstream origin, plus external hosts matching the allowed list.
type Allowlist struct {
	upstreamHost string
	hosts        []string
}

// NewAllowlist builds the allow list around the upstream host. External
// entries are compared case-insensitively.
func NewAllowlist(upstreamHost string, hosts []string) Allowlist {
	lowered := make([]string, 0, len(hosts))
	for _, h := range hosts {
		trimmed := strings.ToLower(strings.TrimSpace(h))
		if trimmed != "" {
			lowered = append(lowered, trimmed)
		}
	}
	return Allowlist{
		upstreamHost: strings.ToLower(stripPort(upstreamHost)),
		hosts:        lowered,
	}
}

// Allows reports whether a target host may participate in caching.
func (a Allowlist) Allows(host string) bool {
	candidate := strings.ToLower(stripPort(host))
	if candidate == "" {
		return false
	}
	if candidate == a.upstreamHost {
		return true
	}
	return a.AllowsExternal(host)
}

// AllowsExternal checks only the external host list. Matching is substring
// containment on the hostname, not suffix matching; this mirrors the deployed
// allow-list behavior even though it can match unrelated hosts that embed an
// allowed name.
func (a Allowlist) AllowsExternal(host string) bool {
	candidate := strings.ToLower(stripPort(host))
	if candidate == "" {
		return false
	}
	for _, allowed := range a.hosts {
		if strings.Contains(candidate, allowed) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
