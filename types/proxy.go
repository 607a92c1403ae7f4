// Package types defines core domain types for the VERITAS audit engine.
package types

import (
	"fmt"
	"net/url"
)

// ProxyProtocol is the allowed proxy protocol for scout fetches.
type ProxyProtocol string

const (
	ProxyProtocolHTTP  ProxyProtocol = "http"
	ProxyProtocolHTTPS ProxyProtocol = "https"
)

// ProxyStrategy is the proxy selection strategy for pools.
type ProxyStrategy string

const (
	ProxyStrategyRoundRobin ProxyStrategy = "round_robin"
	ProxyStrategyRandom     ProxyStrategy = "random"
	ProxyStrategySticky     ProxyStrategy = "sticky"
)

// ProxyStickyScope determines what key pins a sticky assignment.
type ProxyStickyScope string

const (
	// ProxyStickyAudit pins one endpoint per audit, so every scout fetch
	// within an audit exits through the same address.
	ProxyStickyAudit  ProxyStickyScope = "audit"
	ProxyStickyDomain ProxyStickyScope = "domain"
	ProxyStickyOrigin ProxyStickyScope = "origin"
)

// ProxyEndpoint is a resolved proxy endpoint the scout fetcher can dial.
type ProxyEndpoint struct {
	Protocol ProxyProtocol `json:"protocol"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username *string       `json:"username,omitempty"`
	Password *string       `json:"password,omitempty"`
}

// Validate applies the hard validation rules for one endpoint.
func (p *ProxyEndpoint) Validate() error {
	switch p.Protocol {
	case ProxyProtocolHTTP, ProxyProtocolHTTPS:
	default:
		return fmt.Errorf("invalid protocol %q: must be http or https", p.Protocol)
	}
	if p.Host == "" {
		return fmt.Errorf("proxy host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", p.Port)
	}
	hasUsername := p.Username != nil && *p.Username != ""
	hasPassword := p.Password != nil && *p.Password != ""
	if hasUsername != hasPassword {
		return fmt.Errorf("username and password must be provided together")
	}
	return nil
}

// URL renders the endpoint as a proxy URL suitable for http.Transport.
func (p *ProxyEndpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: string(p.Protocol),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != nil && p.Password != nil {
		u.User = url.UserPassword(*p.Username, *p.Password)
	}
	return u
}

// Redact returns a copy of the endpoint without the password. Redacted
// endpoints are what logs may carry.
func (p *ProxyEndpoint) Redact() ProxyEndpointRedacted {
	return ProxyEndpointRedacted{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
	}
}

// ProxyEndpointRedacted is a proxy endpoint without its password.
type ProxyEndpointRedacted struct {
	Protocol ProxyProtocol `json:"protocol"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username *string       `json:"username,omitempty"`
}

// ProxySticky is sticky configuration for a proxy pool.
type ProxySticky struct {
	// Scope is the scope for sticky key derivation.
	Scope ProxyStickyScope `json:"scope"`
	// TTLMs is the optional TTL in milliseconds for sticky entries.
	TTLMs *int64 `json:"ttl_ms,omitempty"`
}

// ProxyPool defines a pool and rotation policy for scout fetches.
type ProxyPool struct {
	// Name is the pool name (unique identifier).
	Name string `json:"name"`
	// Strategy is the selection strategy.
	Strategy ProxyStrategy `json:"strategy"`
	// Endpoints is the list of available endpoints (at least one).
	Endpoints []ProxyEndpoint `json:"endpoints"`
	// Sticky is the optional sticky configuration.
	Sticky *ProxySticky `json:"sticky,omitempty"`
	// RecencyWindow, when set, keeps new selections away from the last N
	// endpoints used. When every endpoint is recent, selection falls back
	// to the least recently used one.
	RecencyWindow *int `json:"recency_window,omitempty"`
}

// Validate applies the hard validation rules for a pool.
func (p *ProxyPool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	switch p.Strategy {
	case ProxyStrategyRoundRobin, ProxyStrategyRandom, ProxyStrategySticky:
	default:
		return fmt.Errorf("invalid strategy %q: must be round_robin, random, or sticky", p.Strategy)
	}
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("pool must have at least one endpoint")
	}
	for i, ep := range p.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}
	if p.Sticky != nil {
		switch p.Sticky.Scope {
		case ProxyStickyAudit, ProxyStickyDomain, ProxyStickyOrigin:
		default:
			return fmt.Errorf("invalid sticky scope %q: must be audit, domain, or origin", p.Sticky.Scope)
		}
		if p.Sticky.TTLMs != nil && *p.Sticky.TTLMs <= 0 {
			return fmt.Errorf("sticky TTL must be positive")
		}
	}
	if p.RecencyWindow != nil && *p.RecencyWindow < 1 {
		return fmt.Errorf("recency window must be at least 1")
	}
	return nil
}

// LargePoolThreshold is the number of endpoints above which round_robin
// is discouraged in favor of random.
const LargePoolThreshold = 50

// Warnings returns soft, non-fatal issues worth surfacing to users.
func (p *ProxyPool) Warnings() []string {
	var warnings []string
	if p.Strategy == ProxyStrategyRoundRobin && len(p.Endpoints) > LargePoolThreshold {
		warnings = append(warnings, fmt.Sprintf("pool %q has %d endpoints with round_robin strategy; consider random for large pools", p.Name, len(p.Endpoints)))
	}
	return warnings
}
