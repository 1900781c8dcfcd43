// Package connectivity tracks whether the device can reach the companion
// service. Platforms differ in what signal they offer, so reachability is a
// polymorphic capability: push-based transition events, polling, or no signal
// at all (assume online, re-verify from actual network outcomes).
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Provider reports current reachability of the remote service.
type Provider interface {
	Check(ctx context.Context) bool
}

// Notifier is an optional Provider capability: push-based transition events.
// The monitor prefers events over polling when available.
type Notifier interface {
	Events() <-chan bool
}

// OutcomeReporter is an optional Provider capability for platforms with no
// connectivity signal: the provider learns reachability from the outcome of
// actual network attempts.
type OutcomeReporter interface {
	Report(ok bool)
}

// HTTPProvider probes the remote health endpoint. Used on platforms without
// push notifications for connectivity changes.
type HTTPProvider struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider probing baseURL's health endpoint.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		url:        strings.TrimRight(baseURL, "/") + "/health",
		httpClient: &http.Client{Timeout: 0},
	}
}

// Check returns true if the health endpoint responds with 200.
func (p *HTTPProvider) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SignalProvider adapts platform-native online/offline events. Callers feed
// transitions through Set; the monitor consumes them through Events.
type SignalProvider struct {
	online atomic.Bool
	events chan bool
}

// NewSignalProvider creates a push-based provider with the given initial state.
func NewSignalProvider(initial bool) *SignalProvider {
	p := &SignalProvider{events: make(chan bool, 8)}
	p.online.Store(initial)
	return p
}

// Set records a platform connectivity transition and forwards it to watchers.
func (p *SignalProvider) Set(online bool) {
	p.online.Store(online)
	select {
	case p.events <- online:
	default:
		// A slow consumer only misses intermediate states; the latest
		// state is always available via Check.
	}
}

// Check returns the last signalled state.
func (p *SignalProvider) Check(ctx context.Context) bool {
	return p.online.Load()
}

// Events returns the transition stream.
func (p *SignalProvider) Events() <-chan bool {
	return p.events
}

// AssumeOnlineProvider starts online and re-verifies from reported network
// outcomes: a failed submission flips it offline for display purposes, a
// later success flips it back.
type AssumeOnlineProvider struct {
	online atomic.Bool
}

// NewAssumeOnlineProvider creates a provider that assumes reachability.
func NewAssumeOnlineProvider() *AssumeOnlineProvider {
	p := &AssumeOnlineProvider{}
	p.online.Store(true)
	return p
}

// Check returns the state implied by the most recent network outcome.
func (p *AssumeOnlineProvider) Check(ctx context.Context) bool {
	return p.online.Load()
}

// Report records the outcome of an actual network attempt.
func (p *AssumeOnlineProvider) Report(ok bool) {
	p.online.Store(ok)
}
