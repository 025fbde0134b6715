// Package security holds request admission controls for the relay
// endpoint.
package security

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client, with an optional limit across
// all clients.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.Mutex

	requestsPerSecond float64
	burst             int
	now               func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithGlobalLimit caps the combined rate of all clients.
func WithGlobalLimit(requestsPerSecond float64, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.globalLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// NewRateLimiter creates a limiter granting each client
// requestsPerSecond with the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow checks if a request from clientID should be allowed. A request
// denied by the client limit does not consume global capacity.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.getClientLimiter(clientID).Allow() {
		return false
	}
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	return true
}

func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clientLimiters[clientID]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clientLimiters[clientID] = cl
	}
	cl.lastSeen = rl.now()
	return cl.limiter
}

// Prune forgets clients not seen for longer than idle and returns how
// many were dropped.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	dropped := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			dropped++
		}
	}
	return dropped
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clientLimiters)
}

// ClientID identifies the caller of r for rate limiting: the first
// X-Forwarded-For hop when present, else the remote host.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
