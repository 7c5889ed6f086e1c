// Package filter implements the host blacklist and per-client sliding
// window rate limiter.
package filter

import (
	"strings"
	"sync"
	"time"
)

// Filter blocks requests by hostname substring and rate-limits requests per
// client IP over a sliding window.
type Filter struct {
	mu sync.Mutex

	blacklist []string

	rateLimitCount  int
	rateLimitPeriod time.Duration
	clientRequests  map[string][]time.Time
}

// New returns a Filter with the given blacklist and rate-limit parameters.
func New(blacklist []string, rateLimitCount int, rateLimitPeriod time.Duration) *Filter {
	list := make([]string, len(blacklist))
	copy(list, blacklist)
	return &Filter{
		blacklist:       list,
		rateLimitCount:  rateLimitCount,
		rateLimitPeriod: rateLimitPeriod,
		clientRequests:  make(map[string][]time.Time),
	}
}

// IsBlocked reports whether host contains any blacklisted substring anywhere
// in its length, not just as a suffix (so "ads.example.com" blocks
// "api.ads.example.com.evil.test").
func (f *Filter) IsBlocked(host string) bool {
	if host == "" {
		return false
	}
	f.mu.Lock()
	blacklist := f.blacklist
	f.mu.Unlock()

	for _, domain := range blacklist {
		if strings.Contains(host, domain) {
			return true
		}
	}
	return false
}

// IsRateLimited prunes timestamps older than the rate limit period for
// clientIP; if the remaining count is at or above the limit the request is
// denied without being recorded, otherwise the current time is recorded and
// the request is admitted.
func (f *Filter) IsRateLimited(clientIP string) bool {
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	requests := f.clientRequests[clientIP]
	fresh := requests[:0]
	for _, t := range requests {
		if now.Sub(t) < f.rateLimitPeriod {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= f.rateLimitCount {
		f.clientRequests[clientIP] = fresh
		return true
	}

	f.clientRequests[clientIP] = append(fresh, now)
	return false
}

// SetBlacklist atomically replaces the blacklist, for config hot-reload.
func (f *Filter) SetBlacklist(blacklist []string) {
	list := make([]string, len(blacklist))
	copy(list, blacklist)
	f.mu.Lock()
	f.blacklist = list
	f.mu.Unlock()
}

// SetRateLimit atomically replaces the rate-limit parameters, for config
// hot-reload. Existing per-client history is kept.
func (f *Filter) SetRateLimit(count int, period time.Duration) {
	f.mu.Lock()
	f.rateLimitCount = count
	f.rateLimitPeriod = period
	f.mu.Unlock()
}

// RateLimitParams returns the currently configured limit and period. The
// stats dashboard footer does not read it; Stats keeps its own copy, updated
// through Stats.SetRateLimitParams.
func (f *Filter) RateLimitParams() (count int, period time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimitCount, f.rateLimitPeriod
}
