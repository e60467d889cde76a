// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package email

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimits bounds outbound requests per provider.
type RateLimits struct {
	RequestsPerSecond int
	RequestsPerMinute int
	RequestsPerHour   int
	BurstLimit        int
}

// Limiter enforces per-provider rate limits. It is advisory and
// non-blocking: CheckLimit reports whether a request may proceed and, when
// denied, how long until the tightest window resets.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerLimiter
}

type providerLimiter struct {
	limits RateLimits
	second *rate.Limiter

	minuteWindow time.Time
	minuteCount  int
	hourWindow   time.Time
	hourCount    int
}

// NewLimiter creates an empty limiter; providers register their limits via
// Configure.
func NewLimiter() *Limiter {
	return &Limiter{providers: make(map[string]*providerLimiter)}
}

// Configure installs the limits for a provider.
func (l *Limiter) Configure(provider string, limits RateLimits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := limits.BurstLimit
	if burst <= 0 {
		burst = limits.RequestsPerSecond
	}
	if burst <= 0 {
		burst = 1
	}
	perSecond := rate.Limit(limits.RequestsPerSecond)
	if limits.RequestsPerSecond <= 0 {
		perSecond = rate.Inf
	}
	l.providers[provider] = &providerLimiter{
		limits: limits,
		second: rate.NewLimiter(perSecond, burst),
	}
}

// CheckLimit reports whether a request to the provider is allowed right
// now. When denied, resetAfter is the delay until the limiting window
// rolls over.
func (l *Limiter) CheckLimit(provider string) (allowed bool, resetAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pl, ok := l.providers[provider]
	if !ok {
		return true, 0
	}

	now := time.Now()

	if pl.limits.RequestsPerMinute > 0 {
		if now.Sub(pl.minuteWindow) >= time.Minute {
			pl.minuteWindow = now
			pl.minuteCount = 0
		}
		if pl.minuteCount >= pl.limits.RequestsPerMinute {
			return false, pl.minuteWindow.Add(time.Minute).Sub(now)
		}
	}
	if pl.limits.RequestsPerHour > 0 {
		if now.Sub(pl.hourWindow) >= time.Hour {
			pl.hourWindow = now
			pl.hourCount = 0
		}
		if pl.hourCount >= pl.limits.RequestsPerHour {
			return false, pl.hourWindow.Add(time.Hour).Sub(now)
		}
	}

	if !pl.second.Allow() {
		return false, time.Second
	}

	pl.minuteCount++
	pl.hourCount++
	return true, 0
}
