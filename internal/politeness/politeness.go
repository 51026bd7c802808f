// Package politeness paces browser traffic per host.
package politeness

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
)

// Config holds pacing configuration.
type Config struct {
	// Delay is the fixed pause a worker takes after finishing an item.
	Delay time.Duration
	// DomainRPS caps requests per second to a single host; zero disables it.
	DomainRPS   float64
	DomainBurst int
}

// Limiter combines a per-host token bucket with a fixed inter-item pause.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	delay        time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DomainRPS)
	if cfg.DomainRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DomainBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		delay:        cfg.Delay,
	}
}

// Wait blocks until the host of rawURL may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	limiter := l.limiterFor(host(rawURL))

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(rawURL, waited)
	}
	return nil
}

// Pause sleeps for the configured inter-item delay.
func (l *Limiter) Pause(ctx context.Context, rawURL string) error {
	if l.delay <= 0 {
		return nil
	}
	t := time.NewTimer(l.delay)
	defer t.Stop()
	select {
	case <-t.C:
		metrics.ObservePolitenessDelay(rawURL, l.delay)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("politeness pause: %w", ctx.Err())
	}
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
