// Package ratelimit implements per-host token buckets for upstream fetches.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

// DefaultMaxHosts bounds how many per-host buckets are kept.
const DefaultMaxHosts = 1024

// Limiter manages per-host rate limits. Buckets for the least recently used
// hosts are dropped once MaxHosts is reached; a dropped host starts again
// with a full bucket.
type Limiter struct {
	mu           sync.Mutex
	hosts        *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	MaxHosts     int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	// lru.New only fails for a non-positive size.
	hosts, _ := lru.New[string, *rate.Limiter](maxHosts)
	return &Limiter{
		hosts:        hosts,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for host or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l == nil || l.defaultRate == rate.Inf {
		return nil
	}
	limiter := l.forHost(host)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.hosts.Get(host)
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.hosts.Add(host, limiter)
	}
	return limiter
}
