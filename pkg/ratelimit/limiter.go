// Package ratelimit limits request rates per account or client address.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Config defines rate limiting configuration
type Config struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows temporary bursts above the rate
	Burst int
}

// DefaultConfig returns default rate limit settings
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 120,
		Window:            time.Minute,
		Burst:             20,
	}
}

// Limit is the number of requests a fresh key may make at once
func (c Config) Limit() int {
	return c.RequestsPerWindow + c.Burst
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = d.RequestsPerWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	return c
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request for key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LocalLimiter is a token bucket per key held in process memory.
// Limits are per instance.
type LocalLimiter struct {
	config  Config
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewLocalLimiter creates an in-memory limiter
func NewLocalLimiter(config Config) *LocalLimiter {
	return &LocalLimiter{
		config:  config.normalized(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) refillRate() float64 {
	return float64(l.config.RequestsPerWindow) / l.config.Window.Seconds()
}

// Allow takes one token from the key's bucket
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.config.Limit())
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastUpdate: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*l.refillRate())
		b.lastUpdate = now
	}

	d := Decision{Limit: l.config.Limit()}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)

	// time until the bucket is full again
	missing := capacity - b.tokens
	d.ResetAt = now.Add(time.Duration(missing / l.refillRate() * float64(time.Second)))
	return d, nil
}

// Cleanup removes buckets idle for more than two windows
func (l *LocalLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.Window*2 {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *LocalLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.Window)
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

func (l *LocalLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
