// Package ratelimit implements the per-client fixed-window request limiter
// mounted at the HTTP boundary. The window table lives in process memory
// and is not shared between instances of the service.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"portal-auth/internal/httpx"
)

const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxRequests = 100
	DefaultMessage     = "Too many requests, please try again later"
)

type Config struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	Message     string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTrustProxy keys clients by the first X-Forwarded-For hop.
func WithTrustProxy(trust bool) Option {
	return func(l *Limiter) { l.trustProxy = trust }
}

// WithObserver registers a callback invoked with the limiter name for every
// rejected request.
func WithObserver(fn func(name string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

type Limiter struct {
	cfg        Config
	now        func() time.Time
	trustProxy bool
	onReject   func(name string)

	mu      sync.Mutex
	windows map[string]*window

	sweeper rate.Sometimes
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}

	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
		sweeper: rate.Sometimes{Every: 256, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Name() string {
	return l.cfg.Name
}

// Allow counts one request for key.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now}
		l.windows[key] = w
	}
	if !now.Before(w.start.Add(l.cfg.Window)) {
		w.start = now
		w.count = 0
	}

	resetAt := w.start.Add(l.cfg.Window)
	decision := Decision{Limit: l.cfg.MaxRequests, ResetAt: resetAt}
	if w.count >= l.cfg.MaxRequests {
		decision.RetryAfter = resetAt.Sub(now)
	} else {
		w.count++
		decision.Allowed = true
		decision.Remaining = l.cfg.MaxRequests - w.count
	}
	l.mu.Unlock()

	l.sweeper.Do(l.sweep)
	return decision
}

// sweep drops windows that have already elapsed; they would be reset on
// their next use anyway.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.cfg.Window)) {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Middleware rejects requests over quota with 429 and annotates every
// response with the remaining quota.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := l.Allow(httpx.ClientIP(r, l.trustProxy))

		header := w.Header()
		header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := retryAfterSeconds(decision.RetryAfter)
			header.Set("Retry-After", strconv.Itoa(retryAfter))
			if l.onReject != nil {
				l.onReject(l.cfg.Name)
			}
			httpx.WriteFailureData(w, http.StatusTooManyRequests, l.cfg.Message, map[string]int{
				"retryAfter": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
