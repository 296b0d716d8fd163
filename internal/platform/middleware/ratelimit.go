package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimitConfig returns the default quota: 100 requests per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Requests: 100, Window: 60 * time.Second}
}

// slidingWindow tracks per-key request timestamps. One mutex guards the whole
// state; timestamps older than the window are pruned on each admission.
type slidingWindow struct {
	mu      sync.Mutex
	config  RateLimitConfig
	history map[string][]time.Time
	now     func() time.Time
}

func newSlidingWindow(cfg RateLimitConfig) *slidingWindow {
	return &slidingWindow{
		config:  cfg,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// admit records a request for key and reports whether it is within quota.
// When over quota it returns the seconds until the oldest in-window request
// expires.
func (w *slidingWindow) admit(key string) (allowed bool, retryAfter int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.config.Window)

	stamps := w.history[key]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.config.Requests {
		w.history[key] = kept
		wait := kept[0].Add(w.config.Window).Sub(now)
		seconds := int(wait.Seconds()) + 1
		if seconds < 1 {
			seconds = 1
		}
		return false, seconds
	}

	w.history[key] = append(kept, now)
	return true, 0
}

// clientKey identifies the caller: the first X-Forwarded-For entry, else the
// socket peer, else "anonymous".
func clientKey(c echo.Context) string {
	if forwarded := c.Request().Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return "anonymous"
}

// RateLimit returns sliding-window rate limiting middleware. Over-quota
// requests get 429 with an advisory Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	window := newSlidingWindow(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, retryAfter := window.admit(clientKey(c))

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
			if !allowed {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
