// Package ratelimit implements a per-token sliding-window rate limiter
// backed by an external key-value cache. It is new relative to the
// teacher, whose rate limiting is a local in-memory per-IP token bucket
// (golang.org/x/time/rate) — this limiter is per-*token*, cache-backed so
// it works across multiple gateway instances, and escalates repeat
// offenders to a timed block rather than simply smoothing their rate.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filegate/internal/kvcache"
)

// Config holds the limiter's tunables. Zero values are replaced with the
// package defaults by New.
type Config struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

const (
	defaultMaxRequests   = 10
	defaultWindow        = 60 * time.Second
	defaultBlockDuration = 300 * time.Second
)

// DeniedBody is the fixed response body for a blocked request.
const DeniedBody = "Rate limit exceeded. Token is temporarily blocked."

// Limiter enforces Config's thresholds per token over a kvcache.Client.
type Limiter struct {
	cache  kvcache.Client
	config Config
}

func New(cache kvcache.Client, cfg Config) *Limiter {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaultMaxRequests
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	return &Limiter{cache: cache, config: cfg}
}

func countKey(token string) string   { return "rate_limit:count:" + token }
func blockedKey(token string) string { return "rate_limit:blocked:" + token }

// Allow runs the algorithm for token T:
//  1. rate_limit:blocked:T exists → deny.
//  2. Increment rate_limit:count:T, receiving n.
//  3. If n == 1, set that key's expiration to the window.
//  4. If n exceeds the limit, install the block sentinel, delete the count
//     key, deny.
//  5. Otherwise allow.
//
// Any cache error is logged and treated as an allow — the limiter is
// defense-in-depth, not a security gate.
func (l *Limiter) Allow(ctx context.Context, token string) bool {
	blocked, err := l.cache.Exists(ctx, blockedKey(token))
	if err != nil {
		slog.Error("ratelimit: cache error checking block sentinel, failing open", "error", err)
		return true
	}
	if blocked {
		return false
	}

	n, err := l.cache.Incr(ctx, countKey(token))
	if err != nil {
		slog.Error("ratelimit: cache error incrementing counter, failing open", "error", err)
		return true
	}

	if n == 1 {
		if err := l.cache.Expire(ctx, countKey(token), l.config.Window); err != nil {
			slog.Error("ratelimit: cache error setting window expiration, failing open", "error", err)
			return true
		}
	}

	if n > int64(l.config.MaxRequests) {
		if err := l.cache.SetWithTTL(ctx, blockedKey(token), "blocked", l.config.BlockDuration); err != nil {
			slog.Error("ratelimit: cache error installing block sentinel, failing open", "error", err)
			return true
		}
		if err := l.cache.Del(ctx, countKey(token)); err != nil {
			slog.Error("ratelimit: cache error clearing counter after block", "error", err)
		}
		return false
	}

	return true
}

// Info is the {is_blocked, request_count, ttl_seconds} introspection
// operation. ttl_seconds is the TTL of whichever key the token currently
// has set — the block sentinel if blocked, otherwise the count key.
type Info struct {
	IsBlocked    bool  `json:"is_blocked"`
	RequestCount int64 `json:"request_count"`
	TTLSeconds   int64 `json:"ttl_seconds"`
}

func (l *Limiter) GetInfo(ctx context.Context, token string) (Info, error) {
	blocked, err := l.cache.Exists(ctx, blockedKey(token))
	if err != nil {
		return Info{}, err
	}
	if blocked {
		ttl, err := l.cache.TTL(ctx, blockedKey(token))
		if err != nil {
			return Info{}, err
		}
		return Info{IsBlocked: true, TTLSeconds: int64(ttl.Seconds())}, nil
	}

	raw, exists, err := l.cache.Get(ctx, countKey(token))
	if err != nil {
		return Info{}, err
	}
	if !exists {
		return Info{}, nil
	}

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Info{}, err
	}
	ttl, err := l.cache.TTL(ctx, countKey(token))
	if err != nil {
		return Info{}, err
	}
	return Info{RequestCount: count, TTLSeconds: int64(ttl.Seconds())}, nil
}

// Clear deletes both the count and block keys for token.
func (l *Limiter) Clear(ctx context.Context, token string) error {
	return l.cache.Del(ctx, countKey(token), blockedKey(token))
}

// ExtractToken inspects the request for a rate-limit token, checking
// Authorization: Bearer <T> first, then X-Upload-Token: <T>.
func ExtractToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if t := strings.TrimPrefix(auth, "Bearer "); t != "" {
			return t, true
		}
	}
	if t := r.Header.Get("X-Upload-Token"); t != "" {
		return t, true
	}
	return "", false
}

// Middleware applies l to every request carrying an extractable token.
// Requests without one bypass the limiter entirely.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ExtractToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !l.Allow(r.Context(), token) {
				http.Error(w, DeniedBody, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
