package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/observability"
)

// AccountIDHeader names the account a request is made for
const AccountIDHeader = "X-Account-ID"

// KeyFunc derives the rate limit key of a request
type KeyFunc func(r *http.Request) string

// AccountKey keys requests by account when the caller names one, and by
// client address otherwise.
func AccountKey(r *http.Request) string {
	if id := r.Header.Get(AccountIDHeader); id != "" {
		return "account:" + id
	}
	if id := r.URL.Query().Get("accountId"); id != "" {
		return "account:" + id
	}
	return "ip:" + clientIP(r)
}

// Middleware rejects requests over the limit with 429. Limiter errors fail
// open: the request is served and the error logged.
func Middleware(limiter Limiter, key KeyFunc, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if key == nil {
		key = AccountKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			k := key(r)

			d, err := limiter.Allow(ctx, k)
			if err != nil {
				observability.LoggerFromContext(ctx).WithError(err).WithField("key", k).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, d)
			if !d.Allowed {
				metrics.ObserveDenial("rate_limited")
				httputil.WriteTooManyRequests(w, "rate limit exceeded", time.Until(d.ResetAt))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
