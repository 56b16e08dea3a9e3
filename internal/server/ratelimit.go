package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo carries admission-control state from a handler to the
// header-writing middleware. Handlers obtain the request's record via
// RateLimits and fill it in before writing the response body.
type RateLimitInfo struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	populated bool
}

// Set records the admission state for this request. Remaining may be zero;
// headers are emitted whenever Set was called with a positive limit.
func (rl *RateLimitInfo) Set(limit, remaining int, retryAfter time.Duration) {
	rl.Limit = limit
	rl.Remaining = remaining
	rl.RetryAfter = retryAfter
	rl.populated = true
}

// RateLimits retrieves the request's rate limit record.
// Returns nil when RateLimitHeaderMiddleware is not installed.
func RateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

// RateLimitHeaderMiddleware installs a mutable rate limit record in the
// request context and writes x-ratelimit-* (and Retry-After, for denied
// requests) headers when the response starts.
func RateLimitHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RateLimitInfo{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, info)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, info: info}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	info         *RateLimitInfo
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	rl := rw.info
	if rl == nil || !rl.populated {
		return
	}

	h := rw.Header()
	if rl.Limit > 0 {
		h.Set("x-ratelimit-limit", strconv.Itoa(rl.Limit))
		// 0 is a valid remaining value once the limit is known
		h.Set("x-ratelimit-remaining", strconv.Itoa(rl.Remaining))
	}
	if rl.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
