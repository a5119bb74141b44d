package middleware

import (
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/ratelimit"
)

const errRateLimitExceeded = `{"error":"rate limit exceeded","detail":"too many requests from this client"}`

// RateLimitOption configures the rate limit middleware.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	extractor *ClientIPExtractor
	skipPaths map[string]bool
	onHit     func(r *http.Request)
}

// WithClientIPExtractor sets how the client key is derived.
func WithClientIPExtractor(e *ClientIPExtractor) RateLimitOption {
	return func(o *rateLimitOptions) {
		if e != nil {
			o.extractor = e
		}
	}
}

// WithRateLimitSkipPaths exempts exact paths, such as probes.
func WithRateLimitSkipPaths(paths ...string) RateLimitOption {
	return func(o *rateLimitOptions) {
		for _, p := range paths {
			o.skipPaths[p] = true
		}
	}
}

// WithRateLimitHitCallback is called for every rejected request.
func WithRateLimitHitCallback(fn func(r *http.Request)) RateLimitOption {
	return func(o *rateLimitOptions) { o.onHit = fn }
}

// RateLimit returns a middleware that applies limiter per client IP.
// A limiter error lets the request through.
func RateLimit(limiter ratelimit.Limiter, logger observability.Logger, opts ...RateLimitOption) func(http.Handler) http.Handler {
	o := &rateLimitOptions{
		extractor: NewClientIPExtractor(nil),
		skipPaths: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := o.extractor.Extract(r)
			result, err := limiter.Allow(r.Context(), clientIP)
			if err != nil {
				rateLimitErrors.Inc()
				logger.WithContext(r.Context()).Warn("rate limiter unavailable, allowing request",
					observability.String("client_ip", clientIP),
					observability.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, result)

			if !result.Allowed {
				rateLimitRejected.Inc()
				if o.onHit != nil {
					o.onHit(r)
				}
				logger.WithContext(r.Context()).Warn("rate limit exceeded",
					observability.String("client_ip", clientIP),
					observability.String("path", r.URL.Path),
				)

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(ceilSeconds(result.RetryAfter)))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, errRateLimitExceeded)
				return
			}

			rateLimitAllowed.Inc()
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	if result.Limit <= 0 {
		return
	}
	w.Header().Set(HeaderXRateLimitLimit, strconv.Itoa(result.Limit))
	w.Header().Set(HeaderXRateLimitRemain, strconv.Itoa(result.Remaining))
	w.Header().Set(HeaderXRateLimitReset, strconv.Itoa(ceilSeconds(result.ResetAfter)))
}

// ceilSeconds rounds up so a client never retries too early; at least 1.
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
