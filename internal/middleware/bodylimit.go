package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// ErrBodyTooLarge is returned by a limited request body once more than the
// allowed bytes were read.
var ErrBodyTooLarge = errors.New("request body size exceeded")

// BodyLimit returns a middleware that limits the request body size.
// A declared Content-Length above maxSize is rejected with 413 up front;
// chunked bodies fail with ErrBodyTooLarge while being read.
func BodyLimit(maxSize int64, logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				logger.WithContext(r.Context()).Warn("request body too large",
					observability.Int64("content_length", r.ContentLength),
					observability.Int64("max_size", maxSize),
					observability.String("path", r.URL.Path),
				)

				bodyLimitRejected.Inc()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_, _ = io.WriteString(w, errRequestEntityTooLarge)
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &limitedReadCloser{ReadCloser: r.Body, remaining: maxSize}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitedReadCloser fails once more than the limit has been read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

// Read reads up to len(p) bytes into p, respecting the remaining limit.
// One byte past the limit is read to tell an exact fit from an overflow.
func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrBodyTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}

	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		bodyLimitRejected.Inc()
		return n + int(l.remaining), ErrBodyTooLarge
	}
	return n, err
}
