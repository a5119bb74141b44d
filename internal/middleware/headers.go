package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ProcessTime returns a middleware that reports the time spent in the
// gateway, in milliseconds, in the X-Process-Time response header.
func ProcessTime() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &timingWriter{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(tw, r)
		})
	}
}

// timingWriter sets X-Process-Time just before the header is sent.
type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (tw *timingWriter) stamp() {
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	ms := float64(time.Since(tw.start).Microseconds()) / 1000
	tw.Header().Set(HeaderXProcessTime, strconv.FormatFloat(ms, 'f', 3, 64))
}

// WriteHeader stamps the header before writing it.
func (tw *timingWriter) WriteHeader(code int) {
	tw.stamp()
	tw.ResponseWriter.WriteHeader(code)
}

// Write stamps the header before the implicit 200.
func (tw *timingWriter) Write(b []byte) (int, error) {
	tw.stamp()
	return tw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (tw *timingWriter) Flush() {
	tw.stamp()
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket passthrough.
func (tw *timingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := tw.ResponseWriter.(http.Hijacker); ok {
		tw.wroteHeader = true
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
