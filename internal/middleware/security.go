package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/emsgw/internal/config"
)

// SecurityHeaders returns a middleware that adds security headers to every
// response and strips headers that leak backend details.
func SecurityHeaders(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		hsts := ""
		if cfg.HSTSMaxAge > 0 {
			hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if cfg.FrameOptions != "" {
				h.Set("X-Frame-Options", cfg.FrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if hsts != "" && isSecureRequest(r) {
				h.Set("Strict-Transport-Security", hsts)
			}

			if len(cfg.RemoveHeaders) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(&headerStripper{ResponseWriter: w, remove: cfg.RemoveHeaders}, r)
		})
	}
}

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// headerStripper deletes headers right before they are written.
type headerStripper struct {
	http.ResponseWriter
	remove      []string
	wroteHeader bool
}

func (s *headerStripper) strip() {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	for _, name := range s.remove {
		s.Header().Del(name)
	}
}

func (s *headerStripper) WriteHeader(code int) {
	s.strip()
	s.ResponseWriter.WriteHeader(code)
}

func (s *headerStripper) Write(b []byte) (int, error) {
	s.strip()
	return s.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (s *headerStripper) Flush() {
	s.strip()
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket passthrough.
func (s *headerStripper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	s.wroteHeader = true
	return h.Hijack()
}
