package middleware

import (
	"net/http"
	"strings"
)

// isWebSocketUpgrade checks if the request is a WebSocket upgrade request.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// HTTP header constants.
const (
	HeaderContentType        = "Content-Type"
	HeaderRetryAfter         = "Retry-After"
	HeaderOrigin             = "Origin"
	HeaderXRequestID         = "X-Request-ID"
	HeaderXForwardedFor      = "X-Forwarded-For"
	HeaderXProcessTime       = "X-Process-Time"
	HeaderXRateLimitLimit    = "X-RateLimit-Limit"
	HeaderXRateLimitRemain   = "X-RateLimit-Remaining"
	HeaderXRateLimitReset    = "X-RateLimit-Reset"
	ContentTypeJSON          = "application/json"
	errInternalServerError   = `{"error":"internal server error"}`
	errRequestEntityTooLarge = `{"error":"request entity too large"}`
)
