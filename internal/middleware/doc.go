// Package middleware provides the net/http middleware wrapped around the
// gateway engine.
//
// # Middleware Components
//
//   - Recovery: panic recovery with stack trace logging
//   - RequestID: X-Request-ID propagation
//   - Logging: structured access log
//   - ProcessTime: X-Process-Time response header
//   - CORS: Cross-Origin Resource Sharing headers
//   - RateLimit: per-client request quota
//   - BodyLimit: request body size limiting
//
// # Usage
//
//	handler := middleware.Recovery(logger)(
//	    middleware.RequestID()(
//	        middleware.Logging(logger)(engine),
//	    ),
//	)
package middleware
