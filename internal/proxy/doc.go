// Package proxy forwards requests to a chosen backend instance.
//
// Forwarder performs one buffered HTTP exchange: hop-by-hop headers are
// removed in both directions and X-Forwarded-* headers are set. Retries,
// circuit breaking and instance selection belong to the caller:
//
//	fwd := proxy.NewForwarder(pool.Client(), proxy.WithForwarderLogger(logger))
//	resp, err := fwd.Forward(ctx, "analytics", inst, req)
//
// WebSocketProxy dials a backend WebSocket and relays messages between it
// and the upgraded client connection.
package proxy
