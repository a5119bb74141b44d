package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

// ErrWebSocketDisabled is returned when no dialer is configured.
var ErrWebSocketDisabled = errors.New("websocket passthrough is disabled")

// WebSocketDialer opens the backend side of a WebSocket connection.
type WebSocketDialer interface {
	Dial(ctx context.Context, inst registry.ServiceInstance, r *http.Request, path string) (*websocket.Conn, *http.Response, error)
}

// WebSocketSession is an open backend WebSocket connection.
type WebSocketSession struct {
	Conn     *websocket.Conn
	Response *http.Response
	Instance registry.ServiceInstance
}

// DialWebSocket opens a backend connection for a WebSocket upgrade of
// service. The dial is a single attempt guarded by the service breaker;
// the relay that follows is not, since a long lived stream ending says
// nothing about the backend.
func (r *Router) DialWebSocket(ctx context.Context, service string, req *http.Request, path string) (*WebSocketSession, error) {
	policy, ok := r.lookup(service)
	if !ok {
		return nil, r.fail(ctx, noop.Span{}, &RouteError{Kind: KindUnknownService, Service: service, Cause: ErrUnknownService})
	}
	if r.dialer == nil {
		return nil, r.fail(ctx, noop.Span{}, &RouteError{Kind: KindTransport, Service: service, Cause: ErrWebSocketDisabled})
	}

	ctx, span := r.startSpan(ctx, "gateway.websocket.dial")
	defer span.End()

	inst, err := r.balancer.Pick(ctx, service)
	if err != nil {
		return nil, r.fail(ctx, span, &RouteError{Kind: classify(err), Service: service, Cause: err})
	}

	breaker := r.breakers.GetOrCreateWithConfig(service, policy.breaker)
	ticket, ok := breaker.Allow()
	if !ok {
		return nil, r.fail(ctx, span, &RouteError{
			Kind:       KindCircuitOpen,
			Service:    service,
			RetryAfter: breaker.RetryAfter(),
			Cause:      &retry.CircuitOpenError{Service: service, Attempt: 1, RetryAfter: breaker.RetryAfter()},
		})
	}

	dialCtx := ctx
	if policy.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, policy.timeout)
		defer cancel()
	}

	conn, resp, err := r.dialer.Dial(dialCtx, inst, req, path)
	if err == nil {
		breaker.RecordSuccess(ticket)
		r.logger.WithContext(ctx).Debug("websocket backend connected",
			observability.String("service", service),
			observability.String("instance", inst.ID),
		)
		return &WebSocketSession{Conn: conn, Response: resp, Instance: inst}, nil
	}

	routeErr := &RouteError{Service: service, Instance: inst.ID, Attempts: 1, Cause: err}
	switch {
	case ctx.Err() != nil:
		breaker.Abandon(ticket)
		routeErr.Kind = classify(ctx.Err())
	case resp != nil && resp.StatusCode < http.StatusInternalServerError:
		// The backend answered and refused the upgrade.
		breaker.RecordSuccess(ticket)
		routeErr.Kind = KindTransport
		routeErr.Cause = &UpstreamStatusError{Service: service, Instance: inst.ID, StatusCode: resp.StatusCode}
	default:
		breaker.RecordFailure(ticket)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			routeErr.Kind = KindTimeout
		} else {
			routeErr.Kind = KindTransport
		}
	}
	return nil, r.fail(ctx, span, routeErr)
}
