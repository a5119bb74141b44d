package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

const defaultHandshakeTimeout = 10 * time.Second

// WebSocketProxy relays WebSocket connections to backend instances at the
// message level.
type WebSocketProxy struct {
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	logger   observability.Logger
}

// WebSocketOption configures a WebSocketProxy.
type WebSocketOption func(*WebSocketProxy)

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(logger observability.Logger) WebSocketOption {
	return func(p *WebSocketProxy) { p.logger = logger }
}

// WithHandshakeTimeout bounds the backend handshake.
func WithHandshakeTimeout(d time.Duration) WebSocketOption {
	return func(p *WebSocketProxy) {
		if d > 0 {
			p.dialer.HandshakeTimeout = d
		}
	}
}

// NewWebSocketProxy creates a WebSocket proxy.
func NewWebSocketProxy(opts ...WebSocketOption) *WebSocketProxy {
	p := &WebSocketProxy{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			// Origin is validated by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial opens the backend side of a proxied connection. When the backend
// refuses the handshake the returned response carries its status.
func (p *WebSocketProxy) Dial(
	ctx context.Context,
	inst registry.ServiceInstance,
	r *http.Request,
	path string,
) (*websocket.Conn, *http.Response, error) {
	backendURL := "ws://" + inst.Address() + path
	if r.URL.RawQuery != "" {
		backendURL += "?" + r.URL.RawQuery
	}

	conn, resp, err := p.dialer.DialContext(ctx, backendURL, buildRequestHeaders(r))
	if err != nil && resp != nil {
		// The handshake response body is not needed.
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Serve upgrades the client connection and relays messages until either
// side closes. backendConn is closed on return.
func (p *WebSocketProxy) Serve(
	w http.ResponseWriter,
	r *http.Request,
	service string,
	backendConn *websocket.Conn,
	resp *http.Response,
) error {
	defer backendConn.Close()

	clientConn, err := p.upgrader.Upgrade(w, r, buildResponseHeaders(resp))
	if err != nil {
		websocketConnectionsTotal.WithLabelValues(service, "upgrade_failed").Inc()
		return err
	}
	defer clientConn.Close()

	websocketConnectionsTotal.WithLabelValues(service, "established").Inc()
	websocketConnectionsActive.WithLabelValues(service).Inc()
	start := time.Now()
	defer func() {
		websocketConnectionsActive.WithLabelValues(service).Dec()
		websocketConnectionDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}()

	sent, received, relayErr := relay(clientConn, backendConn)
	websocketMessagesTotal.WithLabelValues(service, directionToClient).Add(float64(sent))
	websocketMessagesTotal.WithLabelValues(service, directionToBackend).Add(float64(received))

	p.logger.WithContext(r.Context()).Debug("websocket connection closed",
		observability.String("service", service),
		observability.Int64("sent", sent),
		observability.Int64("received", received),
		observability.Duration("duration", time.Since(start)),
	)

	if relayErr != nil && !isNormalClose(relayErr) {
		return relayErr
	}
	return nil
}

// relay copies messages between the two connections until one direction
// fails, then closes both and waits for the other direction.
func relay(clientConn, backendConn *websocket.Conn) (sent, received int64, err error) {
	var sentCount, receivedCount atomic.Int64
	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	copyMessages := func(dst, src *websocket.Conn, counter *atomic.Int64) {
		defer wg.Done()
		for {
			msgType, msg, readErr := src.ReadMessage()
			if readErr != nil {
				code := websocket.CloseNormalClosure
				var closeErr *websocket.CloseError
				if errors.As(readErr, &closeErr) {
					code = closeErr.Code
				}
				_ = dst.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""),
					time.Now().Add(time.Second),
				)
				errCh <- readErr
				return
			}
			counter.Add(1)
			if writeErr := dst.WriteMessage(msgType, msg); writeErr != nil {
				errCh <- writeErr
				return
			}
		}
	}

	wg.Add(2)
	go copyMessages(clientConn, backendConn, &sentCount)
	go copyMessages(backendConn, clientConn, &receivedCount)

	err = <-errCh
	_ = clientConn.Close()
	_ = backendConn.Close()
	wg.Wait()

	return sentCount.Load(), receivedCount.Load(), err
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// buildRequestHeaders builds headers to forward to the backend,
// excluding WebSocket and hop-by-hop headers that gorilla handles.
func buildRequestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"host", "keep-alive", "te", "trailer", "transfer-encoding":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	if requestID := observability.RequestIDFromContext(r.Context()); requestID != "" {
		header.Set("X-Request-ID", requestID)
	}
	return header
}

// buildResponseHeaders extracts headers from the backend response to forward to client,
// excluding WebSocket protocol headers that gorilla manages.
func buildResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept", "sec-websocket-extensions":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
