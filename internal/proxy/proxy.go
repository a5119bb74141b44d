package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

// DefaultMaxResponseSize bounds a buffered backend response.
const DefaultMaxResponseSize = 32 << 20

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an inbound request with its body already read, so it can be
// sent more than once.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	ClientIP  string
	Host      string
	TLS       bool
	RequestID string
}

// NewRequest captures r for forwarding to path on the backend.
func NewRequest(r *http.Request, path string, body []byte) *Request {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	return &Request{
		Method:    r.Method,
		Path:      path,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header.Clone(),
		Body:      body,
		ClientIP:  clientIP,
		Host:      r.Host,
		TLS:       r.TLS != nil,
		RequestID: observability.RequestIDFromContext(r.Context()),
	}
}

// Response is a backend response read in full.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder sends requests to backend instances.
type Forwarder struct {
	client          *http.Client
	logger          observability.Logger
	maxResponseSize int64
}

// ForwarderOption is a functional option for configuring the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger for the forwarder.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMaxResponseSize bounds the buffered response body.
func WithMaxResponseSize(n int64) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponseSize = n
		}
	}
}

// NewForwarder creates a forwarder sending through client. The client
// must not follow redirects, so they reach the caller unchanged.
func NewForwarder(client *http.Client, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		client:          client,
		logger:          observability.NopLogger(),
		maxResponseSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward performs one exchange with inst. Any HTTP status is a response;
// only transport level failures are errors.
func (f *Forwarder) Forward(ctx context.Context, service string, inst registry.ServiceInstance, req *Request) (*Response, error) {
	start := time.Now()

	target, err := url.Parse(inst.URL(req.Path))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargetURL, err)
	}
	target.RawQuery = req.RawQuery

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargetURL, err)
	}

	out.Header = outboundHeader(req)
	out.Host = inst.Address()
	observability.InjectTraceContext(ctx, out.Header)

	resp, err := f.client.Do(out)
	if err != nil {
		recordUpstream(service, 0, start)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseSize+1))
	if err != nil {
		recordUpstream(service, 0, start)
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if int64(len(data)) > f.maxResponseSize {
		recordUpstream(service, 0, start)
		return nil, ErrResponseTooLarge
	}

	recordUpstream(service, resp.StatusCode, start)
	f.logger.WithContext(ctx).Debug("forwarded request",
		observability.String("service", service),
		observability.String("instance", inst.ID),
		observability.String("method", req.Method),
		observability.String("path", req.Path),
		observability.Int("status", resp.StatusCode),
		observability.Duration("duration", time.Since(start)),
	)

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: data}, nil
}

// outboundHeader copies the inbound headers minus hop-by-hop ones and adds
// the forwarding headers.
func outboundHeader(req *Request) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)
	h.Del("Content-Length")

	if req.ClientIP != "" {
		clientIP := req.ClientIP
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}

	if req.TLS {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	if req.RequestID != "" {
		h.Set("X-Request-ID", req.RequestID)
	}
	return h
}

// removeHopHeaders deletes the standard hop-by-hop headers and any header
// named in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
