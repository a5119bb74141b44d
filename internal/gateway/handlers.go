package gateway

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/emsgw/internal/backend"
	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/health"
	"github.com/vyrodovalexey/emsgw/internal/middleware"
	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/proxy"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

// InstanceStates exposes the prober's view of an instance.
type InstanceStates interface {
	InstanceState(id string) (backend.InstanceHealth, bool)
}

// WebSocketServer relays an upgraded client connection to the backend.
type WebSocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, service string, backendConn *websocket.Conn, resp *http.Response) error
}

// ErrorResponse is the body of every error the gateway produces itself.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Service    string `json:"service,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Handler is the inbound HTTP surface of the gateway.
type Handler struct {
	router    *Router
	registry  registry.Registry
	states    InstanceStates
	ws        WebSocketServer
	readiness *health.Checker
	logger    observability.Logger
	prefix    string
}

// HandlerOption is a functional option for configuring the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithInstanceStates adds probe results to the instance listing.
func WithInstanceStates(states InstanceStates) HandlerOption {
	return func(h *Handler) {
		h.states = states
	}
}

// WithWebSocketServer enables WebSocket passthrough.
func WithWebSocketServer(ws WebSocketServer) HandlerOption {
	return func(h *Handler) {
		h.ws = ws
	}
}

// WithReadiness registers the liveness and readiness probes.
func WithReadiness(checker *health.Checker) HandlerOption {
	return func(h *Handler) {
		h.readiness = checker
	}
}

// WithAPIPrefix sets the prefix of proxied routes.
func WithAPIPrefix(prefix string) HandlerOption {
	return func(h *Handler) {
		h.prefix = strings.TrimRight(prefix, "/")
	}
}

// NewHandler creates the inbound surface.
func NewHandler(router *Router, reg registry.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		router:   router,
		registry: reg,
		logger:   observability.NopLogger(),
		prefix:   config.DefaultAPIPrefix,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Engine returns a gin engine serving every gateway route.
func (h *Handler) Engine() *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	h.Register(engine)
	return engine
}

// Register adds the gateway routes to engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.Any(h.prefix+"/:service", h.proxy)
	engine.Any(h.prefix+"/:service/*path", h.proxy)

	engine.GET("/health", h.health)
	engine.GET("/services", h.services)
	engine.GET("/services/:name/instances", h.instances)

	admin := engine.Group("/registry/instances")
	admin.POST("", h.register)
	admin.PUT("/:id/heartbeat", h.heartbeat)
	admin.DELETE("/:id", h.deregister)

	if h.readiness != nil {
		h.readiness.RegisterRoutes(engine)
	}
}

// ServiceFromPath returns the service a request path targets, or "".
func (h *Handler) ServiceFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, h.prefix+"/")
	if !ok {
		return ""
	}
	service, _, _ := strings.Cut(rest, "/")
	if !h.router.HasService(service) {
		return ""
	}
	return service
}

func (h *Handler) proxy(c *gin.Context) {
	service := c.Param("service")
	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	if websocket.IsWebSocketUpgrade(c.Request) {
		h.websocket(c, service, path)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, middleware.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeError(c, status, ErrorResponse{Error: http.StatusText(status), Service: service})
		return
	}

	result, err := h.router.Route(c.Request.Context(), RouteRequest{
		Service: service,
		Request: proxy.NewRequest(c.Request, path, body),
	})
	if err != nil {
		h.writeRouteError(c, err)
		return
	}

	header := c.Writer.Header()
	for k, vv := range result.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Del("Content-Length")
	c.Data(result.StatusCode, result.Header.Get("Content-Type"), result.Body)
}

func (h *Handler) websocket(c *gin.Context, service, path string) {
	if h.ws == nil {
		h.writeError(c, http.StatusNotImplemented, ErrorResponse{Error: ErrWebSocketDisabled.Error(), Service: service})
		return
	}

	session, err := h.router.DialWebSocket(c.Request.Context(), service, c.Request, path)
	if err != nil {
		var upstream *UpstreamStatusError
		if errors.As(err, &upstream) {
			c.AbortWithStatus(upstream.StatusCode)
			return
		}
		h.writeRouteError(c, err)
		return
	}

	if err := h.ws.Serve(c.Writer, c.Request, service, session.Conn, session.Response); err != nil {
		h.logger.WithContext(c.Request.Context()).Warn("websocket relay ended with error",
			observability.String("service", service),
			observability.String("instance", session.Instance.ID),
			observability.Error(err),
		)
	}
	c.Abort()
}

func (h *Handler) writeRouteError(c *gin.Context, err error) {
	var routeErr *RouteError
	if !errors.As(err, &routeErr) {
		routeErr = &RouteError{Kind: classify(err), Cause: err}
	}

	resp := ErrorResponse{
		Error:   routeErr.Message(),
		Kind:    string(routeErr.Kind),
		Service: routeErr.Service,
	}
	if routeErr.Kind == KindCircuitOpen && routeErr.RetryAfter > 0 {
		resp.RetryAfter = retryAfterSeconds(routeErr.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	h.writeError(c, routeErr.StatusCode(), resp)
}

func (h *Handler) writeError(c *gin.Context, status int, resp ErrorResponse) {
	resp.RequestID = observability.RequestIDFromContext(c.Request.Context())
	c.AbortWithStatusJSON(status, resp)
}

// healthView is the body of GET /health.
type healthView struct {
	Gateway       string                   `json:"gateway"`
	OverallStatus string                   `json:"overall_status"`
	Services      map[string]ServiceStatus `json:"services"`
	Timestamp     time.Time                `json:"timestamp"`
}

func (h *Handler) health(c *gin.Context) {
	report := h.router.Status(c.Request.Context())

	services := make(map[string]ServiceStatus, len(report.Services))
	for _, svc := range report.Services {
		services[svc.Name] = svc
	}

	// The gateway itself answers, so this is never a failure status.
	c.JSON(http.StatusOK, healthView{
		Gateway:       report.Gateway,
		OverallStatus: report.OverallStatus,
		Services:      services,
		Timestamp:     report.Timestamp,
	})
}

func (h *Handler) services(c *gin.Context) {
	report := h.router.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"services": report.Services})
}

// instanceView is one entry of GET /services/:name/instances.
type instanceView struct {
	registry.ServiceInstance
	LastCheck         *backend.HealthCheckResult `json:"last_check,omitempty"`
	ConsecutiveMisses int                        `json:"consecutive_misses"`
}

func (h *Handler) instances(c *gin.Context) {
	name := c.Param("name")
	instances, err := h.router.Instances(c.Request.Context(), name)
	if err != nil {
		h.writeRegistryError(c, err)
		return
	}

	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		view := instanceView{ServiceInstance: inst}
		if h.states != nil {
			if st, ok := h.states.InstanceState(inst.ID); ok {
				result := st.LastResult
				view.LastCheck = &result
				view.ConsecutiveMisses = st.ConsecutiveMisses
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"service": name, "instances": views})
}

// registerRequest is the body of POST /registry/instances.
type registerRequest struct {
	Service string `json:"service" binding:"required"`
	Host    string `json:"host" binding:"required"`
	Port    int    `json:"port" binding:"required,min=1,max=65535"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	id, err := h.registry.Register(c.Request.Context(), req.Service, req.Host, req.Port)
	if err != nil {
		h.writeRegistryError(c, err)
		return
	}

	h.logger.WithContext(c.Request.Context()).Info("instance registered over http",
		observability.String("service", req.Service),
		observability.String("instance", id),
		observability.String("address", req.Host+":"+strconv.Itoa(req.Port)),
	)
	c.JSON(http.StatusCreated, gin.H{"id": id, "service": req.Service, "host": req.Host, "port": req.Port})
}

func (h *Handler) heartbeat(c *gin.Context) {
	if err := h.registry.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deregister(c *gin.Context) {
	if err := h.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeRegistryError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrInvalidInstance):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrRegistryUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error("registry request failed", observability.Error(err))
	}
	h.writeError(c, status, ErrorResponse{Error: err.Error()})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
