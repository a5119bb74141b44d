package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by Registry implementations.
var (
	// ErrRegistryUnavailable is returned when the backing store cannot be reached.
	ErrRegistryUnavailable = errors.New("service registry unavailable")

	// ErrInstanceNotFound is returned when an instance ID is unknown or its record expired.
	ErrInstanceNotFound = errors.New("service instance not found")

	// ErrInvalidInstance is returned when registration data is malformed.
	ErrInvalidInstance = errors.New("invalid service instance")
)

// instanceNamespace scopes the deterministic instance IDs.
var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:emsgw:service-instance"))

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ServiceInstance is one network endpoint serving a logical service.
type ServiceInstance struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Address returns host:port.
func (i ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// URL returns the plain HTTP URL for path on this instance.
func (i ServiceInstance) URL(path string) string {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return "http://" + i.Address() + path
}

// Registry is the shared catalog of service instances.
//
// Register is idempotent: the same (service, host, port) always yields the
// same ID, and registering again refreshes the heartbeat. Records that miss
// their liveness window disappear from every listing.
type Registry interface {
	Register(ctx context.Context, service, host string, port int) (string, error)
	Deregister(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
	MarkHealthy(ctx context.Context, id string) error
	MarkUnhealthy(ctx context.Context, id string) error
	ListHealthy(ctx context.Context, service string) ([]ServiceInstance, error)
	ListAll(ctx context.Context, service string) ([]ServiceInstance, error)
	Services(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// InstanceID returns the deterministic ID for an endpoint of service.
func InstanceID(service, host string, port int) string {
	name := service + "/" + net.JoinHostPort(host, strconv.Itoa(port))
	return uuid.NewSHA1(instanceNamespace, []byte(name)).String()
}

// ValidateInstance checks registration data.
func ValidateInstance(service, host string, port int) error {
	switch {
	case !serviceNamePattern.MatchString(service):
		return fmt.Errorf("%w: service name %q must match %s", ErrInvalidInstance, service, serviceNamePattern)
	case host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidInstance)
	case port < 1 || port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInstance, port)
	}
	return nil
}

func healthyOnly(instances []ServiceInstance) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out
}

func sortByID(instances []ServiceInstance) {
	sort.Slice(instances, func(a, b int) bool {
		return instances[a].ID < instances[b].ID
	})
}
