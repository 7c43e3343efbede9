package zeroconf

import (
	"context"

	"github.com/grandcat/zeroconf"
)

// ServiceBrowser looks up service instances via mDNS.
type ServiceBrowser interface {
	// Browse sends the instances found on entries until ctx is done.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ServiceRegistrar handles mDNS service registration.
// Implementations can use different backends like built-in mDNS or avahi-daemon.
type ServiceRegistrar interface {
	// Register publishes the service via mDNS.
	// name: service instance name (e.g., "go-castkit")
	// serviceType: service type (e.g., "_castkit._tcp")
	// domain: domain to register in (e.g., "local.")
	// port: TCP port the service is listening on
	// txt: TXT record key=value pairs
	Register(name, serviceType, domain string, port int, txt []string) error

	// Shutdown stops advertising the service and releases resources.
	Shutdown()
}

// NewRegistrar returns the registrar for the named backend, "builtin" or
// "avahi".
func NewRegistrar(backend string) (ServiceRegistrar, error) {
	switch backend {
	case "", "builtin":
		return NewBuiltinRegistrar(nil), nil
	case "avahi":
		return NewAvahiRegistrar()
	default:
		return nil, &UnknownBackendError{Backend: backend}
	}
}

type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return "unknown zeroconf backend: " + e.Backend
}
