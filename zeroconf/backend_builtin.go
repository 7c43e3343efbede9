package zeroconf

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
)

// BuiltinBrowser implements ServiceBrowser using the pure-Go resolver of
// grandcat/zeroconf.
type BuiltinBrowser struct {
	ifaces []net.Interface
}

// NewBuiltinBrowser creates a browser querying the given interfaces, all of
// them if ifaces is empty.
func NewBuiltinBrowser(ifaces []net.Interface) *BuiltinBrowser {
	return &BuiltinBrowser{ifaces: ifaces}
}

func (b *BuiltinBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var opts []zeroconf.ClientOption
	if len(b.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(b.ifaces))
	}

	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return fmt.Errorf("failed creating mDNS resolver: %w", err)
	}

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("failed browsing %s: %w", service, err)
	}

	return nil
}

// BuiltinRegistrar implements ServiceRegistrar using the grandcat/zeroconf library,
// which provides a pure-Go mDNS responder.
type BuiltinRegistrar struct {
	server *zeroconf.Server
	ifaces []net.Interface
}

// NewBuiltinRegistrar creates a new built-in mDNS service registrar.
// If ifaces is empty, the service will be advertised on all interfaces.
func NewBuiltinRegistrar(ifaces []net.Interface) *BuiltinRegistrar {
	return &BuiltinRegistrar{ifaces: ifaces}
}

func (b *BuiltinRegistrar) Register(name, serviceType, domain string, port int, txt []string) error {
	var err error
	b.server, err = zeroconf.Register(name, serviceType, domain, port, txt, b.ifaces)
	return err
}

func (b *BuiltinRegistrar) Shutdown() {
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}
