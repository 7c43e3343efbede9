package zeroconf

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	avahiBusName    = "org.freedesktop.Avahi"
	avahiRootPath   = "/"
	avahiServer     = "org.freedesktop.Avahi.Server"
	avahiEntryGroup = "org.freedesktop.Avahi.EntryGroup"

	// AVAHI_IF_UNSPEC and AVAHI_PROTO_UNSPEC
	avahiAnyInterface = int32(-1)
	avahiAnyProtocol  = int32(-1)
)

// AvahiRegistrar publishes services through a running avahi-daemon, sharing
// the host mDNS responder instead of starting a second one.
type AvahiRegistrar struct {
	bus   *dbus.Conn
	group dbus.BusObject
	host  string
}

func NewAvahiRegistrar() (*AvahiRegistrar, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed connecting to system bus: %w", err)
	}

	var host string
	if err := bus.Object(avahiBusName, avahiRootPath).Call(avahiServer+".GetHostName", 0).Store(&host); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("avahi-daemon not available: %w", err)
	}

	return &AvahiRegistrar{bus: bus, host: host}, nil
}

// HostName is the name avahi publishes records under.
func (a *AvahiRegistrar) HostName() string {
	return a.host
}

func (a *AvahiRegistrar) Register(name, serviceType, domain string, port int, txt []string) error {
	var path dbus.ObjectPath
	if err := a.bus.Object(avahiBusName, avahiRootPath).Call(avahiServer+".EntryGroupNew", 0).Store(&path); err != nil {
		return fmt.Errorf("failed creating avahi entry group: %w", err)
	}

	a.group = a.bus.Object(avahiBusName, path)

	records := make([][]byte, 0, len(txt))
	for _, t := range txt {
		records = append(records, []byte(t))
	}

	// AddService(iiussssqaay), empty host means the local hostname
	if err := a.group.Call(avahiEntryGroup+".AddService", 0,
		avahiAnyInterface, avahiAnyProtocol, uint32(0),
		name, serviceType, domain, "", uint16(port), records,
	).Err; err != nil {
		return fmt.Errorf("failed adding avahi service: %w", err)
	}

	if err := a.group.Call(avahiEntryGroup+".Commit", 0).Err; err != nil {
		return fmt.Errorf("failed committing avahi entry group: %w", err)
	}

	return nil
}

func (a *AvahiRegistrar) Shutdown() {
	if a.group != nil {
		_ = a.group.Call(avahiEntryGroup+".Free", 0).Err
		a.group = nil
	}

	if a.bus != nil {
		_ = a.bus.Close()
		a.bus = nil
	}
}
