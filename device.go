package go_castkit

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ProtocolId names a discovery/control protocol family, e.g. "upnp" or "ssap".
type ProtocolId string

type TransportAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a TransportAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a TransportAddress) IsZero() bool {
	return len(a.Host) == 0 && a.Port == 0
}

// ServiceDescription describes how a device answers to a single protocol.
// Values are immutable once built, the metadata map is never handed out.
type ServiceDescription struct {
	protocolId  ProtocolId
	address     TransportAddress
	serviceUUID string
	metadata    map[string]string
}

func NewServiceDescription(protocolId ProtocolId, address TransportAddress, serviceUUID string, metadata map[string]string) ServiceDescription {
	return ServiceDescription{
		protocolId:  protocolId,
		address:     address,
		serviceUUID: serviceUUID,
		metadata:    maps.Clone(metadata),
	}
}

func (s ServiceDescription) ProtocolId() ProtocolId    { return s.protocolId }
func (s ServiceDescription) Address() TransportAddress { return s.address }
func (s ServiceDescription) ServiceUUID() string       { return s.serviceUUID }

// Meta returns a single metadata value, empty if missing.
func (s ServiceDescription) Meta(key string) string {
	return s.metadata[key]
}

// Metadata returns a copy of the raw protocol metadata.
func (s ServiceDescription) Metadata() map[string]string {
	return maps.Clone(s.metadata)
}

// Key identifies the service by transport address and protocol.
func (s ServiceDescription) Key() string {
	return string(s.protocolId) + "|" + s.address.String()
}

// Equal reports whether two descriptions carry the same data.
func (s ServiceDescription) Equal(o ServiceDescription) bool {
	return s.protocolId == o.protocolId &&
		s.address == o.address &&
		s.serviceUUID == o.serviceUUID &&
		maps.Equal(s.metadata, o.metadata)
}

// DiscoveredDevice is a physical device as seen through one or more protocols.
// Values handed out by the discovery manager are snapshots and are never
// mutated afterwards.
type DiscoveredDevice struct {
	DeviceId     string
	FriendlyName string
	Services     map[ProtocolId]ServiceDescription
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

func (d DiscoveredDevice) Service(id ProtocolId) (ServiceDescription, bool) {
	svc, ok := d.Services[id]
	return svc, ok
}

// ProtocolIds returns the protocols the device answers to, sorted.
func (d DiscoveredDevice) ProtocolIds() []ProtocolId {
	ids := make([]ProtocolId, 0, len(d.Services))
	for id := range d.Services {
		ids = append(ids, id)
	}

	slices.Sort(ids)
	return ids
}

// Clone returns a copy that shares nothing mutable with d.
func (d DiscoveredDevice) Clone() DiscoveredDevice {
	d.Services = maps.Clone(d.Services)
	return d
}

// DeviceIdFor derives the stable device id assigned at creation time.
func DeviceIdFor(svc ServiceDescription) string {
	if len(svc.serviceUUID) > 0 {
		return "uuid:" + svc.serviceUUID
	}

	return string(svc.protocolId) + "@" + svc.address.String()
}
