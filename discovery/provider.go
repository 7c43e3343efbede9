package discovery

import (
	"time"

	castkit "github.com/devgianlu/go-castkit"
)

// Provider searches the network for devices answering to a single protocol.
//
// Search must return promptly: it opens the network resources and starts the
// background search. A non-nil error means the provider could not start. The
// returned channel receives at most one error if the search loop fails after
// starting and is closed once the search has stopped. Sends on sink must be
// abandoned when StopSearch is called.
type Provider interface {
	ID() castkit.ProtocolId
	Search(sink chan<- Sighting) (<-chan error, error)
	StopSearch()
	SupportedCapabilities() []string
	RefreshInterval() time.Duration
}

// Builder turns a protocol specific payload into a ServiceDescription.
type Builder[R any] interface {
	BuildServiceDescription(raw R) (castkit.ServiceDescription, error)
}

// Hinter is implemented by providers that can probe known addresses directly.
type Hinter interface {
	Hint(addrs []castkit.TransportAddress)
}

// Sighting is a single observation of a device by a provider.
type Sighting struct {
	ProtocolId   castkit.ProtocolId
	CandidateKey string
	Service      castkit.ServiceDescription
	FriendlyName string

	// Lost is set when the device announced it is leaving the network.
	Lost bool
}

func NewSighting(svc castkit.ServiceDescription, friendlyName string) Sighting {
	return Sighting{
		ProtocolId:   svc.ProtocolId(),
		CandidateKey: svc.Key(),
		Service:      svc,
		FriendlyName: friendlyName,
	}
}

func NewLostSighting(svc castkit.ServiceDescription) Sighting {
	s := NewSighting(svc, "")
	s.Lost = true
	return s
}

type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered to device listeners, Device is a snapshot taken when the
// event was produced. Removed events carry the last known device value.
type Event struct {
	Type   EventType
	Device castkit.DiscoveredDevice
}

type ProviderState int

const (
	ProviderIdle ProviderState = iota
	ProviderActive
	ProviderRestarting
	ProviderDegraded
)

func (s ProviderState) String() string {
	switch s {
	case ProviderIdle:
		return "idle"
	case ProviderActive:
		return "active"
	case ProviderRestarting:
		return "restarting"
	case ProviderDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
