package capability

import (
	"fmt"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"golang.org/x/exp/slices"
)

// Registry maps abstract capabilities onto the protocols able to fulfil them.
type Registry struct {
	lock         sync.RWMutex
	capabilities map[string]castkit.Capability
	protocols    map[castkit.ProtocolId]Protocol
}

func NewRegistry() *Registry {
	r := &Registry{
		capabilities: map[string]castkit.Capability{},
		protocols:    map[castkit.ProtocolId]Protocol{},
	}

	for _, name := range castkit.BuiltinCapabilities {
		r.capabilities[name] = castkit.Capability{Name: name, Requires: []string{name}}
	}

	return r
}

// Define adds or replaces a capability definition.
func (r *Registry) Define(c castkit.Capability) error {
	if len(c.Name) == 0 {
		return fmt.Errorf("empty capability name: %w", castkit.ErrInvalidArgument)
	}
	if len(c.Requires) == 0 {
		c.Requires = []string{c.Name}
	}

	r.lock.Lock()
	r.capabilities[c.Name] = c
	r.lock.Unlock()
	return nil
}

func (r *Registry) Register(p Protocol) error {
	desc := p.Descriptor()
	if len(desc.ID) == 0 {
		return fmt.Errorf("empty protocol id: %w", castkit.ErrInvalidArgument)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.protocols[desc.ID]; ok {
		return fmt.Errorf("protocol %s already registered", desc.ID)
	}

	r.protocols[desc.ID] = p
	return nil
}

func (r *Registry) Protocol(id castkit.ProtocolId) (Protocol, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	p, ok := r.protocols[id]
	return p, ok
}

// Candidates returns the registered protocols of the device able to fulfil
// the capability, most preferred first.
func (r *Registry) Candidates(dev castkit.DiscoveredDevice, name string, connected castkit.ProtocolId) []Protocol {
	r.lock.RLock()
	defer r.lock.RUnlock()

	c, ok := r.capabilities[name]
	if !ok {
		return nil
	}

	var candidates []Protocol
	for _, pid := range dev.ProtocolIds() {
		p, ok := r.protocols[pid]
		if !ok {
			continue
		}

		declared := p.Descriptor().Capabilities
		if !containsAll(declared, c.Requires) {
			continue
		}

		candidates = append(candidates, p)
	}

	rank(candidates, connected)
	return candidates
}

// Protocols returns the registered protocols the device answers to, most
// preferred first.
func (r *Registry) Protocols(dev castkit.DiscoveredDevice) []Protocol {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var protocols []Protocol
	for _, pid := range dev.ProtocolIds() {
		if p, ok := r.protocols[pid]; ok {
			protocols = append(protocols, p)
		}
	}

	rank(protocols, "")
	return protocols
}

func rank(protocols []Protocol, connected castkit.ProtocolId) {
	slices.SortStableFunc(protocols, func(a, b Protocol) int {
		da, db := a.Descriptor(), b.Descriptor()
		switch {
		case da.Class != db.Class:
			return int(db.Class) - int(da.Class)
		case da.Priority != db.Priority:
			return db.Priority - da.Priority
		case da.ID == connected:
			return -1
		case db.ID == connected:
			return 1
		case da.ID < db.ID:
			return -1
		case da.ID > db.ID:
			return 1
		default:
			return 0
		}
	})
}

// Resolve picks the protocol used to run the capability on the device. When
// more than one protocol qualifies, vendor protocols win over generic ones,
// then higher priority wins, then the protocol of the connected session.
func (r *Registry) Resolve(dev castkit.DiscoveredDevice, name string, connected castkit.ProtocolId) (Protocol, error) {
	candidates := r.Candidates(dev, name, connected)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no protocol of %s supports %s: %w", dev.DeviceId, name, castkit.ErrCapabilityNotSupported)
	}

	return candidates[0], nil
}

func (r *Registry) Supports(dev castkit.DiscoveredDevice, name string) bool {
	return len(r.Candidates(dev, name, "")) > 0
}

// Filter matches the devices able to fulfil every capability in it.
type Filter []string

// Matches reports whether the device satisfies at least one of the filters.
// Every device matches when there are no filters.
func (r *Registry) Matches(dev castkit.DiscoveredDevice, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}

	for _, f := range filters {
		if r.satisfies(dev, f) {
			return true
		}
	}

	return false
}

func (r *Registry) satisfies(dev castkit.DiscoveredDevice, f Filter) bool {
	for _, name := range f {
		if !r.Supports(dev, name) {
			return false
		}
	}

	return true
}

// Capabilities returns every defined capability the device can fulfil, sorted.
func (r *Registry) Capabilities(dev castkit.DiscoveredDevice) []string {
	r.lock.RLock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	r.lock.RUnlock()

	slices.Sort(names)

	var out []string
	for _, name := range names {
		if r.Supports(dev, name) {
			out = append(out, name)
		}
	}

	return out
}

func containsAll(set []string, required []string) bool {
	for _, req := range required {
		if !slices.Contains(set, req) {
			return false
		}
	}

	return true
}
