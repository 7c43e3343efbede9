package capability

import (
	"context"
	"testing"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProtocol struct {
	desc Descriptor
}

func (p stubProtocol) Descriptor() Descriptor { return p.desc }

func (p stubProtocol) Dial(context.Context, castkit.ServiceDescription, string) (castkit.Transport, error) {
	return nil, nil
}

func device(pids ...castkit.ProtocolId) castkit.DiscoveredDevice {
	dev := castkit.DiscoveredDevice{DeviceId: "dev", Services: map[castkit.ProtocolId]castkit.ServiceDescription{}}
	for i, pid := range pids {
		dev.Services[pid] = castkit.NewServiceDescription(pid, castkit.TransportAddress{Host: "10.0.0.1", Port: 1000 + i}, "", nil)
	}
	return dev
}

func newTestRegistry(t *testing.T, descs ...Descriptor) *Registry {
	t.Helper()

	r := NewRegistry()
	for _, desc := range descs {
		require.NoError(t, r.Register(stubProtocol{desc}))
	}
	return r
}

func TestRegistry_ResolveVendorBeforeGeneric(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "upnp", Class: ClassGeneric, Priority: 100, Capabilities: []string{castkit.CapabilityVolumeSet}},
		Descriptor{ID: "ssap", Class: ClassVendor, Capabilities: []string{castkit.CapabilityVolumeSet}},
	)

	p, err := r.Resolve(device("upnp", "ssap"), castkit.CapabilityVolumeSet, "")
	require.NoError(t, err)
	assert.Equal(t, castkit.ProtocolId("ssap"), p.Descriptor().ID)
}

func TestRegistry_ResolvePriorityThenConnected(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "a", Class: ClassVendor, Priority: 1, Capabilities: []string{castkit.CapabilityMediaPlay}},
		Descriptor{ID: "b", Class: ClassVendor, Priority: 1, Capabilities: []string{castkit.CapabilityMediaPlay}},
		Descriptor{ID: "c", Class: ClassVendor, Priority: 0, Capabilities: []string{castkit.CapabilityMediaPlay}},
	)
	dev := device("a", "b", "c")

	p, err := r.Resolve(dev, castkit.CapabilityMediaPlay, "")
	require.NoError(t, err)
	assert.Equal(t, castkit.ProtocolId("a"), p.Descriptor().ID)

	p, err = r.Resolve(dev, castkit.CapabilityMediaPlay, "b")
	require.NoError(t, err)
	assert.Equal(t, castkit.ProtocolId("b"), p.Descriptor().ID)

	// the connected protocol only breaks ties
	p, err = r.Resolve(dev, castkit.CapabilityMediaPlay, "c")
	require.NoError(t, err)
	assert.Equal(t, castkit.ProtocolId("a"), p.Descriptor().ID)
}

func TestRegistry_ResolveDeterministic(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "z", Capabilities: []string{castkit.CapabilityMediaStop}},
		Descriptor{ID: "m", Capabilities: []string{castkit.CapabilityMediaStop}},
		Descriptor{ID: "k", Capabilities: []string{castkit.CapabilityMediaStop}},
	)
	dev := device("z", "m", "k")

	for i := 0; i < 50; i++ {
		p, err := r.Resolve(dev, castkit.CapabilityMediaStop, "")
		require.NoError(t, err)
		assert.Equal(t, castkit.ProtocolId("k"), p.Descriptor().ID)
	}
}

func TestRegistry_ResolveNotSupported(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "x", Capabilities: []string{castkit.CapabilityMediaPlay}},
		Descriptor{ID: "y", Capabilities: []string{castkit.CapabilityVolumeSet}},
	)

	_, err := r.Resolve(device("x"), castkit.CapabilityVolumeSet, "")
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)

	_, err = r.Resolve(device("x"), "does.not.exist", "")
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)

	// protocols the device does not answer to are ignored
	_, err = r.Resolve(device("x", "unregistered"), castkit.CapabilityVolumeSet, "")
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)
}

func TestRegistry_DefineComposite(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "x", Capabilities: []string{castkit.CapabilityMediaPause, castkit.CapabilityMediaResume}},
		Descriptor{ID: "y", Capabilities: []string{castkit.CapabilityMediaPause}},
	)
	require.NoError(t, r.Define(castkit.Capability{
		Name:     "media.toggle",
		Requires: []string{castkit.CapabilityMediaPause, castkit.CapabilityMediaResume},
	}))

	p, err := r.Resolve(device("x", "y"), "media.toggle", "y")
	require.NoError(t, err)
	assert.Equal(t, castkit.ProtocolId("x"), p.Descriptor().ID)

	assert.Error(t, r.Define(castkit.Capability{}))
}

func TestRegistry_Capabilities(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "x", Capabilities: []string{castkit.CapabilityVolumeSet, castkit.CapabilityMediaPlay}},
	)

	assert.Equal(t, []string{castkit.CapabilityMediaPlay, castkit.CapabilityVolumeSet}, r.Capabilities(device("x")))
	assert.True(t, r.Supports(device("x"), castkit.CapabilityVolumeSet))
	assert.False(t, r.Supports(device("x"), castkit.CapabilityPowerOff))
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, Descriptor{ID: "x"})
	assert.Error(t, r.Register(stubProtocol{Descriptor{ID: "x"}}))
	assert.Error(t, r.Register(stubProtocol{Descriptor{}}))
}

func TestRegistry_Matches(t *testing.T) {
	r := newTestRegistry(t,
		Descriptor{ID: "upnp", Class: ClassGeneric, Capabilities: []string{castkit.CapabilityMediaPlay, castkit.CapabilityVolumeSet}},
		Descriptor{ID: "ssap", Class: ClassVendor, Capabilities: []string{castkit.CapabilityAppLaunch}},
	)

	filters := []Filter{
		{castkit.CapabilityMediaPlay, castkit.CapabilityAppLaunch},
		{castkit.CapabilityPowerOff},
	}

	// capabilities of a filter may come from different protocols
	assert.True(t, r.Matches(device("upnp", "ssap"), filters))
	assert.False(t, r.Matches(device("upnp"), filters))
	assert.True(t, r.Matches(device("upnp"), []Filter{{castkit.CapabilityVolumeSet}, {castkit.CapabilityPowerOff}}))
	assert.True(t, r.Matches(device(), nil))
}
