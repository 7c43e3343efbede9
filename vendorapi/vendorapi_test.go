package vendorapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	method string
	params map[string]any
}

type fakeSDK struct {
	lock    sync.Mutex
	devices []Device
	err     error
	polls   int

	secret    []byte
	token     string
	confirmed []bool

	calls   []call
	results map[string]string
	channel *fakeChannel
}

func (f *fakeSDK) Discover(context.Context) ([]Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.polls++
	return f.devices, f.err
}

func (f *fakeSDK) setDevices(devs ...Device) {
	f.lock.Lock()
	f.devices = devs
	f.lock.Unlock()
}

func (f *fakeSDK) Open(_ context.Context, dev Device, token string) (Channel, error) {
	if token != f.token {
		return nil, castkit.ErrPairingRejected
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	f.channel = &fakeChannel{sdk: f, done: make(chan struct{})}
	return f.channel, nil
}

func (f *fakeSDK) Pair(_ context.Context, _ Device, nonce []byte) (Handshake, error) {
	if len(nonce) != nonceLength {
		return nil, errors.New("bad nonce")
	}
	return &fakeHandshake{sdk: f}, nil
}

type fakeHandshake struct {
	sdk *fakeSDK
}

func (h *fakeHandshake) Secret() []byte      { return h.sdk.secret }
func (h *fakeHandshake) DeviceNonce() []byte { return []byte("device-nonce") }
func (h *fakeHandshake) Close() error        { return nil }

func (h *fakeHandshake) Confirm(_ context.Context, accepted bool) (string, error) {
	h.sdk.lock.Lock()
	h.sdk.confirmed = append(h.sdk.confirmed, accepted)
	h.sdk.lock.Unlock()

	if !accepted {
		return "", nil
	}
	return h.sdk.token, nil
}

type fakeChannel struct {
	sdk  *fakeSDK
	done chan struct{}
	once sync.Once
}

func (c *fakeChannel) Call(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if method == "drop" {
		_ = c.Close()
		return nil, errors.New("connection reset")
	}

	c.sdk.lock.Lock()
	defer c.sdk.lock.Unlock()
	c.sdk.calls = append(c.sdk.calls, call{method, params})
	return json.RawMessage(c.sdk.results[method]), nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func nextSighting(t *testing.T, sink chan discovery.Sighting) discovery.Sighting {
	select {
	case s := <-sink:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no sighting received")
		return discovery.Sighting{}
	}
}

var livingRoom = Device{Id: "tv-1", Name: "Living room", Model: "X90", Host: "10.0.0.5", Port: 7000, Attributes: map[string]string{"fw": "2.1"}}

func TestPollSightings(t *testing.T) {
	sdk := &fakeSDK{devices: []Device{livingRoom}}
	p, err := NewProvider(nil, sdk, ProviderOptions{RefreshInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	sink := make(chan discovery.Sighting)
	_, err = p.Search(sink)
	require.NoError(t, err)
	defer p.StopSearch()

	s := nextSighting(t, sink)
	assert.Equal(t, DefaultProtocolId, s.ProtocolId)
	assert.Equal(t, "Living room", s.FriendlyName)
	assert.Equal(t, "tv-1", s.Service.ServiceUUID())
	assert.Equal(t, "X90", s.Service.Meta(MetaModel))
	assert.Equal(t, "2.1", s.Service.Meta("fw"))

	sdk.setDevices()
	for {
		s = nextSighting(t, sink)
		if s.Lost {
			break
		}
	}
	assert.Equal(t, "tv-1", s.Service.ServiceUUID())
}

func TestPollFailures(t *testing.T) {
	sdk := &fakeSDK{err: errors.New("sdk not initialized")}
	p, err := NewProvider(nil, sdk, ProviderOptions{RefreshInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	errs, err := p.Search(make(chan discovery.Sighting))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, castkit.ErrProviderUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}

	p.StopSearch()

	sdk.lock.Lock()
	assert.Equal(t, maxPollFailures, sdk.polls)
	sdk.lock.Unlock()
}

func TestDeviceRoundTrip(t *testing.T) {
	p, err := NewProvider(nil, &fakeSDK{}, ProviderOptions{})
	require.NoError(t, err)

	svc, err := p.BuildServiceDescription(livingRoom)
	require.NoError(t, err)
	assert.Equal(t, livingRoom, deviceFor(svc))

	_, err = p.BuildServiceDescription(Device{Id: "x"})
	assert.Error(t, err)
}

func newTestProtocol(t *testing.T, sdk *fakeSDK) *Protocol {
	proto, err := NewProtocol(nil, sdk, ProtocolOptions{
		Capabilities:    []string{castkit.CapabilityVolumeGet, castkit.CapabilityVolumeSet, castkit.CapabilityAppList},
		RequiresPairing: true,
		Methods:         map[string]string{castkit.CapabilityVolumeSet: "audio.setLevel"},
	})
	require.NoError(t, err)
	return proto
}

func testService(t *testing.T) castkit.ServiceDescription {
	p, err := NewProvider(nil, &fakeSDK{}, ProviderOptions{})
	require.NoError(t, err)

	svc, err := p.BuildServiceDescription(livingRoom)
	require.NoError(t, err)
	return svc
}

func TestNumericComparisonPairing(t *testing.T) {
	sdk := &fakeSDK{secret: []byte("shared-secret"), token: "tok-1"}
	proto := newTestProtocol(t, sdk)

	desc := proto.Descriptor()
	assert.Equal(t, capability.ClassVendor, desc.Class)
	assert.True(t, desc.RequiresPairing)

	_, err := proto.Dial(context.Background(), testService(t), "")
	assert.ErrorIs(t, err, castkit.ErrPairingRequired)

	ex, err := proto.BeginPairing(context.Background(), testService(t))
	require.NoError(t, err)
	defer ex.Close()

	ch := ex.Challenge()
	assert.Equal(t, capability.ChallengeNumericComparison, ch.Type)
	assert.Len(t, ch.Code, 6)

	token, err := ex.Submit(context.Background(), ch.Code)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	_, err = ex.Submit(context.Background(), ch.Code)
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)
}

func TestNumericComparisonMismatch(t *testing.T) {
	sdk := &fakeSDK{secret: []byte("shared-secret"), token: "tok-1"}
	proto := newTestProtocol(t, sdk)

	ex, err := proto.BeginPairing(context.Background(), testService(t))
	require.NoError(t, err)
	defer ex.Close()

	assert.NotEqual(t, "not-the-code", ex.Challenge().Code)

	_, err = ex.Submit(context.Background(), "not-the-code")
	assert.ErrorIs(t, err, castkit.ErrPairingRejected)

	sdk.lock.Lock()
	assert.Equal(t, []bool{false}, sdk.confirmed)
	sdk.lock.Unlock()
}

func TestCommands(t *testing.T) {
	sdk := &fakeSDK{token: "tok-1", results: map[string]string{
		castkit.CapabilityVolumeGet: `{"level":130,"muted":true}`,
		castkit.CapabilityAppList:   `{"apps":[{"id":"yt","name":"YouTube"}]}`,
	}}
	proto := newTestProtocol(t, sdk)

	tr, err := proto.Dial(context.Background(), testService(t), "tok-1")
	require.NoError(t, err)
	defer tr.Close()

	v, err := tr.Execute(context.Background(), castkit.CapabilityVolumeGet, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.VolumeLevel{Level: 100, Muted: true}, v)

	_, err = tr.Execute(context.Background(), castkit.CapabilityVolumeSet, castkit.Arguments{castkit.ArgLevel: -4})
	require.NoError(t, err)

	apps, err := tr.Execute(context.Background(), castkit.CapabilityAppList, nil)
	require.NoError(t, err)
	assert.Equal(t, []castkit.AppInfo{{Id: "yt", Name: "YouTube"}}, apps)

	_, err = tr.Execute(context.Background(), castkit.CapabilityKeySend, castkit.Arguments{castkit.ArgKey: "menu"})
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)

	sdk.lock.Lock()
	require.Len(t, sdk.calls, 3)
	assert.Equal(t, "audio.setLevel", sdk.calls[1].method)
	assert.Equal(t, 0, sdk.calls[1].params[castkit.ArgLevel])
	sdk.lock.Unlock()
}

func TestChannelLost(t *testing.T) {
	sdk := &fakeSDK{token: "tok-1"}
	proto := newTestProtocol(t, sdk)

	tr, err := proto.Dial(context.Background(), testService(t), "tok-1")
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Execute(context.Background(), "drop", nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)

	select {
	case <-tr.Done():
	default:
		t.Fatal("transport not done")
	}

	_, err = tr.Execute(context.Background(), castkit.CapabilityVolumeGet, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)
}

func TestDialRejectedToken(t *testing.T) {
	proto := newTestProtocol(t, &fakeSDK{token: "tok-1"})

	_, err := proto.Dial(context.Background(), testService(t), "stale")
	assert.ErrorIs(t, err, castkit.ErrPairingRejected)
}
