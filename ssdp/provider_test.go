package ssdp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	rendererTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"

	testDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Living Room TV</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>Screen 9000</modelName>
    <UDN>uuid:1234-abcd</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <controlURL>/ctl/avt</controlURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
        <controlURL>ctl/rc</controlURL>
      </service>
    </serviceList>
  </device>
</root>`
)

type fakeClient struct {
	recv chan Datagram
	errs chan error
	done chan struct{}
	once sync.Once

	lock     sync.Mutex
	searches []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{recv: make(chan Datagram), errs: make(chan error, 1), done: make(chan struct{})}
}

func (c *fakeClient) Search(target string, dst *net.UDPAddr) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	to := "multicast"
	if dst != nil {
		to = dst.String()
	}
	c.searches = append(c.searches, target+"@"+to)
	return nil
}

func (c *fakeClient) Receive() (Datagram, error) {
	select {
	case d := <-c.recv:
		return d, nil
	case err := <-c.errs:
		return Datagram{}, err
	case <-c.done:
		return Datagram{}, ErrClientClosed
	}
}

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeClient) deliver(t *testing.T, data string) {
	select {
	case c.recv <- Datagram{Data: []byte(data), Source: &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1900}}:
	case <-time.After(time.Second):
		t.Fatal("datagram not consumed")
	}
}

func (c *fakeClient) searchList() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]string(nil), c.searches...)
}

func notify(nts, location string) string {
	return "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"NT: " + rendererTarget + "\r\n" +
		"NTS: " + nts + "\r\n" +
		"USN: uuid:1234-abcd::" + rendererTarget + "\r\n" +
		"LOCATION: " + location + "\r\n" +
		"SERVER: Linux/4.4 UPnP/1.0 Acme/1.0\r\n\r\n"
}

func newDescriptionServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(testDescription))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func startProvider(t *testing.T, opts Options) (*Provider, *fakeClient, chan discovery.Sighting, <-chan error) {
	client := newFakeClient()
	opts.Dial = func(castkit.Logger, []net.Interface) (Client, error) { return client, nil }

	p, err := NewProvider(nil, opts)
	require.NoError(t, err)

	sink := make(chan discovery.Sighting)
	errs, err := p.Search(sink)
	require.NoError(t, err)
	t.Cleanup(p.StopSearch)

	return p, client, sink, errs
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

func TestProviderAliveAndByeBye(t *testing.T) {
	srv, hits := newDescriptionServer(t)
	_, client, sink, _ := startProvider(t, Options{ProtocolId: "upnp", SearchTarget: rendererTarget})

	location := srv.URL + "/dev/desc.xml"
	client.deliver(t, notify(NotifyAlive, location))

	s := nextSighting(t, sink)
	assert.False(t, s.Lost)
	assert.Equal(t, castkit.ProtocolId("upnp"), s.ProtocolId)
	assert.Equal(t, "Living Room TV", s.FriendlyName)
	assert.Equal(t, "1234-abcd", s.Service.ServiceUUID())
	assert.Equal(t, "10.0.0.5", s.Service.Address().Host)
	assert.Equal(t, srv.Listener.Addr().(*net.TCPAddr).Port, s.Service.Address().Port)
	assert.Equal(t, "Acme", s.Service.Meta(MetaManufacturer))
	assert.Equal(t, srv.URL+"/ctl/avt", s.Service.Meta(ControlURLKey("AVTransport")))
	assert.Equal(t, srv.URL+"/dev/ctl/rc", s.Service.Meta(ControlURLKey("RenderingControl")))
	assert.Equal(t, "urn:schemas-upnp-org:service:RenderingControl:1", s.Service.Meta(ServiceTypeKey("RenderingControl")))

	// known devices are refreshed without fetching the description again
	client.deliver(t, notify(NotifyAlive, location))
	s = nextSighting(t, sink)
	assert.False(t, s.Lost)
	assert.EqualValues(t, 1, hits.Load())

	client.deliver(t, notify(NotifyByeBye, location))
	s = nextSighting(t, sink)
	assert.True(t, s.Lost)
	assert.Equal(t, "1234-abcd", s.Service.ServiceUUID())
}

func TestProviderIgnoresOtherTraffic(t *testing.T) {
	srv, hits := newDescriptionServer(t)
	_, client, sink, _ := startProvider(t, Options{ProtocolId: "upnp", SearchTarget: rendererTarget})

	client.deliver(t, "M-SEARCH * HTTP/1.1\r\nST: "+rendererTarget+"\r\nMAN: \"ssdp:discover\"\r\n\r\n")
	client.deliver(t, "NOTIFY * HTTP/1.1\r\nNT: urn:other\r\nNTS: ssdp:alive\r\nUSN: uuid:x\r\nLOCATION: "+srv.URL+"\r\n\r\n")
	client.deliver(t, "garbage")
	client.deliver(t, notify(NotifyByeBye, srv.URL))

	select {
	case s := <-sink:
		t.Fatalf("unexpected sighting %+v", s)
	case <-time.After(100 * time.Millisecond):
	}

	assert.EqualValues(t, 0, hits.Load())
}

func TestProviderPortOverride(t *testing.T) {
	srv, _ := newDescriptionServer(t)
	_, client, sink, _ := startProvider(t, Options{ProtocolId: "ssap", SearchTarget: rendererTarget, Port: 3001})

	client.deliver(t, "HTTP/1.1 200 OK\r\nST: "+rendererTarget+"\r\nUSN: uuid:1234-abcd\r\nLOCATION: "+srv.URL+"/\r\n\r\n")

	s := nextSighting(t, sink)
	assert.Equal(t, castkit.TransportAddress{Host: "10.0.0.5", Port: 3001}, s.Service.Address())
	assert.Equal(t, castkit.ProtocolId("ssap"), s.Service.ProtocolId())
}

func TestProviderSearchesAndHints(t *testing.T) {
	p, client, _, _ := startProvider(t, Options{ProtocolId: "upnp", SearchTarget: rendererTarget})

	require.Eventually(t, func() bool { return len(client.searchList()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, rendererTarget+"@multicast", client.searchList()[0])

	p.Hint([]castkit.TransportAddress{{Host: "10.0.0.9", Port: 8008}, {Host: "not-an-ip"}})
	assert.Contains(t, client.searchList(), rendererTarget+"@"+net.JoinHostPort("10.0.0.9", strconv.Itoa(MulticastPort)))
}

func TestProviderReportsReceiveFailure(t *testing.T) {
	_, client, _, errs := startProvider(t, Options{ProtocolId: "upnp", SearchTarget: rendererTarget})

	client.errs <- errors.New("network down")

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "network down")
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}
}

func TestProviderDoubleSearch(t *testing.T) {
	p, _, sink, _ := startProvider(t, Options{ProtocolId: "upnp", SearchTarget: rendererTarget})

	_, err := p.Search(sink)
	assert.Error(t, err)
}

func TestProviderDialFailure(t *testing.T) {
	p, err := NewProvider(nil, Options{
		ProtocolId:   "upnp",
		SearchTarget: rendererTarget,
		Dial: func(castkit.Logger, []net.Interface) (Client, error) {
			return nil, fmt.Errorf("no network")
		},
	})
	require.NoError(t, err)

	_, err = p.Search(make(chan discovery.Sighting))
	assert.Error(t, err)

	// stopping a provider that never started is a no-op
	p.StopSearch()
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewProvider(nil, Options{ProtocolId: "upnp"})
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)
}
