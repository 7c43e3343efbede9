package zeroconf

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBrowser struct {
	lock    sync.Mutex
	rounds  int
	entries []*zeroconf.ServiceEntry
	err     error
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	b.lock.Lock()
	b.rounds++
	list, err := b.entries, b.err
	b.lock.Unlock()

	if err != nil {
		return err
	}

	go func() {
		for _, e := range list {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *fakeBrowser) setEntries(entries ...*zeroconf.ServiceEntry) {
	b.lock.Lock()
	b.entries = entries
	b.lock.Unlock()
}

func castEntry(ttl uint32) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("Chromecast-abc", "_googlecast._tcp", "local.")
	e.HostName = "abc.local."
	e.Port = 8009
	e.TTL = ttl
	e.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.7")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.Text = []string{"id=4b6f2c1e", "fn=Kitchen speaker", "md=Chromecast Audio", "flag"}
	return e
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

func TestBrowseSightings(t *testing.T) {
	browser := &fakeBrowser{}
	browser.setEntries(castEntry(120))

	p, err := NewProvider(nil, Options{ProtocolId: "cast", Service: "_googlecast._tcp", RefreshInterval: 50 * time.Millisecond, Browser: browser})
	require.NoError(t, err)

	sink := make(chan discovery.Sighting)
	_, err = p.Search(sink)
	require.NoError(t, err)
	defer p.StopSearch()

	s := nextSighting(t, sink)
	assert.False(t, s.Lost)
	assert.Equal(t, "Kitchen speaker", s.FriendlyName)
	assert.Equal(t, "4b6f2c1e", s.Service.ServiceUUID())
	assert.Equal(t, castkit.TransportAddress{Host: "10.0.0.7", Port: 8009}, s.Service.Address())
	assert.Equal(t, "Chromecast Audio", s.Service.Meta("md"))
	assert.Equal(t, "Chromecast-abc", s.Service.Meta(MetaInstance))

	// every round reports the instance again
	s = nextSighting(t, sink)
	assert.False(t, s.Lost)

	browser.setEntries(castEntry(0))
	for {
		s = nextSighting(t, sink)
		if s.Lost {
			break
		}
	}
	assert.Equal(t, "4b6f2c1e", s.Service.ServiceUUID())
}

func TestBrowseFailure(t *testing.T) {
	browser := &fakeBrowser{err: errors.New("no multicast")}

	p, err := NewProvider(nil, Options{ProtocolId: "cast", Service: "_googlecast._tcp", Browser: browser})
	require.NoError(t, err)

	errs, err := p.Search(make(chan discovery.Sighting))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "no multicast")
	case <-time.After(time.Second):
		t.Fatal("failure not reported")
	}

	p.StopSearch()

	_, ok := <-errs
	assert.False(t, ok)
}

func TestBuildServiceDescription(t *testing.T) {
	p, err := NewProvider(nil, Options{ProtocolId: "cast", Service: "_googlecast._tcp"})
	require.NoError(t, err)

	e := castEntry(120)
	e.AddrIPv4 = nil
	svc, err := p.BuildServiceDescription(e)
	require.NoError(t, err)
	assert.Equal(t, "fe80::1", svc.Address().Host)
	assert.Equal(t, "", svc.Meta("flag"))

	e.AddrIPv6 = nil
	_, err = p.BuildServiceDescription(e)
	assert.Error(t, err)
}

func TestParseTxt(t *testing.T) {
	assert.Equal(t, map[string]string{"id": "1", "fn": "a=b", "x": ""}, ParseTxt([]string{"ID=1", "fn=a=b", "x", "=nokey"}))
}

func TestNewRegistrar(t *testing.T) {
	r, err := NewRegistrar("builtin")
	require.NoError(t, err)
	assert.IsType(t, &BuiltinRegistrar{}, r)

	_, err = NewRegistrar("bonjour")
	var unknown *UnknownBackendError
	assert.ErrorAs(t, err, &unknown)
}
