package beacon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
)

const (
	ProtocolId castkit.ProtocolId = "beacon"

	DefaultPort            = 53317
	defaultRefreshInterval = 5 * time.Second
	protocolVersion        = "1"
	maxMessageSize         = 4096
)

const (
	MetaVersion     = "version"
	MetaDeviceModel = "device_model"
	MetaDeviceType  = "device_type"
	MetaScheme      = "scheme"
)

// Probe is broadcast to ask devices to announce themselves.
type Probe struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Alias   string `json:"alias,omitempty"`
}

// Announcement is the answer of a device to a probe.
type Announcement struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"deviceModel"`
	DeviceType  string `json:"deviceType"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	// Leaving is set by devices going offline.
	Leaving bool `json:"leaving"`

	Source net.IP `json:"-"`
}

type Options struct {
	// Broadcast is the address probes are sent to, defaults to the limited
	// broadcast address on DefaultPort.
	Broadcast *net.UDPAddr
	// ListenAddress is where answers are received, any port if empty.
	ListenAddress   string
	Alias           string
	RefreshInterval time.Duration
}

// Provider discovers devices answering JSON probes sent to a broadcast
// address. It is discovery only, devices found here are controlled through
// other protocols.
type Provider struct {
	log  castkit.Logger
	opts Options

	lock   sync.Mutex
	search *discovery.Search
	conn   *net.UDPConn
	known  map[string]castkit.ServiceDescription
}

func NewProvider(log castkit.Logger, opts Options) *Provider {
	if log == nil {
		log = &castkit.NullLogger{}
	}
	if opts.Broadcast == nil {
		opts.Broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: DefaultPort}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if len(opts.ListenAddress) == 0 {
		opts.ListenAddress = ":0"
	}

	return &Provider{log: log.WithProtocol(ProtocolId), opts: opts}
}

func (p *Provider) ID() castkit.ProtocolId          { return ProtocolId }
func (p *Provider) SupportedCapabilities() []string { return nil }
func (p *Provider) RefreshInterval() time.Duration  { return p.opts.RefreshInterval }

func (p *Provider) Search(sink chan<- discovery.Sighting) (<-chan error, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.search != nil {
		return nil, errors.New("beacon search already running")
	}

	laddr, err := net.ResolveUDPAddr("udp4", p.opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed opening beacon socket: %w", err)
	}

	if err := enableBroadcast(conn); err != nil {
		p.log.WithError(err).Warnf("cannot enable broadcast on beacon socket")
	}

	s := discovery.NewSearch(sink)
	s.OnStop(func() { _ = conn.Close() })

	p.search, p.conn = s, conn
	p.known = map[string]castkit.ServiceDescription{}

	s.Go(func() { p.recvLoop(s, conn) })
	s.Go(func() { p.probeLoop(s, conn) })

	return s.Errors(), nil
}

func (p *Provider) StopSearch() {
	p.lock.Lock()
	s := p.search
	p.search, p.conn = nil, nil
	p.lock.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Hint sends a unicast probe to each address.
func (p *Provider) Hint(addrs []castkit.TransportAddress) {
	p.lock.Lock()
	conn := p.conn
	p.lock.Unlock()

	if conn == nil {
		return
	}

	for _, addr := range addrs {
		ip := net.ParseIP(addr.Host)
		if ip == nil {
			continue
		}

		if err := p.probe(conn, &net.UDPAddr{IP: ip, Port: p.opts.Broadcast.Port}); err != nil {
			p.log.WithError(err).Debugf("failed probing %s", addr.Host)
		}
	}
}

func (p *Provider) probe(conn *net.UDPConn, dst *net.UDPAddr) error {
	data, err := json.Marshal(Probe{Type: "probe", Version: protocolVersion, Alias: p.opts.Alias})
	if err != nil {
		return fmt.Errorf("failed marshalling probe: %w", err)
	}

	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("failed sending probe to %s: %w", dst, err)
	}

	return nil
}

func (p *Provider) probeLoop(s *discovery.Search, conn *net.UDPConn) {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := p.probe(conn, p.opts.Broadcast); err != nil {
			p.log.WithError(err).Debugf("failed broadcasting probe")
		}

		select {
		case <-s.Stopped():
			return
		case <-ticker.C:
		}
	}
}

func (p *Provider) recvLoop(s *discovery.Search, conn *net.UDPConn) {
	buf := make([]byte, maxMessageSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.Stopped():
			default:
				s.Fail(fmt.Errorf("failed reading beacon socket: %w", err))
			}
			return
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			p.log.WithError(err).Tracef("dropping malformed announcement from %s", addr)
			continue
		} else if len(ann.Fingerprint) == 0 && ann.Port == 0 {
			// probes from other controllers
			continue
		}

		ann.Source = addr.IP
		p.handleAnnouncement(s, ann)
	}
}

func (p *Provider) handleAnnouncement(s *discovery.Search, ann Announcement) {
	svc, err := p.BuildServiceDescription(ann)
	if err != nil {
		p.log.WithError(err).Tracef("ignoring announcement")
		return
	}

	key := svc.Key()
	if ann.Leaving {
		p.lock.Lock()
		_, ok := p.known[key]
		delete(p.known, key)
		p.lock.Unlock()

		if ok {
			s.Emit(discovery.NewLostSighting(svc))
		}
		return
	}

	p.lock.Lock()
	p.known[key] = svc
	p.lock.Unlock()

	s.Emit(discovery.NewSighting(svc, ann.Alias))
}

func (p *Provider) BuildServiceDescription(ann Announcement) (castkit.ServiceDescription, error) {
	if ann.Source == nil {
		return castkit.ServiceDescription{}, errors.New("announcement without source")
	} else if ann.Port <= 0 || ann.Port > 65535 {
		return castkit.ServiceDescription{}, fmt.Errorf("invalid announced port %d", ann.Port)
	}

	meta := map[string]string{}
	for k, v := range map[string]string{
		MetaVersion:     ann.Version,
		MetaDeviceModel: ann.DeviceModel,
		MetaDeviceType:  ann.DeviceType,
		MetaScheme:      ann.Protocol,
	} {
		if len(v) > 0 {
			meta[k] = v
		}
	}

	addr := castkit.TransportAddress{Host: ann.Source.String(), Port: ann.Port}
	return castkit.NewServiceDescription(ProtocolId, addr, ann.Fingerprint, meta), nil
}
