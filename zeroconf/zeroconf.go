package zeroconf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/grandcat/zeroconf"
)

const (
	defaultDomain          = "local."
	defaultRefreshInterval = 15 * time.Second
)

const (
	// TxtId is the TXT key carrying the device UUID.
	TxtId = "id"
	// TxtFriendlyName is the TXT key carrying the user visible name.
	TxtFriendlyName = "fn"

	MetaInstance = "instance"
	MetaHostName = "hostname"
)

type Options struct {
	ProtocolId   castkit.ProtocolId
	Service      string
	Domain       string
	Capabilities []string

	// RefreshInterval is the length of a browse round, instances are reported
	// again on every round.
	RefreshInterval time.Duration
	Browser         ServiceBrowser
}

// Provider discovers devices advertising an mDNS service type.
type Provider struct {
	log  castkit.Logger
	opts Options

	lock   sync.Mutex
	search *discovery.Search
	known  map[string]castkit.ServiceDescription
}

func NewProvider(log castkit.Logger, opts Options) (*Provider, error) {
	if len(opts.ProtocolId) == 0 || len(opts.Service) == 0 {
		return nil, fmt.Errorf("zeroconf provider needs a protocol and a service type: %w", castkit.ErrInvalidArgument)
	}

	if log == nil {
		log = &castkit.NullLogger{}
	}
	if len(opts.Domain) == 0 {
		opts.Domain = defaultDomain
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Browser == nil {
		opts.Browser = NewBuiltinBrowser(nil)
	}

	return &Provider{log: log.WithProtocol(opts.ProtocolId), opts: opts}, nil
}

func (p *Provider) ID() castkit.ProtocolId          { return p.opts.ProtocolId }
func (p *Provider) SupportedCapabilities() []string { return p.opts.Capabilities }
func (p *Provider) RefreshInterval() time.Duration  { return p.opts.RefreshInterval }

func (p *Provider) Search(sink chan<- discovery.Sighting) (<-chan error, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.search != nil {
		return nil, fmt.Errorf("zeroconf browse for %s already running", p.opts.Service)
	}

	s := discovery.NewSearch(sink)
	p.search = s
	p.known = map[string]castkit.ServiceDescription{}

	s.Go(func() { p.browseLoop(s) })
	return s.Errors(), nil
}

func (p *Provider) StopSearch() {
	p.lock.Lock()
	s := p.search
	p.search = nil
	p.lock.Unlock()

	if s != nil {
		s.Stop()
	}
}

func (p *Provider) browseLoop(s *discovery.Search) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.RefreshInterval)
		go func() {
			select {
			case <-s.Stopped():
				cancel()
			case <-ctx.Done():
			}
		}()

		err := p.browse(ctx, s)
		cancel()

		select {
		case <-s.Stopped():
			return
		default:
		}

		if err != nil {
			s.Fail(err)
			return
		}
	}
}

func (p *Provider) browse(ctx context.Context, s *discovery.Search) error {
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := p.opts.Browser.Browse(ctx, p.opts.Service, p.opts.Domain, entries); err != nil {
		return err
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				<-ctx.Done()
				return nil
			}

			p.handleEntry(s, entry)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Provider) handleEntry(s *discovery.Search, entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	instance := entry.Instance
	if entry.TTL == 0 {
		p.lock.Lock()
		svc, ok := p.known[instance]
		delete(p.known, instance)
		p.lock.Unlock()

		if ok {
			p.log.Debugf("instance %s left the network", instance)
			s.Emit(discovery.NewLostSighting(svc))
		}
		return
	}

	svc, err := p.BuildServiceDescription(entry)
	if err != nil {
		p.log.WithError(err).Tracef("ignoring instance %s", instance)
		return
	}

	p.lock.Lock()
	p.known[instance] = svc
	p.lock.Unlock()

	s.Emit(discovery.NewSighting(svc, friendlyName(entry, svc)))
}

func friendlyName(entry *zeroconf.ServiceEntry, svc castkit.ServiceDescription) string {
	if fn := svc.Meta(TxtFriendlyName); len(fn) > 0 {
		return fn
	}
	return entry.Instance
}

// ParseTxt splits TXT records into a map, keys without a value map to "".
func ParseTxt(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, record := range txt {
		key, value, _ := strings.Cut(record, "=")
		if len(key) == 0 {
			continue
		}
		out[strings.ToLower(key)] = value
	}
	return out
}

// BuildServiceDescription turns a resolved instance into a service
// description, IPv4 addresses are preferred.
func (p *Provider) BuildServiceDescription(entry *zeroconf.ServiceEntry) (castkit.ServiceDescription, error) {
	var ip net.IP
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0]
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0]
	}

	if ip == nil {
		return castkit.ServiceDescription{}, fmt.Errorf("instance %s has no address", entry.Instance)
	} else if entry.Port <= 0 {
		return castkit.ServiceDescription{}, fmt.Errorf("instance %s has no port", entry.Instance)
	}

	meta := ParseTxt(entry.Text)
	meta[MetaInstance] = entry.Instance
	if len(entry.HostName) > 0 {
		meta[MetaHostName] = entry.HostName
	}

	addr := castkit.TransportAddress{Host: ip.String(), Port: entry.Port}
	return castkit.NewServiceDescription(p.opts.ProtocolId, addr, meta[TxtId], meta), nil
}
