package ssdp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
)

const (
	searchMX               = 2 * time.Second
	defaultRefreshInterval = 10 * time.Second
	descriptionTimeout     = 5 * time.Second
)

const (
	MetaLocation         = "location"
	MetaServer           = "server"
	MetaDeviceType       = "device_type"
	MetaManufacturer     = "manufacturer"
	MetaModelName        = "model_name"
	MetaModelNumber      = "model_number"
	MetaModelDescription = "model_description"
)

// ControlURLKey is the metadata key holding the control URL of a service.
func ControlURLKey(service string) string { return "control." + service }

// ServiceTypeKey is the metadata key holding the full type of a service.
func ServiceTypeKey(service string) string { return "service." + service }

type Options struct {
	ProtocolId   castkit.ProtocolId
	SearchTarget string
	Capabilities []string

	// Port overrides the port advertised in LOCATION, for protocols served on
	// a fixed port next to the description server.
	Port            int
	RefreshInterval time.Duration

	Interfaces []net.Interface
	HTTPClient *http.Client
	// Dial opens the client used for a search, defaults to Listen.
	Dial func(log castkit.Logger, ifaces []net.Interface) (Client, error)
}

// Announcement is everything known about a device answering the search
// target, used to build its service description.
type Announcement struct {
	UUID        string
	Source      net.IP
	Location    string
	Server      string
	Description *DeviceDescription
}

type knownDevice struct {
	location string
	service  castkit.ServiceDescription
	name     string
}

// Provider discovers devices answering an SSDP search target.
type Provider struct {
	log  castkit.Logger
	opts Options

	lock     sync.Mutex
	search   *discovery.Search
	client   Client
	known    map[string]*knownDevice
	fetching map[string]bool
}

func NewProvider(log castkit.Logger, opts Options) (*Provider, error) {
	if len(opts.ProtocolId) == 0 || len(opts.SearchTarget) == 0 {
		return nil, fmt.Errorf("ssdp provider needs a protocol and a search target: %w", castkit.ErrInvalidArgument)
	}

	if log == nil {
		log = &castkit.NullLogger{}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: descriptionTimeout}
	}
	if opts.Dial == nil {
		opts.Dial = Listen
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
		return nil, fmt.Errorf("ssdp search for %s already running", p.opts.SearchTarget)
	}

	client, err := p.opts.Dial(p.log, p.opts.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("failed opening ssdp client: %w", err)
	}

	s := discovery.NewSearch(sink)
	s.OnStop(func() { _ = client.Close() })

	p.search, p.client = s, client
	p.known = map[string]*knownDevice{}
	p.fetching = map[string]bool{}

	s.Go(func() { p.recvLoop(s, client) })
	s.Go(func() { p.searchLoop(s, client) })

	return s.Errors(), nil
}

func (p *Provider) StopSearch() {
	p.lock.Lock()
	s := p.search
	p.search, p.client = nil, nil
	p.lock.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Hint sends a directed search to each address.
func (p *Provider) Hint(addrs []castkit.TransportAddress) {
	p.lock.Lock()
	client := p.client
	p.lock.Unlock()

	if client == nil {
		return
	}

	for _, addr := range addrs {
		ip := net.ParseIP(addr.Host)
		if ip == nil {
			continue
		}

		if err := client.Search(p.opts.SearchTarget, &net.UDPAddr{IP: ip, Port: MulticastPort}); err != nil {
			p.log.WithError(err).Debugf("failed probing %s", addr.Host)
		}
	}
}

func (p *Provider) searchLoop(s *discovery.Search, client Client) {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := client.Search(p.opts.SearchTarget, nil); err != nil {
			p.log.WithError(err).Debugf("failed sending ssdp search")
		}

		select {
		case <-s.Stopped():
			return
		case <-ticker.C:
		}
	}
}

func (p *Provider) recvLoop(s *discovery.Search, client Client) {
	for {
		d, err := client.Receive()
		if err != nil {
			select {
			case <-s.Stopped():
			default:
				s.Fail(err)
			}
			return
		}

		p.handleDatagram(s, d)
	}
}

func (p *Provider) handleDatagram(s *discovery.Search, d Datagram) {
	pkt, err := ParsePacket(d.Data)
	if err != nil {
		p.log.WithError(err).Tracef("dropping malformed ssdp packet")
		return
	}

	if pkt.Method == MethodSearch || pkt.Target() != p.opts.SearchTarget {
		return
	}

	uuid := pkt.UUID()
	if len(uuid) == 0 {
		return
	}

	if pkt.IsByeBye() {
		p.lock.Lock()
		known, ok := p.known[uuid]
		delete(p.known, uuid)
		p.lock.Unlock()

		if ok {
			p.log.Debugf("device %s left the network", uuid)
			s.Emit(discovery.NewLostSighting(known.service))
		}
		return
	}

	location := pkt.Location()
	if len(location) == 0 || d.Source == nil {
		return
	}

	p.lock.Lock()
	known, ok := p.known[uuid]
	if ok && known.location == location {
		p.lock.Unlock()
		s.Emit(discovery.NewSighting(known.service, known.name))
		return
	} else if p.fetching[uuid] {
		p.lock.Unlock()
		return
	}
	p.fetching[uuid] = true
	p.lock.Unlock()

	ann := Announcement{UUID: uuid, Source: d.Source.IP, Location: location, Server: pkt.Header.Get("SERVER")}
	s.Go(func() { p.describe(s, ann) })
}

func (p *Provider) describe(s *discovery.Search, ann Announcement) {
	defer func() {
		p.lock.Lock()
		if p.fetching != nil {
			delete(p.fetching, ann.UUID)
		}
		p.lock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), descriptionTimeout)
	defer cancel()

	go func() {
		select {
		case <-s.Stopped():
			cancel()
		case <-ctx.Done():
		}
	}()

	desc, err := FetchDescription(ctx, p.opts.HTTPClient, ann.Location)
	if err != nil {
		p.log.WithError(err).Debugf("failed getting description of %s", ann.UUID)
		return
	}

	ann.Description = desc
	svc, err := p.BuildServiceDescription(ann)
	if err != nil {
		p.log.WithError(err).Debugf("ignoring device %s", ann.UUID)
		return
	}

	name := desc.Device.FriendlyName

	p.lock.Lock()
	if p.search != s {
		p.lock.Unlock()
		return
	}
	p.known[ann.UUID] = &knownDevice{location: ann.Location, service: svc, name: name}
	p.lock.Unlock()

	p.log.Tracef("found %s (%s) at %s", name, ann.UUID, svc.Address())
	s.Emit(discovery.NewSighting(svc, name))
}

// BuildServiceDescription turns an announcement into a service description.
// The address is the sender of the announcement, the port comes from LOCATION
// unless overridden.
func (p *Provider) BuildServiceDescription(ann Announcement) (castkit.ServiceDescription, error) {
	loc, err := url.Parse(ann.Location)
	if err != nil {
		return castkit.ServiceDescription{}, fmt.Errorf("invalid location %q: %w", ann.Location, err)
	}

	port := p.opts.Port
	if port == 0 {
		if port, err = strconv.Atoi(loc.Port()); err != nil {
			port = 80
		}
	}

	host := loc.Hostname()
	if ann.Source != nil {
		host = ann.Source.String()
	}

	meta := map[string]string{MetaLocation: ann.Location}
	if len(ann.Server) > 0 {
		meta[MetaServer] = ann.Server
	}

	if desc := ann.Description; desc != nil {
		dev := desc.Device
		for k, v := range map[string]string{
			MetaDeviceType:       dev.DeviceType,
			MetaManufacturer:     dev.Manufacturer,
			MetaModelName:        dev.ModelName,
			MetaModelNumber:      dev.ModelNumber,
			MetaModelDescription: dev.ModelDescription,
		} {
			if len(v) > 0 {
				meta[k] = v
			}
		}

		for _, svc := range dev.Services {
			name := svc.Name()
			meta[ServiceTypeKey(name)] = svc.ServiceType
			if len(svc.ControlURL) > 0 {
				meta[ControlURLKey(name)] = desc.ResolveURL(svc.ControlURL)
			}
		}
	}

	addr := castkit.TransportAddress{Host: host, Port: port}
	return castkit.NewServiceDescription(p.opts.ProtocolId, addr, ann.UUID, meta), nil
}
