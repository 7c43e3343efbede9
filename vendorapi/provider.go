package vendorapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/discovery"
)

const (
	DefaultProtocolId castkit.ProtocolId = "vendor"

	defaultRefreshInterval = 10 * time.Second
	maxPollFailures        = 3
)

const (
	MetaName  = "name"
	MetaModel = "model"
)

type ProviderOptions struct {
	ProtocolId      castkit.ProtocolId
	Capabilities    []string
	RefreshInterval time.Duration
}

// Provider polls the vendor SDK for devices.
type Provider struct {
	log  castkit.Logger
	sdk  SDK
	opts ProviderOptions

	lock   sync.Mutex
	search *discovery.Search
	known  map[string]castkit.ServiceDescription
}

func NewProvider(log castkit.Logger, sdk SDK, opts ProviderOptions) (*Provider, error) {
	if sdk == nil {
		return nil, fmt.Errorf("vendor provider needs an sdk: %w", castkit.ErrInvalidArgument)
	}

	if log == nil {
		log = &castkit.NullLogger{}
	}
	if len(opts.ProtocolId) == 0 {
		opts.ProtocolId = DefaultProtocolId
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}

	return &Provider{log: log.WithProtocol(opts.ProtocolId), sdk: sdk, opts: opts}, nil
}

func (p *Provider) ID() castkit.ProtocolId          { return p.opts.ProtocolId }
func (p *Provider) SupportedCapabilities() []string { return p.opts.Capabilities }
func (p *Provider) RefreshInterval() time.Duration  { return p.opts.RefreshInterval }

func (p *Provider) Search(sink chan<- discovery.Sighting) (<-chan error, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.search != nil {
		return nil, fmt.Errorf("%s search already running", p.opts.ProtocolId)
	}

	s := discovery.NewSearch(sink)
	p.search = s
	p.known = map[string]castkit.ServiceDescription{}

	ctx, cancel := context.WithCancel(context.Background())
	s.OnStop(cancel)
	s.Go(func() { p.pollLoop(ctx, s) })

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

func (p *Provider) pollLoop(ctx context.Context, s *discovery.Search) {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	var failures int
	for {
		if err := p.poll(ctx, s); err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			p.log.WithError(err).Warnf("vendor discovery failed (%d/%d)", failures, maxPollFailures)
			if failures >= maxPollFailures {
				s.Fail(fmt.Errorf("%w: %v", castkit.ErrProviderUnavailable, err))
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-s.Stopped():
			return
		case <-ticker.C:
		}
	}
}

func (p *Provider) poll(ctx context.Context, s *discovery.Search) error {
	pctx, cancel := context.WithTimeout(ctx, p.opts.RefreshInterval)
	defer cancel()

	devices, err := p.sdk.Discover(pctx)
	if err != nil {
		return fmt.Errorf("failed discovering vendor devices: %w", err)
	}

	seen := make(map[string]castkit.ServiceDescription, len(devices))
	for _, dev := range devices {
		svc, err := p.BuildServiceDescription(dev)
		if err != nil {
			p.log.WithError(err).Tracef("ignoring vendor device %s", dev.Id)
			continue
		}

		seen[svc.Key()] = svc
		if !s.Emit(discovery.NewSighting(svc, dev.Name)) {
			return nil
		}
	}

	p.lock.Lock()
	var lost []castkit.ServiceDescription
	for key, svc := range p.known {
		if _, ok := seen[key]; !ok {
			lost = append(lost, svc)
		}
	}
	p.known = seen
	p.lock.Unlock()

	for _, svc := range lost {
		p.log.Debugf("vendor device at %s is gone", svc.Address())
		s.Emit(discovery.NewLostSighting(svc))
	}

	return nil
}

func (p *Provider) BuildServiceDescription(dev Device) (castkit.ServiceDescription, error) {
	if len(dev.Host) == 0 {
		return castkit.ServiceDescription{}, fmt.Errorf("vendor device %s has no address", dev.Id)
	} else if dev.Port < 0 || dev.Port > 65535 {
		return castkit.ServiceDescription{}, fmt.Errorf("invalid vendor device port %d", dev.Port)
	}

	meta := make(map[string]string, len(dev.Attributes)+2)
	for k, v := range dev.Attributes {
		meta[k] = v
	}
	if len(dev.Name) > 0 {
		meta[MetaName] = dev.Name
	}
	if len(dev.Model) > 0 {
		meta[MetaModel] = dev.Model
	}

	addr := castkit.TransportAddress{Host: dev.Host, Port: dev.Port}
	return castkit.NewServiceDescription(p.opts.ProtocolId, addr, dev.Id, meta), nil
}

// deviceFor rebuilds the vendor device handle from a service description.
func deviceFor(svc castkit.ServiceDescription) Device {
	meta := svc.Metadata()

	dev := Device{
		Id:    svc.ServiceUUID(),
		Name:  meta[MetaName],
		Model: meta[MetaModel],
		Host:  svc.Address().Host,
		Port:  svc.Address().Port,
	}

	delete(meta, MetaName)
	delete(meta, MetaModel)
	if len(meta) > 0 {
		dev.Attributes = meta
	}

	return dev
}
