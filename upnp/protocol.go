package upnp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/ssdp"
)

const (
	ProtocolId castkit.ProtocolId = "upnp"

	// SearchTarget is the SSDP target of UPnP media renderers.
	SearchTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"

	AVTransport      = "AVTransport"
	RenderingControl = "RenderingControl"

	requestTimeout = 10 * time.Second
)

var Capabilities = []string{
	castkit.CapabilityMediaPlay, castkit.CapabilityMediaPause, castkit.CapabilityMediaResume,
	castkit.CapabilityMediaStop, castkit.CapabilityMediaSeek, castkit.CapabilityMediaPosition,
	castkit.CapabilityVolumeGet, castkit.CapabilityVolumeSet, castkit.CapabilityVolumeUp,
	castkit.CapabilityVolumeDown, castkit.CapabilityMuteGet, castkit.CapabilityMuteSet,
}

const (
	defaultReachabilityInterval = 30 * time.Second
	defaultMaxMissed            = 2
)

type Options struct {
	Client *http.Client

	// ReachabilityInterval is how often an open transport checks the
	// renderer still answers, zero picks the default and a negative
	// value disables the check.
	ReachabilityInterval time.Duration
	// MaxMissed is the number of consecutive failed checks after which
	// the transport is considered lost.
	MaxMissed int
}

// Protocol controls UPnP media renderers through their AVTransport and
// RenderingControl services.
type Protocol struct {
	log  castkit.Logger
	opts Options
}

func NewProtocol(log castkit.Logger, opts Options) *Protocol {
	if log == nil {
		log = &castkit.NullLogger{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: requestTimeout}
	}
	if opts.ReachabilityInterval == 0 {
		opts.ReachabilityInterval = defaultReachabilityInterval
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = defaultMaxMissed
	}

	return &Protocol{log: log.WithProtocol(ProtocolId), opts: opts}
}

// NewProvider returns the SSDP provider discovering media renderers.
func NewProvider(log castkit.Logger, opts ssdp.Options) (*ssdp.Provider, error) {
	opts.ProtocolId = ProtocolId
	opts.SearchTarget = SearchTarget
	opts.Capabilities = Capabilities
	return ssdp.NewProvider(log, opts)
}

func (p *Protocol) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:           ProtocolId,
		Class:        capability.ClassGeneric,
		Capabilities: Capabilities,
	}
}

type service struct {
	controlURL  string
	serviceType string
}

func lookupService(svc castkit.ServiceDescription, name string) (service, bool) {
	ctl := svc.Meta(ssdp.ControlURLKey(name))
	if len(ctl) == 0 {
		return service{}, false
	}

	typ := svc.Meta(ssdp.ServiceTypeKey(name))
	if len(typ) == 0 {
		typ = fmt.Sprintf("urn:schemas-upnp-org:service:%s:1", name)
	}

	return service{controlURL: ctl, serviceType: typ}, true
}

func (p *Protocol) Dial(ctx context.Context, svc castkit.ServiceDescription, _ string) (castkit.Transport, error) {
	avt, hasAvt := lookupService(svc, AVTransport)
	rc, hasRc := lookupService(svc, RenderingControl)
	if !hasAvt && !hasRc {
		return nil, fmt.Errorf("device at %s exposes no controllable service: %w", svc.Address(), castkit.ErrCapabilityNotSupported)
	}

	t := &transport{
		log:      p.log.WithField("address", svc.Address().String()),
		soap:     &soapClient{log: p.log, client: p.opts.Client},
		client:   p.opts.Client,
		location: svc.Meta(ssdp.MetaLocation),
		done:     make(chan struct{}),
	}
	if hasAvt {
		t.avTransport = &avt
	}
	if hasRc {
		t.renderingControl = &rc
	}

	// the renderer must answer for the device to be considered reachable
	if err := t.ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", castkit.ErrDeviceUnreachable, err)
	}

	if p.opts.ReachabilityInterval > 0 {
		go t.watch(p.opts.ReachabilityInterval, p.opts.MaxMissed)
	}

	return t, nil
}
