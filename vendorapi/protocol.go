package vendorapi

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/session"
)

const (
	defaultPriority = 20
	nonceLength     = 16
)

type ProtocolOptions struct {
	ProtocolId      castkit.ProtocolId
	Priority        int
	Capabilities    []string
	RequiresPairing bool

	// Methods maps capability names to vendor methods, capabilities not
	// listed are called by their own name.
	Methods map[string]string
}

// Protocol controls devices through the vendor SDK.
type Protocol struct {
	log  castkit.Logger
	sdk  SDK
	opts ProtocolOptions
}

func NewProtocol(log castkit.Logger, sdk SDK, opts ProtocolOptions) (*Protocol, error) {
	if sdk == nil {
		return nil, fmt.Errorf("vendor protocol needs an sdk: %w", castkit.ErrInvalidArgument)
	}

	if log == nil {
		log = &castkit.NullLogger{}
	}
	if len(opts.ProtocolId) == 0 {
		opts.ProtocolId = DefaultProtocolId
	}
	if opts.Priority == 0 {
		opts.Priority = defaultPriority
	}

	return &Protocol{log: log.WithProtocol(opts.ProtocolId), sdk: sdk, opts: opts}, nil
}

func (p *Protocol) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:              p.opts.ProtocolId,
		Class:           capability.ClassVendor,
		Priority:        p.opts.Priority,
		Capabilities:    p.opts.Capabilities,
		RequiresPairing: p.opts.RequiresPairing,
	}
}

func (p *Protocol) Dial(ctx context.Context, svc castkit.ServiceDescription, token string) (castkit.Transport, error) {
	if p.opts.RequiresPairing && len(token) == 0 {
		return nil, fmt.Errorf("%s device is not paired: %w", p.opts.ProtocolId, castkit.ErrPairingRequired)
	}

	dev := deviceFor(svc)
	ch, err := p.sdk.Open(ctx, dev, token)
	if err != nil {
		if errors.Is(err, castkit.ErrPairingRejected) || errors.Is(err, castkit.ErrPairingRequired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed opening vendor channel: %v", castkit.ErrDeviceUnreachable, err)
	}

	p.log.WithDevice(dev.Id).Debugf("opened vendor channel to %s", svc.Address())
	return &transport{log: p.log, ch: ch, methods: p.opts.Methods}, nil
}

func (p *Protocol) BeginPairing(ctx context.Context, svc castkit.ServiceDescription) (capability.PairingExchange, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed generating pairing nonce: %w", err)
	}

	hs, err := p.sdk.Pair(ctx, deviceFor(svc), nonce)
	if err != nil {
		return nil, fmt.Errorf("failed starting vendor pairing: %w", err)
	}

	code, err := session.NumericComparisonCode(hs.Secret(), nonce, hs.DeviceNonce())
	if err != nil {
		_ = hs.Close()
		return nil, err
	}

	return &pairingExchange{hs: hs, code: code}, nil
}

type pairingExchange struct {
	hs   Handshake
	code string

	lock      sync.Mutex
	submitted bool
}

func (e *pairingExchange) Challenge() capability.Challenge {
	return capability.Challenge{Type: capability.ChallengeNumericComparison, Code: e.code}
}

// Submit confirms the comparison. An empty code or the displayed code accept
// it, anything else rejects it on both sides.
func (e *pairingExchange) Submit(ctx context.Context, code string) (string, error) {
	e.lock.Lock()
	if e.submitted {
		e.lock.Unlock()
		return "", fmt.Errorf("pairing already confirmed: %w", castkit.ErrInvalidArgument)
	}
	e.submitted = true
	e.lock.Unlock()

	accepted := len(code) == 0 || code == e.code
	token, err := e.hs.Confirm(ctx, accepted)
	if !accepted {
		if err != nil {
			return "", fmt.Errorf("%w: codes do not match (%v)", castkit.ErrPairingRejected, err)
		}
		return "", fmt.Errorf("%w: codes do not match", castkit.ErrPairingRejected)
	} else if err != nil {
		return "", fmt.Errorf("failed confirming vendor pairing: %w", err)
	} else if len(token) == 0 {
		return "", fmt.Errorf("%w: device returned no token", castkit.ErrPairingRejected)
	}

	return token, nil
}

func (e *pairingExchange) Close() error {
	return e.hs.Close()
}
