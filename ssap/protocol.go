package ssap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/ssdp"
)

const (
	ProtocolId castkit.ProtocolId = "ssap"

	// SearchTarget is the SSDP target of TVs exposing the second screen service.
	SearchTarget = "urn:lge-com:service:webos-second-screen:1"

	DefaultPort       = 3001
	DefaultPortPlain  = 3000
	defaultPriority   = 10
	defaultManifestId = "com.github.devgianlu.go-castkit"
)

var Capabilities = []string{
	castkit.CapabilityMediaPlay, castkit.CapabilityMediaPause, castkit.CapabilityMediaResume,
	castkit.CapabilityMediaStop, castkit.CapabilityMediaSeek,
	castkit.CapabilityVolumeGet, castkit.CapabilityVolumeSet, castkit.CapabilityVolumeUp,
	castkit.CapabilityVolumeDown, castkit.CapabilityMuteGet, castkit.CapabilityMuteSet,
	castkit.CapabilityAppLaunch, castkit.CapabilityAppClose, castkit.CapabilityAppList,
	castkit.CapabilityKeySend, castkit.CapabilityTextSend, castkit.CapabilityToastShow,
	castkit.CapabilityPowerOff,
}

type Options struct {
	// Plain connects over ws:// instead of wss://.
	Plain bool
	// Prompt asks the user to accept on the TV instead of entering a PIN.
	Prompt bool

	AppId       string
	Permissions []string
}

// Protocol controls TVs over the SSAP websocket API.
type Protocol struct {
	log    castkit.Logger
	opts   Options
	client *http.Client
}

func NewProtocol(log castkit.Logger, opts Options) *Protocol {
	if log == nil {
		log = &castkit.NullLogger{}
	}
	if len(opts.AppId) == 0 {
		opts.AppId = defaultManifestId
	}
	if len(opts.Permissions) == 0 {
		opts.Permissions = defaultPermissions
	}

	return &Protocol{
		log:  log.WithProtocol(ProtocolId),
		opts: opts,
		client: &http.Client{
			Timeout: timeout,
			// TVs serve a self signed certificate
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
	}
}

// NewProvider returns the SSDP provider discovering SSAP capable TVs.
func NewProvider(log castkit.Logger, opts ssdp.Options) (*ssdp.Provider, error) {
	opts.ProtocolId = ProtocolId
	opts.SearchTarget = SearchTarget
	opts.Capabilities = Capabilities
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	return ssdp.NewProvider(log, opts)
}

func (p *Protocol) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:              ProtocolId,
		Class:           capability.ClassVendor,
		Priority:        defaultPriority,
		Capabilities:    Capabilities,
		RequiresPairing: true,
	}
}

func (p *Protocol) url(svc castkit.ServiceDescription) string {
	scheme := "wss"
	if p.opts.Plain {
		scheme = "ws"
	}
	return (&url.URL{Scheme: scheme, Host: svc.Address().String(), Path: "/"}).String()
}

func (p *Protocol) open(ctx context.Context, svc castkit.ServiceDescription) (*conn, error) {
	return dialConn(ctx, p.log.WithField("address", svc.Address().String()), p.client, p.url(svc))
}

func (p *Protocol) register(ctx context.Context, c *conn, clientKey string) (string, chan Message, error) {
	payload := registerPayload{
		ClientKey: clientKey,
		Manifest: manifest{
			ManifestVersion: 1,
			AppVersion:      castkit.VersionNumberString(),
			AppId:           p.opts.AppId,
			Permissions:     p.opts.Permissions,
		},
	}
	if len(clientKey) == 0 && !p.opts.Prompt {
		payload.PairingType = "PIN"
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", nil, err
	}

	id, ch := c.subscribe()
	if err := c.send(ctx, Message{Type: typeRegister, Id: id, Payload: raw}); err != nil {
		c.unsubscribe(id)
		return "", nil, err
	}

	return id, ch, nil
}

// awaitRegistered waits for the registration outcome. Prompting responses
// are returned to the caller with an empty key.
func awaitRegistered(ctx context.Context, c *conn, ch chan Message, stopAtPrompt bool) (string, error) {
	for {
		select {
		case msg := <-ch:
			switch msg.Type {
			case typeRegistered:
				var payload registeredPayload
				if err := json.Unmarshal(msg.Payload, &payload); err != nil {
					return "", fmt.Errorf("failed unmarshalling registration: %w", err)
				}
				return payload.ClientKey, nil
			case typeError:
				return "", fmt.Errorf("%w: %s", castkit.ErrPairingRejected, msg.Error)
			case typeResponse:
				var payload responsePayload
				_ = json.Unmarshal(msg.Payload, &payload)
				if len(payload.PairingType) > 0 && stopAtPrompt {
					return "", nil
				}
			}
		case <-c.Done():
			return "", fmt.Errorf("%w: connection closed while registering", castkit.ErrDeviceUnreachable)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (p *Protocol) Dial(ctx context.Context, svc castkit.ServiceDescription, token string) (castkit.Transport, error) {
	if len(token) == 0 {
		return nil, castkit.ErrPairingRequired
	}

	c, err := p.open(ctx, svc)
	if err != nil {
		return nil, err
	}

	id, ch, err := p.register(ctx, c, token)
	if err != nil {
		c.Close()
		return nil, err
	}

	key, err := awaitRegistered(ctx, c, ch, true)
	c.unsubscribe(id)
	if err != nil {
		c.Close()
		return nil, err
	} else if len(key) == 0 {
		// the TV did not accept the key and prompts for a new pairing
		c.Close()
		return nil, fmt.Errorf("client key refused: %w", castkit.ErrPairingRequired)
	}

	p.log.Debugf("registered with %s", svc.Address())
	return newTransport(p, c), nil
}

type pairingExchange struct {
	conn      *conn
	id        string
	ch        chan Message
	challenge capability.Challenge
}

func (p *Protocol) BeginPairing(ctx context.Context, svc castkit.ServiceDescription) (capability.PairingExchange, error) {
	c, err := p.open(ctx, svc)
	if err != nil {
		return nil, err
	}

	id, ch, err := p.register(ctx, c, "")
	if err != nil {
		c.Close()
		return nil, err
	}

	challenge := capability.Challenge{Type: capability.ChallengePIN}
	if p.opts.Prompt {
		challenge.Type = capability.ChallengePrompt
		return &pairingExchange{conn: c, id: id, ch: ch, challenge: challenge}, nil
	}

	// wait for the TV to show the PIN
	if _, err := awaitRegistered(ctx, c, ch, true); err != nil {
		c.unsubscribe(id)
		c.Close()
		return nil, err
	}

	return &pairingExchange{conn: c, id: id, ch: ch, challenge: challenge}, nil
}

func (e *pairingExchange) Challenge() capability.Challenge {
	return e.challenge
}

func (e *pairingExchange) Submit(ctx context.Context, code string) (string, error) {
	if e.challenge.Type == capability.ChallengePIN {
		if err := e.conn.request(ctx, "ssap://pairing/setPin", map[string]string{"pin": code}, nil); err != nil {
			if errors.Is(err, castkit.ErrTransportLost) || errors.Is(err, context.DeadlineExceeded) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", castkit.ErrPairingRejected, err)
		}
	}

	key, err := awaitRegistered(ctx, e.conn, e.ch, false)
	if err != nil {
		return "", err
	}

	return key, nil
}

func (e *pairingExchange) Close() error {
	e.conn.unsubscribe(e.id)
	e.conn.Close()
	return nil
}
