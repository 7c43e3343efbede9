package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"golang.org/x/crypto/hkdf"
)

// TokenStore keeps pairing tokens between sessions.
type TokenStore interface {
	Token(deviceId string, protocolId castkit.ProtocolId) string
	SetToken(deviceId string, protocolId castkit.ProtocolId, token string)
	DeleteToken(deviceId string, protocolId castkit.ProtocolId)
}

type MemoryTokenStore struct {
	lock   sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]string{}}
}

func (s *MemoryTokenStore) Token(deviceId string, protocolId castkit.ProtocolId) string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.tokens[castkit.PairingTokenKey(deviceId, protocolId)]
}

func (s *MemoryTokenStore) SetToken(deviceId string, protocolId castkit.ProtocolId, token string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tokens[castkit.PairingTokenKey(deviceId, protocolId)] = token
}

func (s *MemoryTokenStore) DeleteToken(deviceId string, protocolId castkit.ProtocolId) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.tokens, castkit.PairingTokenKey(deviceId, protocolId))
}

// PairingManager runs pairing exchanges and keeps the resulting tokens.
type PairingManager struct {
	log   castkit.Logger
	store TokenStore
}

func NewPairingManager(log castkit.Logger, store TokenStore) *PairingManager {
	if log == nil {
		log = &castkit.NullLogger{}
	}
	if store == nil {
		store = NewMemoryTokenStore()
	}

	return &PairingManager{log: log, store: store}
}

func (pm *PairingManager) Token(deviceId string, protocolId castkit.ProtocolId) string {
	return pm.store.Token(deviceId, protocolId)
}

// Forget drops the token of a device, the next connect pairs again.
func (pm *PairingManager) Forget(deviceId string, protocolId castkit.ProtocolId) {
	pm.store.DeleteToken(deviceId, protocolId)
}

// Pairing is an ongoing exchange started by BeginPairing.
type Pairing struct {
	pm       *PairingManager
	deviceId string
	protocol castkit.ProtocolId
	exchange capability.PairingExchange
}

// BeginPairing starts pairing with the device over the given protocol.
func (pm *PairingManager) BeginPairing(ctx context.Context, dev castkit.DiscoveredDevice, proto capability.Protocol) (*Pairing, error) {
	desc := proto.Descriptor()

	pairer, ok := proto.(capability.Pairer)
	if !ok {
		return nil, fmt.Errorf("protocol %s does not support pairing: %w", desc.ID, castkit.ErrCapabilityNotSupported)
	}

	svc, ok := dev.Service(desc.ID)
	if !ok {
		return nil, fmt.Errorf("device %s has no %s service: %w", dev.DeviceId, desc.ID, castkit.ErrDeviceUnreachable)
	}

	exchange, err := pairer.BeginPairing(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("failed beginning %s pairing: %w", desc.ID, err)
	}

	pm.log.WithDevice(dev.DeviceId).Debugf("pairing started via %s, challenge: %s", desc.ID, exchange.Challenge().Type)
	return &Pairing{pm: pm, deviceId: dev.DeviceId, protocol: desc.ID, exchange: exchange}, nil
}

func (p *Pairing) Challenge() capability.Challenge {
	return p.exchange.Challenge()
}

// Submit sends the user code, the token is stored on success.
func (p *Pairing) Submit(ctx context.Context, code string) (string, error) {
	token, err := p.exchange.Submit(ctx, code)
	if err != nil {
		return "", err
	}

	p.pm.store.SetToken(p.deviceId, p.protocol, token)
	p.pm.log.WithDevice(p.deviceId).Infof("paired via %s, token: %s", p.protocol, castkit.ObfuscateToken(token))
	return token, nil
}

func (p *Pairing) Close() error {
	return p.exchange.Close()
}

// NumericComparisonCode derives the six digit code both sides display during
// a numeric comparison pairing.
func NumericComparisonCode(secret, controllerNonce, deviceNonce []byte) (string, error) {
	salt := make([]byte, 0, len(controllerNonce)+len(deviceNonce))
	salt = append(salt, controllerNonce...)
	salt = append(salt, deviceNonce...)

	var buf [4]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte("castkit numeric comparison")), buf[:]); err != nil {
		return "", fmt.Errorf("failed deriving comparison code: %w", err)
	}

	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(buf[:])%1000000), nil
}
