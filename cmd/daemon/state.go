package main

import (
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
)

const stateWriteDelay = 2 * time.Second

// stateStore persists pairing tokens and the device cache in the AppState.
// Writes are coalesced, Flush forces a pending write.
type stateStore struct {
	log   castkit.Logger
	state *castkit.AppState

	lock  sync.Mutex
	timer *time.Timer
	cache func() ([]byte, error)
}

func newStateStore(log castkit.Logger, state *castkit.AppState) *stateStore {
	return &stateStore{log: log, state: state}
}

func (s *stateStore) Token(deviceId string, protocolId castkit.ProtocolId) string {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.PairingTokens[castkit.PairingTokenKey(deviceId, protocolId)]
}

func (s *stateStore) SetToken(deviceId string, protocolId castkit.ProtocolId, token string) {
	s.state.Lock()
	s.state.PairingTokens[castkit.PairingTokenKey(deviceId, protocolId)] = token
	s.state.Unlock()

	// tokens are written right away
	s.Flush()
}

func (s *stateStore) DeleteToken(deviceId string, protocolId castkit.ProtocolId) {
	s.state.Lock()
	delete(s.state.PairingTokens, castkit.PairingTokenKey(deviceId, protocolId))
	s.state.Unlock()

	s.Flush()
}

// SetCacheSource sets the function exporting the device cache on write.
func (s *stateStore) SetCacheSource(fn func() ([]byte, error)) {
	s.lock.Lock()
	s.cache = fn
	s.lock.Unlock()
}

// DeviceCache returns the cache stored by the previous run.
func (s *stateStore) DeviceCache() []byte {
	s.state.Lock()
	defer s.state.Unlock()
	return s.state.DeviceCache
}

// Schedule writes the state after a short delay.
func (s *stateStore) Schedule() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.timer != nil {
		return
	}

	s.timer = time.AfterFunc(stateWriteDelay, s.Flush)
}

func (s *stateStore) Flush() {
	s.lock.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cache := s.cache
	s.lock.Unlock()

	if cache != nil {
		data, err := cache()
		if err != nil {
			s.log.WithError(err).Warnf("failed exporting device cache")
		} else {
			s.state.Lock()
			s.state.DeviceCache = data
			s.state.Unlock()
		}
	}

	if err := s.state.Write(); err != nil {
		s.log.WithError(err).Errorf("failed writing app state")
	}
}
