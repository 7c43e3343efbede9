package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/google/uuid"
)

// Session is the connection state machine towards a single device.
//
// Disconnected -> Pairing -> Connecting -> Connected, with Error reached when
// pairing fails or the device cannot be reached after the retry policy. A
// lost transport brings the session back to Disconnected and schedules a
// reconnect. Disconnect is allowed in any state.
type Session struct {
	id   string
	log  castkit.Logger
	opts Options

	registry *capability.Registry
	pairing  *PairingManager

	lock       sync.Mutex
	device     castkit.DiscoveredDevice
	state      State
	protocol   capability.Protocol
	transports map[castkit.ProtocolId]castkit.Transport
	lastErr    error
	gen        int
	ctx        context.Context
	cancel     context.CancelFunc
	exchange   *Pairing
	waiters    []ChallengeFunc
	pairTimer  *time.Timer
	closed     bool

	queue   *CommandQueue
	changes *notifier[StateChange]
	wg      sync.WaitGroup
}

func New(log castkit.Logger, dev castkit.DiscoveredDevice, registry *capability.Registry, pairing *PairingManager, opts Options) *Session {
	if log == nil {
		log = &castkit.NullLogger{}
	}
	if pairing == nil {
		pairing = NewPairingManager(log, nil)
	}

	s := &Session{
		id:         uuid.NewString(),
		opts:       opts.withDefaults(),
		registry:   registry,
		pairing:    pairing,
		device:     dev.Clone(),
		state:      StateDisconnected,
		transports: map[castkit.ProtocolId]castkit.Transport{},
		changes:    newNotifier[StateChange](),
	}
	s.log = log.WithDevice(dev.DeviceId).WithField("session", s.id)
	s.queue = newCommandQueue(s.log, s.execute, s.onFatal, s.ready)

	return s
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) Device() castkit.DiscoveredDevice {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.device.Clone()
}

// UpdateDevice replaces the device snapshot, used for later dials.
func (s *Session) UpdateDevice(dev castkit.DiscoveredDevice) {
	s.lock.Lock()
	s.device = dev.Clone()
	s.lock.Unlock()
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) LastError() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastErr
}

// ActiveProtocol returns the protocol the session connects through.
func (s *Session) ActiveProtocol() castkit.ProtocolId {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.protocol == nil {
		return ""
	}
	return s.protocol.Descriptor().ID
}

// OnStateChange registers a listener for state transitions. Transitions are
// delivered in order on a dedicated goroutine.
func (s *Session) OnStateChange(fn func(StateChange)) func() {
	return s.changes.subscribe(fn)
}

// Challenge returns the pending pairing challenge, if any.
func (s *Session) Challenge() (capability.Challenge, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.exchange == nil {
		return capability.Challenge{}, false
	}
	return s.exchange.Challenge(), true
}

// setState must be called with the lock held.
func (s *Session) setState(to State, err error) {
	from := s.state
	if from == to && err == nil {
		return
	}

	s.state = to
	s.lastErr = err

	if err != nil {
		s.log.WithError(err).Debugf("session %s -> %s", from, to)
	} else {
		s.log.Debugf("session %s -> %s", from, to)
	}

	if to == StateConnected {
		s.log.Infof("connected to %s via %s", s.device.FriendlyName, s.protocol.Descriptor().ID)
	}

	s.changes.push(StateChange{SessionId: s.id, DeviceId: s.device.DeviceId, From: from, To: to, Err: err})
}

// Connect starts connecting through the given protocol, or the most
// preferred protocol of the device if empty. It returns once the attempt has
// started, progress is reported through state changes.
func (s *Session) Connect(pid castkit.ProtocolId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return fmt.Errorf("session closed: %w", castkit.ErrNotConnected)
	}

	switch s.state {
	case StatePairing, StateConnecting, StateConnected:
		return nil
	case StateError:
		return fmt.Errorf("session must be reset first: %w", s.lastErr)
	}

	proto, err := s.pickProtocol(pid)
	if err != nil {
		return err
	}

	desc := proto.Descriptor()
	s.protocol = proto
	s.gen++
	s.ctx, s.cancel = context.WithCancel(context.Background())

	token := s.pairing.Token(s.device.DeviceId, desc.ID)
	if desc.RequiresPairing && len(token) == 0 {
		s.setState(StatePairing, nil)
		s.startPairing(s.ctx, s.gen, proto)
		return nil
	}

	s.setState(StateConnecting, nil)
	s.startConnect(s.ctx, s.gen, proto, token, false)
	return nil
}

func (s *Session) pickProtocol(pid castkit.ProtocolId) (capability.Protocol, error) {
	if len(pid) > 0 {
		proto, ok := s.registry.Protocol(pid)
		if !ok {
			return nil, fmt.Errorf("unknown protocol %s: %w", pid, castkit.ErrInvalidArgument)
		} else if _, ok := s.device.Service(pid); !ok {
			return nil, fmt.Errorf("device %s has no %s service: %w", s.device.DeviceId, pid, castkit.ErrDeviceUnreachable)
		}

		return proto, nil
	}

	protocols := s.registry.Protocols(s.device)
	if len(protocols) == 0 {
		return nil, fmt.Errorf("no control protocol for %s: %w", s.device.DeviceId, castkit.ErrCapabilityNotSupported)
	}

	return s.preferUnpaired(protocols), nil
}

// preferUnpaired returns the first protocol usable without a pairing prompt
// when the pairing level is off, the first protocol otherwise. Must be
// called with the lock held.
func (s *Session) preferUnpaired(protocols []capability.Protocol) capability.Protocol {
	if s.opts.PairingLevel != PairingOff {
		return protocols[0]
	}

	for _, p := range protocols {
		if !s.needsPairing(p) {
			return p
		}
	}

	return protocols[0]
}

func (s *Session) needsPairing(p capability.Protocol) bool {
	desc := p.Descriptor()
	return desc.RequiresPairing && len(s.pairing.Token(s.device.DeviceId, desc.ID)) == 0
}

// resolve picks the protocol running the capability. Must be called with
// the lock held.
func (s *Session) resolve(name string, connected castkit.ProtocolId) (capability.Protocol, error) {
	candidates := s.registry.Candidates(s.device, name, connected)
	if len(candidates) == 0 {
		return s.registry.Resolve(s.device, name, connected)
	}

	return s.preferUnpaired(candidates), nil
}

// BeginPairing delivers the pairing challenge to fn, connecting first if
// the session is disconnected.
func (s *Session) BeginPairing(fn ChallengeFunc) {
	if s.State() == StateDisconnected {
		if err := s.Connect(""); err != nil {
			fn(capability.Challenge{}, err)
			return
		}
	}

	s.lock.Lock()
	if s.state != StatePairing {
		state := s.state
		s.lock.Unlock()

		fn(capability.Challenge{}, fmt.Errorf("session is %s, not pairing: %w", state, castkit.ErrInvalidArgument))
		return
	}

	if s.exchange != nil {
		challenge := s.exchange.Challenge()
		s.lock.Unlock()

		fn(challenge, nil)
		return
	}

	s.waiters = append(s.waiters, fn)
	s.lock.Unlock()
}

func (s *Session) startPairing(ctx context.Context, gen int, proto capability.Protocol) {
	s.pairTimer = time.AfterFunc(s.opts.PairingTimeout, func() {
		s.lock.Lock()
		if gen != s.gen || s.state != StatePairing {
			s.lock.Unlock()
			return
		}

		t := s.teardownLocked()
		s.setState(StateError, castkit.ErrPairingTimeout)
		s.lock.Unlock()

		t.release(s.log, aborted(castkit.ErrPairingTimeout), castkit.ErrPairingTimeout)
	})

	dev := s.device.Clone()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		bctx, cancel := context.WithTimeout(ctx, s.opts.PairingTimeout)
		p, err := s.pairing.BeginPairing(bctx, dev, proto)
		cancel()

		s.lock.Lock()
		if gen != s.gen {
			s.lock.Unlock()
			if p != nil {
				_ = p.Close()
			}
			return
		}

		if err != nil {
			err = pairingError(err)
			t := s.teardownLocked()
			s.setState(StateError, err)
			s.lock.Unlock()

			t.release(s.log, aborted(err), err)
			return
		}

		s.exchange = p
		waiters := s.waiters
		s.waiters = nil
		s.lock.Unlock()

		for _, fn := range waiters {
			fn(p.Challenge(), nil)
		}
	}()
}

// SubmitPairingCode answers the pending challenge. On success the session
// moves on to Connecting, fn receives nil once the code has been accepted.
func (s *Session) SubmitPairingCode(code string, fn func(error)) {
	s.lock.Lock()
	if s.state != StatePairing || s.exchange == nil {
		state := s.state
		s.lock.Unlock()

		fn(fmt.Errorf("session is %s, no pending challenge: %w", state, castkit.ErrInvalidArgument))
		return
	}

	p, gen, ctx, proto := s.exchange, s.gen, s.ctx, s.protocol
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		sctx, cancel := context.WithTimeout(ctx, s.opts.PairingTimeout)
		token, err := p.Submit(sctx, code)
		cancel()

		s.lock.Lock()
		if gen != s.gen {
			s.lock.Unlock()
			fn(fmt.Errorf("pairing interrupted: %w", castkit.ErrCommandAborted))
			return
		}

		if err != nil {
			err = pairingError(err)
			t := s.teardownLocked()
			s.setState(StateError, err)
			s.lock.Unlock()

			t.release(s.log, aborted(err), err)
			fn(err)
			return
		}

		s.exchange = nil
		if s.pairTimer != nil {
			s.pairTimer.Stop()
			s.pairTimer = nil
		}

		s.setState(StateConnecting, nil)
		s.startConnect(ctx, gen, proto, token, false)
		s.lock.Unlock()

		if err := p.Close(); err != nil {
			s.log.WithError(err).Debugf("failed closing pairing exchange")
		}

		fn(nil)
	}()
}

func pairingError(err error) error {
	switch {
	case errors.Is(err, castkit.ErrPairingRejected), errors.Is(err, castkit.ErrPairingTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", castkit.ErrPairingTimeout, err)
	case errors.Is(err, castkit.ErrDeviceUnreachable), errors.Is(err, castkit.ErrCapabilityNotSupported):
		return err
	default:
		return fmt.Errorf("%w: %v", castkit.ErrDeviceUnreachable, err)
	}
}

func (s *Session) startConnect(ctx context.Context, gen int, proto capability.Protocol, token string, reconnect bool) {
	s.wg.Add(1)
	go s.connectLoop(ctx, gen, proto, token, reconnect)
}

func (s *Session) connectLoop(ctx context.Context, gen int, proto capability.Protocol, token string, reconnect bool) {
	defer s.wg.Done()

	pid := proto.Descriptor().ID
	b := s.opts.RetryBackOff()

	wait := func(lastErr error) bool {
		next := b.NextBackOff()
		if next == backoff.Stop {
			s.fail(gen, fmt.Errorf("%w: %v", castkit.ErrDeviceUnreachable, lastErr))
			return false
		}

		s.log.Debugf("next %s connect attempt in %v", pid, next)

		timer := time.NewTimer(next)
		defer timer.Stop()

		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if reconnect {
		if !wait(castkit.ErrTransportLost) {
			return
		}

		s.lock.Lock()
		if gen != s.gen {
			s.lock.Unlock()
			return
		}
		s.setState(StateConnecting, nil)
		s.lock.Unlock()
	}

	for {
		s.lock.Lock()
		svc, ok := s.device.Service(pid)
		s.lock.Unlock()

		var tr castkit.Transport
		var err error
		if !ok {
			err = fmt.Errorf("device has no %s service: %w", pid, castkit.ErrDeviceUnreachable)
		} else {
			dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
			tr, err = dial(dctx, proto, svc, token)
			cancel()
		}

		if err == nil {
			s.lock.Lock()
			if gen != s.gen {
				s.lock.Unlock()
				_ = tr.Close()
				return
			}

			s.transports[pid] = tr
			s.setState(StateConnected, nil)
			s.wg.Add(1)
			go s.watchTransport(ctx, gen, pid, tr)
			s.lock.Unlock()

			s.queue.kick()
			return
		}

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, castkit.ErrPairingRejected) {
			// the stored token is no longer valid
			s.pairing.Forget(s.device.DeviceId, pid)
			s.fail(gen, err)
			return
		}

		s.log.WithError(err).Warnf("failed connecting via %s", pid)
		if !wait(err) {
			return
		}
	}
}

// dial opens a transport, recovering from protocol implementation panics.
func dial(ctx context.Context, proto capability.Protocol, svc castkit.ServiceDescription, token string) (tr castkit.Transport, err error) {
	defer func() {
		if r := recover(); r != nil {
			tr, err = nil, fmt.Errorf("%s dial panicked: %v", proto.Descriptor().ID, r)
		}
	}()

	tr, err = proto.Dial(ctx, svc, token)
	if err == nil && tr == nil {
		err = fmt.Errorf("%s dial returned no transport", proto.Descriptor().ID)
	}
	return tr, err
}

func (s *Session) fail(gen int, err error) {
	s.lock.Lock()
	if gen != s.gen {
		s.lock.Unlock()
		return
	}

	t := s.teardownLocked()
	s.setState(StateError, err)
	s.lock.Unlock()

	t.release(s.log, aborted(err), err)
}

// aborted is the outcome of commands dropped because the session failed.
func aborted(cause error) error {
	return fmt.Errorf("%w: %w", castkit.ErrCommandAborted, cause)
}

func (s *Session) watchTransport(ctx context.Context, gen int, pid castkit.ProtocolId, tr castkit.Transport) {
	defer s.wg.Done()

	select {
	case <-tr.Done():
		s.transportLost(gen, pid, tr, castkit.ErrTransportLost)
	case <-ctx.Done():
	}
}

func (s *Session) onFatal(cmd *Command, err error) {
	s.lock.Lock()
	gen := s.gen
	tr := s.transports[cmd.Protocol]
	s.lock.Unlock()

	s.transportLost(gen, cmd.Protocol, tr, err)
}

// transportLost handles a transport going away. Losing the active transport
// drops the session to Disconnected and schedules a reconnect, losing an
// auxiliary one only closes it.
func (s *Session) transportLost(gen int, pid castkit.ProtocolId, tr castkit.Transport, cause error) {
	s.lock.Lock()
	if gen != s.gen || tr == nil || s.transports[pid] != tr {
		s.lock.Unlock()
		return
	}

	if s.protocol == nil || s.protocol.Descriptor().ID != pid {
		delete(s.transports, pid)
		s.lock.Unlock()

		s.log.WithError(cause).Debugf("auxiliary %s transport lost", pid)
		_ = tr.Close()
		return
	}

	proto := s.protocol
	token := s.pairing.Token(s.device.DeviceId, pid)

	t := s.teardownLocked()
	s.setState(StateDisconnected, cause)

	s.protocol = proto
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startConnect(s.ctx, s.gen, proto, token, true)
	s.lock.Unlock()

	s.log.WithError(cause).Warnf("lost %s transport, reconnecting", pid)
	t.release(s.log, aborted(cause), cause)
}

// Disconnect aborts every pending command and closes all transports before
// returning. Automatic reconnection is cancelled.
func (s *Session) Disconnect() {
	s.lock.Lock()
	from := s.state
	t := s.teardownLocked()
	if from != StateDisconnected {
		s.setState(StateDisconnected, nil)
	}
	s.lock.Unlock()

	t.release(s.log, castkit.ErrCommandAborted, castkit.ErrCommandAborted)
}

// Reset brings a session in the Error state back to Disconnected.
func (s *Session) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateError {
		return fmt.Errorf("session is %s, not in error: %w", s.state, castkit.ErrInvalidArgument)
	}

	s.setState(StateDisconnected, nil)
	return nil
}

// Invoke resolves the capability against the device protocols and queues
// it. It returns immediately, fn is called exactly once with the outcome.
// Resolution failures are also returned and leave the session untouched.
func (s *Session) Invoke(name string, args castkit.Arguments, fn ResultFunc) error {
	return s.InvokeDeadline(name, args, time.Now().Add(s.opts.CommandTimeout), fn)
}

func (s *Session) InvokeDeadline(name string, args castkit.Arguments, deadline time.Time, fn ResultFunc) error {
	if fn == nil {
		fn = func(any, error) {}
	}

	s.lock.Lock()

	var connected castkit.ProtocolId
	if s.state == StateConnected && s.protocol != nil {
		connected = s.protocol.Descriptor().ID
	}

	proto, err := s.resolve(name, connected)
	if err != nil {
		s.lock.Unlock()
		fn(nil, err)
		return err
	}

	if !s.state.accepts() || s.closed {
		err := fmt.Errorf("session is %s: %w", s.state, castkit.ErrNotConnected)
		s.lock.Unlock()
		fn(nil, err)
		return err
	}

	cmd := &Command{
		Id:         uuid.NewString(),
		Capability: name,
		Protocol:   proto.Descriptor().ID,
		Arguments:  args,
		Deadline:   deadline,
		Callback:   fn,
	}
	s.queue.Enqueue(cmd)
	s.lock.Unlock()

	s.log.WithField("command", cmd.Id).Tracef("queued %s via %s", name, cmd.Protocol)
	return nil
}

func (s *Session) ready() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state == StateConnected
}

func (s *Session) execute(ctx context.Context, cmd *Command) (any, error) {
	tr, err := s.transportFor(ctx, cmd.Protocol)
	if err != nil {
		return nil, err
	}

	return tr.Execute(ctx, cmd.Capability, cmd.Arguments)
}

// transportFor returns the transport of the protocol, dialing an auxiliary
// one if the command resolved to a protocol other than the active one.
func (s *Session) transportFor(ctx context.Context, pid castkit.ProtocolId) (castkit.Transport, error) {
	s.lock.Lock()
	if s.state != StateConnected {
		state := s.state
		s.lock.Unlock()
		return nil, fmt.Errorf("session is %s: %w", state, castkit.ErrNotConnected)
	}

	if tr, ok := s.transports[pid]; ok {
		s.lock.Unlock()
		return tr, nil
	}

	gen, sctx := s.gen, s.ctx
	svc, hasSvc := s.device.Service(pid)
	token := s.pairing.Token(s.device.DeviceId, pid)
	s.lock.Unlock()

	proto, ok := s.registry.Protocol(pid)
	if !ok || !hasSvc {
		return nil, fmt.Errorf("no %s service: %w", pid, castkit.ErrCapabilityNotSupported)
	} else if proto.Descriptor().RequiresPairing && len(token) == 0 {
		return nil, fmt.Errorf("%s is not paired: %w", pid, castkit.ErrPairingRequired)
	}

	tr, err := dial(ctx, proto, svc, token)
	if err != nil {
		return nil, fmt.Errorf("failed opening %s transport: %w", pid, err)
	}

	s.lock.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.lock.Unlock()
		_ = tr.Close()
		return nil, fmt.Errorf("session changed while dialing: %w", castkit.ErrNotConnected)
	}

	s.transports[pid] = tr
	s.wg.Add(1)
	go s.watchTransport(sctx, gen, pid, tr)
	s.lock.Unlock()

	s.log.Debugf("opened auxiliary %s transport", pid)
	return tr, nil
}

type teardown struct {
	queue      *CommandQueue
	transports []castkit.Transport
	exchange   *Pairing
	waiters    []ChallengeFunc
}

// teardownLocked invalidates the current connection attempt and collects
// what must be released once the lock is dropped.
func (s *Session) teardownLocked() teardown {
	s.gen++

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}

	t := teardown{queue: s.queue, exchange: s.exchange, waiters: s.waiters}
	for pid, tr := range s.transports {
		t.transports = append(t.transports, tr)
		delete(s.transports, pid)
	}

	s.exchange = nil
	s.waiters = nil
	s.protocol = nil
	return t
}

// release fails the pending commands with cmdErr, pairing waiters receive
// the cause itself.
func (t teardown) release(log castkit.Logger, cmdErr, cause error) {
	t.queue.AbortAll(cmdErr)

	for _, tr := range t.transports {
		if cerr := tr.Close(); cerr != nil {
			log.WithError(cerr).Debugf("failed closing transport")
		}
	}

	if t.exchange != nil {
		_ = t.exchange.Close()
	}

	for _, fn := range t.waiters {
		fn(capability.Challenge{}, cause)
	}
}

// Close disconnects and stops the session goroutines. The session cannot be
// used afterwards.
func (s *Session) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	s.lock.Unlock()

	s.Disconnect()
	s.queue.Close()
	s.wg.Wait()
	s.changes.close()
}
