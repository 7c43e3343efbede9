package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/devgianlu/go-castkit/session"
)

var ErrControllerClosed = errors.New("controller closed")

type Options struct {
	Providers    []discovery.Provider
	Protocols    []capability.Protocol
	Capabilities []castkit.Capability

	// CapabilityFilters limits the devices reported to those satisfying at
	// least one filter, all devices are reported if empty.
	CapabilityFilters []capability.Filter

	Discovery discovery.Options
	Session   session.Options

	// Tokens keeps the pairing tokens, in memory if nil.
	Tokens session.TokenStore
}

// Controller is the host facing entry point: it owns discovery, the
// capability registry and a session per device.
type Controller struct {
	log      castkit.Logger
	opts     Options
	manager  *discovery.Manager
	registry *capability.Registry
	pairing  *session.PairingManager

	lock     sync.Mutex
	sessions map[string]*session.Session
	unsub    func()
	closed   bool

	listenersLock sync.RWMutex
	listeners     map[int]func(session.StateChange)
	listenersNext int
}

func New(log castkit.Logger, opts Options) (*Controller, error) {
	if log == nil {
		log = &castkit.NullLogger{}
	}

	registry := capability.NewRegistry()
	for _, c := range opts.Capabilities {
		if err := registry.Define(c); err != nil {
			return nil, fmt.Errorf("failed defining capability %s: %w", c.Name, err)
		}
	}
	for _, p := range opts.Protocols {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("failed registering protocol: %w", err)
		}
	}

	manager, err := discovery.NewManager(log.WithField("component", "discovery"), opts.Discovery, opts.Providers...)
	if err != nil {
		return nil, fmt.Errorf("failed creating discovery manager: %w", err)
	}

	c := &Controller{
		log:       log,
		opts:      opts,
		manager:   manager,
		registry:  registry,
		pairing:   session.NewPairingManager(log.WithField("component", "pairing"), opts.Tokens),
		sessions:  map[string]*session.Session{},
		listeners: map[int]func(session.StateChange){},
	}
	c.unsub = manager.OnDeviceChanged(c.handleDeviceEvent)

	return c, nil
}

// Start starts discovery for the given protocols, all of them if none.
func (c *Controller) Start(ids ...castkit.ProtocolId) error {
	return c.manager.Start(ids...)
}

// Stop stops discovery, sessions are left untouched.
func (c *Controller) Stop() error {
	return c.manager.Stop()
}

// Devices returns the discovered devices matching the capability filters.
func (c *Controller) Devices() []castkit.DiscoveredDevice {
	devices := c.manager.Snapshot()
	if len(c.opts.CapabilityFilters) == 0 {
		return devices
	}

	matching := devices[:0]
	for _, dev := range devices {
		if c.registry.Matches(dev, c.opts.CapabilityFilters) {
			matching = append(matching, dev)
		}
	}
	return matching
}

// Device looks up a discovered device, filters are not applied.
func (c *Controller) Device(deviceId string) (castkit.DiscoveredDevice, bool) {
	return c.manager.Device(deviceId)
}

func (c *Controller) ProviderStates() map[castkit.ProtocolId]discovery.ProviderState {
	return c.manager.ProviderStates()
}

// OnDeviceChanged registers a listener for discovery events of the devices
// matching the capability filters. A device that starts matching is reported
// as added, one that stops matching as removed.
func (c *Controller) OnDeviceChanged(fn func(discovery.Event)) func() {
	if len(c.opts.CapabilityFilters) == 0 {
		return c.manager.OnDeviceChanged(fn)
	}

	// events of a listener are delivered on a single goroutine
	visible := map[string]bool{}
	return c.manager.OnDeviceChanged(func(ev discovery.Event) {
		if ev, ok := c.filterEvent(visible, ev); ok {
			fn(ev)
		}
	})
}

func (c *Controller) filterEvent(visible map[string]bool, ev discovery.Event) (discovery.Event, bool) {
	id := ev.Device.DeviceId
	was := visible[id]
	match := ev.Type != discovery.EventRemoved && c.registry.Matches(ev.Device, c.opts.CapabilityFilters)

	switch {
	case match && was:
	case match:
		visible[id] = true
		ev.Type = discovery.EventAdded
	case was:
		delete(visible, id)
		ev.Type = discovery.EventRemoved
	default:
		return ev, false
	}

	return ev, true
}

// OnSessionState registers a listener for the state changes of every
// session. Changes of the same session are delivered in order.
func (c *Controller) OnSessionState(fn func(session.StateChange)) func() {
	c.listenersLock.Lock()
	id := c.listenersNext
	c.listenersNext++
	c.listeners[id] = fn
	c.listenersLock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersLock.Lock()
			delete(c.listeners, id)
			c.listenersLock.Unlock()
		})
	}
}

func (c *Controller) dispatchState(change session.StateChange) {
	c.listenersLock.RLock()
	fns := make([]func(session.StateChange), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersLock.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (c *Controller) handleDeviceEvent(ev discovery.Event) {
	c.lock.Lock()
	sess, ok := c.sessions[ev.Device.DeviceId]
	if !ok {
		c.lock.Unlock()
		return
	}

	if ev.Type != discovery.EventRemoved {
		c.lock.Unlock()
		sess.UpdateDevice(ev.Device)
		return
	}

	// a connected session outlives its discovery record
	switch sess.State() {
	case session.StateDisconnected, session.StateError:
		delete(c.sessions, ev.Device.DeviceId)
	default:
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()

	c.log.WithDevice(ev.Device.DeviceId).Debugf("dropping session of removed device")
	sess.Close()
}

// session returns the session of the device, creating it if needed.
func (c *Controller) session(deviceId string, create bool) (*session.Session, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, ErrControllerClosed
	}

	if sess, ok := c.sessions[deviceId]; ok {
		return sess, nil
	} else if !create {
		return nil, fmt.Errorf("no session for %s: %w", deviceId, castkit.ErrNotConnected)
	}

	dev, ok := c.manager.Device(deviceId)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceId, castkit.ErrUnknownDevice)
	}

	sess := session.New(c.log, dev, c.registry, c.pairing, c.opts.Session)
	sess.OnStateChange(c.dispatchState)
	c.sessions[deviceId] = sess
	return sess, nil
}

// SessionState returns the state of the device session, Disconnected if
// none was ever opened.
func (c *Controller) SessionState(deviceId string) (session.State, error) {
	sess, err := c.session(deviceId, false)
	if errors.Is(err, castkit.ErrNotConnected) {
		if _, ok := c.manager.Device(deviceId); !ok {
			return session.StateDisconnected, fmt.Errorf("device %s: %w", deviceId, castkit.ErrUnknownDevice)
		}
		return session.StateDisconnected, nil
	} else if err != nil {
		return session.StateDisconnected, err
	}

	return sess.State(), nil
}

// Connect starts connecting to the device through the given protocol, the
// preferred one if empty.
func (c *Controller) Connect(deviceId string, pid castkit.ProtocolId) error {
	sess, err := c.session(deviceId, true)
	if err != nil {
		return err
	}

	return sess.Connect(pid)
}

func (c *Controller) Disconnect(deviceId string) error {
	sess, err := c.session(deviceId, false)
	if errors.Is(err, castkit.ErrNotConnected) {
		return nil
	} else if err != nil {
		return err
	}

	sess.Disconnect()
	return nil
}

func (c *Controller) Reset(deviceId string) error {
	sess, err := c.session(deviceId, false)
	if err != nil {
		return err
	}

	return sess.Reset()
}

// Forget drops the pairing tokens of the device for every protocol.
func (c *Controller) Forget(deviceId string) error {
	dev, ok := c.manager.Device(deviceId)
	if !ok {
		return fmt.Errorf("device %s: %w", deviceId, castkit.ErrUnknownDevice)
	}

	for _, pid := range dev.ProtocolIds() {
		c.pairing.Forget(deviceId, pid)
	}
	return nil
}

// BeginPairing delivers the pairing challenge of the device to fn,
// connecting first if needed.
func (c *Controller) BeginPairing(deviceId string, fn session.ChallengeFunc) {
	sess, err := c.session(deviceId, true)
	if err != nil {
		fn(capability.Challenge{}, err)
		return
	}

	sess.BeginPairing(fn)
}

func (c *Controller) SubmitPairingCode(deviceId, code string, fn func(error)) {
	if fn == nil {
		fn = func(error) {}
	}

	sess, err := c.session(deviceId, false)
	if err != nil {
		fn(err)
		return
	}

	sess.SubmitPairingCode(code, fn)
}

// Invoke runs the capability on the device, fn is called exactly once with
// the outcome. A session is opened on first use but never connected
// implicitly, commands queue while the session is connecting.
func (c *Controller) Invoke(deviceId, name string, args castkit.Arguments, fn session.ResultFunc) error {
	if fn == nil {
		fn = func(any, error) {}
	}

	sess, err := c.session(deviceId, true)
	if err != nil {
		fn(nil, err)
		return err
	}

	return sess.Invoke(name, args, fn)
}

// Do is the blocking form of Invoke, the context deadline becomes the
// command deadline.
func (c *Controller) Do(ctx context.Context, deviceId, name string, args castkit.Arguments) (any, error) {
	sess, err := c.session(deviceId, true)
	if err != nil {
		return nil, err
	}

	type result struct {
		value any
		err   error
	}

	resCh := make(chan result, 1)
	fn := func(v any, err error) { resCh <- result{v, err} }

	if deadline, ok := ctx.Deadline(); ok {
		err = sess.InvokeDeadline(name, args, deadline, fn)
	} else {
		err = sess.Invoke(name, args, fn)
	}
	if err != nil {
		return nil, err
	}

	select {
	case res := <-resCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Capabilities returns the capabilities the device can fulfil.
func (c *Controller) Capabilities(deviceId string) ([]string, error) {
	dev, ok := c.manager.Device(deviceId)
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceId, castkit.ErrUnknownDevice)
	}

	return c.registry.Capabilities(dev), nil
}

func (c *Controller) Supports(deviceId, name string) bool {
	dev, ok := c.manager.Device(deviceId)
	return ok && c.registry.Supports(dev, name)
}

func (c *Controller) ExportCache() ([]byte, error) {
	return c.manager.ExportCache()
}

func (c *Controller) ImportCache(data []byte) error {
	return c.manager.ImportCache(data)
}

// Close disconnects every session and stops discovery.
func (c *Controller) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = map[string]*session.Session{}
	c.lock.Unlock()

	c.unsub()

	for _, sess := range sessions {
		sess.Close()
	}

	c.manager.Close()
}
