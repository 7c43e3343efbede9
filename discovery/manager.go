package discovery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	castkit "github.com/devgianlu/go-castkit"
	"golang.org/x/exp/slices"
)

var ErrManagerClosed = errors.New("discovery manager closed")

const defaultMaxRestarts = 5

type Options struct {
	// TTL overrides the expiry window of every provider, by default a service
	// expires after three times the refresh interval of its provider.
	TTL time.Duration

	// MaxRestarts is the number of restarts attempted for a failing provider
	// before it is marked degraded.
	MaxRestarts uint64

	// RestartBackOff returns the backoff policy used between provider restarts.
	RestartBackOff func() backoff.BackOff
}

type managerCmdType int

const (
	managerCmdStart managerCmdType = iota
	managerCmdStop
	managerCmdImport
	managerCmdStates
	managerCmdRestart
)

type managerCmd struct {
	typ  managerCmdType
	data any
	resp chan any
}

type providerFailure struct {
	id  castkit.ProtocolId
	gen int
	err error
}

type restartRequest struct {
	id  castkit.ProtocolId
	gen int
}

type providerHandle struct {
	provider Provider
	state    ProviderState
	gen      int
	backoff  backoff.BackOff
	timer    *time.Timer
}

type record struct {
	dev  castkit.DiscoveredDevice
	seen map[castkit.ProtocolId]time.Time
}

// Manager runs discovery providers and merges their sightings into a
// de-duplicated registry of devices. All registry mutations happen on a
// single goroutine, readers get immutable snapshots.
type Manager struct {
	log  castkit.Logger
	opts Options

	providers map[castkit.ProtocolId]*providerHandle

	sightings chan Sighting
	failures  chan providerFailure
	cmd       chan managerCmd
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[[]castkit.DiscoveredDevice]

	listeners     map[int]*listener
	listenersNext int
	listenersLock sync.Mutex

	// owned by the manage loop
	devices map[string]*record
	hints   []Hint
	pending []Event
	dirty   bool
	sweep   *time.Ticker
}

func NewManager(log castkit.Logger, opts Options, providers ...Provider) (*Manager, error) {
	if log == nil {
		log = &castkit.NullLogger{}
	}

	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if opts.RestartBackOff == nil {
		opts.RestartBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		}
	}

	m := &Manager{
		log:       log,
		opts:      opts,
		providers: map[castkit.ProtocolId]*providerHandle{},
		sightings: make(chan Sighting, 64),
		failures:  make(chan providerFailure),
		cmd:       make(chan managerCmd),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: map[int]*listener{},
		devices:   map[string]*record{},
	}

	for _, p := range providers {
		if _, ok := m.providers[p.ID()]; ok {
			return nil, fmt.Errorf("duplicate provider for protocol %s", p.ID())
		}

		m.providers[p.ID()] = &providerHandle{provider: p}
	}

	empty := make([]castkit.DiscoveredDevice, 0)
	m.snapshot.Store(&empty)

	go m.manageLoop()
	return m, nil
}

func (m *Manager) send(typ managerCmdType, data any) (any, error) {
	resp := make(chan any, 1)
	select {
	case m.cmd <- managerCmd{typ: typ, data: data, resp: resp}:
	case <-m.done:
		return nil, ErrManagerClosed
	}

	select {
	case r := <-resp:
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	case <-m.done:
		return nil, ErrManagerClosed
	}
}

// Start activates the providers for the given protocols, or all of them if
// none is given. Already active providers are left untouched, degraded ones
// are restarted. Providers failing to start are logged and skipped.
func (m *Manager) Start(ids ...castkit.ProtocolId) error {
	_, err := m.send(managerCmdStart, ids)
	return err
}

// Stop stops all providers and clears the registry, a Removed event is
// emitted for every known device.
func (m *Manager) Stop() error {
	_, err := m.send(managerCmdStop, nil)
	return err
}

// ImportCache feeds a previously exported cache back as discovery hints.
func (m *Manager) ImportCache(data []byte) error {
	hints, err := DecodeCache(data)
	if err != nil {
		return err
	}

	_, err = m.send(managerCmdImport, hints)
	return err
}

// ExportCache serializes the current registry into an opaque blob.
func (m *Manager) ExportCache() ([]byte, error) {
	return EncodeCache(m.Snapshot())
}

func (m *Manager) ProviderStates() map[castkit.ProtocolId]ProviderState {
	resp, err := m.send(managerCmdStates, nil)
	if err != nil {
		return map[castkit.ProtocolId]ProviderState{}
	}

	return resp.(map[castkit.ProtocolId]ProviderState)
}

// Snapshot returns the devices currently known, sorted by id.
func (m *Manager) Snapshot() []castkit.DiscoveredDevice {
	devs := *m.snapshot.Load()
	out := make([]castkit.DiscoveredDevice, len(devs))
	for i, dev := range devs {
		out[i] = dev.Clone()
	}

	return out
}

func (m *Manager) Device(id string) (castkit.DiscoveredDevice, bool) {
	devs := *m.snapshot.Load()
	idx, found := slices.BinarySearchFunc(devs, id, func(d castkit.DiscoveredDevice, id string) int {
		switch {
		case d.DeviceId < id:
			return -1
		case d.DeviceId > id:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return castkit.DiscoveredDevice{}, false
	}

	return devs[idx].Clone(), true
}

// OnDeviceChanged registers a listener for registry events. Events are
// delivered in order on a dedicated goroutine, the returned function
// unregisters the listener.
func (m *Manager) OnDeviceChanged(fn func(Event)) func() {
	l := newListener(fn)

	m.listenersLock.Lock()
	id := m.listenersNext
	m.listenersNext++
	m.listeners[id] = l
	m.listenersLock.Unlock()

	go l.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersLock.Lock()
			delete(m.listeners, id)
			m.listenersLock.Unlock()

			l.close()
		})
	}
}

// Close stops every provider and the manager goroutines.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.Stop()

		close(m.stop)
		<-m.done

		m.listenersLock.Lock()
		ls := m.listeners
		m.listeners = map[int]*listener{}
		m.listenersLock.Unlock()

		for _, l := range ls {
			l.close()
			<-l.done
		}
	})
}

func (m *Manager) manageLoop() {
	defer close(m.done)

	for {
		var sweepC <-chan time.Time
		if m.sweep != nil {
			sweepC = m.sweep.C
		}

		select {
		case <-m.stop:
			m.shutdown()
			return
		case s := <-m.sightings:
			m.handleSighting(s, time.Now())
		case f := <-m.failures:
			m.handleFailure(f)
		case now := <-sweepC:
			m.expire(now)
		case cmd := <-m.cmd:
			resp := m.handleCmd(cmd)
			m.flush()
			cmd.resp <- resp
			continue
		}

		m.flush()
	}
}

func (m *Manager) handleCmd(cmd managerCmd) any {
	switch cmd.typ {
	case managerCmdStart:
		ids := cmd.data.([]castkit.ProtocolId)
		if len(ids) == 0 {
			for id := range m.providers {
				ids = append(ids, id)
			}
			slices.Sort(ids)
		}

		for _, id := range ids {
			if _, ok := m.providers[id]; !ok {
				return fmt.Errorf("no provider for protocol %s", id)
			}
		}

		for _, id := range ids {
			m.startProvider(id)
		}

		m.resetSweep()
		return nil
	case managerCmdStop:
		for id := range m.providers {
			m.stopProvider(id)
		}

		for id, rec := range m.devices {
			delete(m.devices, id)
			m.emit(EventRemoved, rec)
		}

		m.resetSweep()
		return nil
	case managerCmdImport:
		m.hints = cmd.data.([]Hint)
		m.log.Debugf("imported %d device hints", len(m.hints))

		for id, h := range m.providers {
			hinter, ok := h.provider.(Hinter)
			if !ok || h.state != ProviderActive {
				continue
			}

			if addrs := hintAddresses(m.hints, id); len(addrs) > 0 {
				hinter.Hint(addrs)
			}
		}
		return nil
	case managerCmdStates:
		states := make(map[castkit.ProtocolId]ProviderState, len(m.providers))
		for id, h := range m.providers {
			states[id] = h.state
		}
		return states
	case managerCmdRestart:
		req := cmd.data.(restartRequest)
		h := m.providers[req.id]
		if h.gen != req.gen || h.state != ProviderRestarting {
			return nil
		}

		m.log.WithProtocol(req.id).Debugf("restarting discovery provider")
		m.searchProvider(h)
		m.resetSweep()
		return nil
	default:
		panic("unknown manager command")
	}
}

func (m *Manager) startProvider(id castkit.ProtocolId) {
	h := m.providers[id]
	switch h.state {
	case ProviderActive:
		m.log.WithProtocol(id).Tracef("discovery provider already active")
		return
	case ProviderRestarting:
		// an explicit start takes over a pending restart
		h.timer.Stop()
	}

	h.backoff = backoff.WithMaxRetries(m.opts.RestartBackOff(), m.opts.MaxRestarts)
	m.searchProvider(h)
}

func (m *Manager) searchProvider(h *providerHandle) {
	log := m.log.WithProtocol(h.provider.ID())

	h.gen++
	errs, err := h.provider.Search(m.sightings)
	if err != nil {
		log.WithError(err).Warnf("failed starting discovery provider, skipping")
		m.scheduleRestart(h, fmt.Errorf("%w: %v", castkit.ErrProviderUnavailable, err))
		return
	}

	h.state = ProviderActive
	log.Debugf("discovery provider started")

	if addrs := hintAddresses(m.hints, h.provider.ID()); len(addrs) > 0 {
		if hinter, ok := h.provider.(Hinter); ok {
			hinter.Hint(addrs)
		}
	}

	go m.watchProvider(h.provider.ID(), h.gen, errs)
}

func (m *Manager) watchProvider(id castkit.ProtocolId, gen int, errs <-chan error) {
	err, ok := <-errs
	if !ok || err == nil {
		return
	}

	select {
	case m.failures <- providerFailure{id: id, gen: gen, err: err}:
	case <-m.stop:
	}
}

func (m *Manager) handleFailure(f providerFailure) {
	h := m.providers[f.id]
	if h.gen != f.gen || h.state != ProviderActive {
		return
	}

	m.log.WithProtocol(f.id).WithError(f.err).Warnf("discovery provider failed")
	h.provider.StopSearch()
	m.scheduleRestart(h, f.err)
}

func (m *Manager) scheduleRestart(h *providerHandle, cause error) {
	log := m.log.WithProtocol(h.provider.ID())

	next := h.backoff.NextBackOff()
	if next == backoff.Stop {
		h.state = ProviderDegraded
		log.WithError(cause).Errorf("discovery provider degraded, giving up restarts")
		m.resetSweep()
		return
	}

	h.state = ProviderRestarting
	req := restartRequest{id: h.provider.ID(), gen: h.gen}
	h.timer = time.AfterFunc(next, func() {
		select {
		case m.cmd <- managerCmd{typ: managerCmdRestart, data: req, resp: make(chan any, 1)}:
		case <-m.stop:
		}
	})

	log.Debugf("discovery provider restart scheduled in %v", next)
}

func (m *Manager) stopProvider(id castkit.ProtocolId) {
	h := m.providers[id]
	switch h.state {
	case ProviderActive:
		h.provider.StopSearch()
		m.log.WithProtocol(id).Debugf("discovery provider stopped")
	case ProviderRestarting:
		h.timer.Stop()
	}

	// invalidates pending failures and restarts
	h.gen++
	h.state = ProviderIdle
}

func (m *Manager) shutdown() {
	for id := range m.providers {
		m.stopProvider(id)
	}

	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
}

// ttl returns the expiry window of services found by the given protocol.
func (m *Manager) ttl(id castkit.ProtocolId) time.Duration {
	if m.opts.TTL > 0 {
		return m.opts.TTL
	}

	if h, ok := m.providers[id]; ok {
		return 3 * h.provider.RefreshInterval()
	}

	return 0
}

// resetSweep sets the expiry sweep period to half the shortest refresh
// interval among running providers. Without running providers the sweep
// keeps going while devices are still registered.
func (m *Manager) resetSweep() {
	var period time.Duration
	for _, h := range m.providers {
		if h.state == ProviderIdle && len(m.devices) == 0 {
			continue
		}

		if interval := h.provider.RefreshInterval() / 2; interval > 0 && (period == 0 || interval < period) {
			period = interval
		}
	}

	if m.opts.TTL > 0 && (period == 0 || m.opts.TTL/2 < period) {
		period = m.opts.TTL / 2
	}

	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}

	if period > 0 {
		m.sweep = time.NewTicker(period)
	}
}

func (m *Manager) handleSighting(s Sighting, now time.Time) {
	h, ok := m.providers[s.ProtocolId]
	if !ok || h.state != ProviderActive {
		// late sighting from a stopped provider
		return
	}

	if s.Lost {
		m.lose(s.Service)
	} else {
		m.merge(s, now)
	}
}

// merge applies a sighting to the registry. Devices are matched by service
// UUID first, then by transport address and protocol. An address is never
// matched when it is held by a service announcing another UUID.
func (m *Manager) merge(s Sighting, now time.Time) {
	svc := s.Service
	pid := svc.ProtocolId()

	owner := m.findByKey(svc.Key())

	var rec *record
	if uuid := svc.ServiceUUID(); len(uuid) > 0 {
		rec = m.findByUUID(uuid)
	}
	if rec == nil && owner != nil && !uuidConflict(owner, svc) {
		rec = owner
	}

	created := false
	if rec == nil {
		rec = m.newRecord(svc, now)
		created = true
	}

	if owner != nil && owner != rec {
		// the address moved to another device
		m.detach(owner, pid)
	}

	changed := false
	if old, ok := rec.dev.Services[pid]; !ok || !old.Equal(svc) {
		rec.dev.Services[pid] = svc
		changed = true
	}

	rec.seen[pid] = now
	rec.dev.LastSeenAt = now
	m.dirty = true

	if len(rec.dev.FriendlyName) == 0 && len(s.FriendlyName) > 0 {
		rec.dev.FriendlyName = s.FriendlyName
		changed = true
	}

	if created {
		m.log.WithDevice(rec.dev.DeviceId).Infof("discovered %s via %s at %s", rec.dev.FriendlyName, pid, svc.Address())
		m.emit(EventAdded, rec)
		if m.sweep == nil {
			m.resetSweep()
		}
	} else if changed {
		m.log.WithDevice(rec.dev.DeviceId).Debugf("device updated via %s", pid)
		m.emit(EventUpdated, rec)
	}
}

// uuidConflict reports whether the device service at the same address
// belongs to a different physical device than svc.
func uuidConflict(owner *record, svc castkit.ServiceDescription) bool {
	held, ok := owner.dev.Services[svc.ProtocolId()]
	return ok && differentUUID(held, svc)
}

func (m *Manager) lose(svc castkit.ServiceDescription) {
	var rec *record
	if uuid := svc.ServiceUUID(); len(uuid) > 0 {
		rec = m.findByUUID(uuid)
	}
	if rec == nil {
		if owner := m.findByKey(svc.Key()); owner != nil && !uuidConflict(owner, svc) {
			rec = owner
		}
	}
	if rec == nil {
		return
	}

	if _, ok := rec.dev.Services[svc.ProtocolId()]; !ok {
		return
	}

	m.log.WithDevice(rec.dev.DeviceId).Debugf("device left %s", svc.ProtocolId())
	m.detach(rec, svc.ProtocolId())
}

// detach removes a service from a device, the device is removed when it has
// no services left.
func (m *Manager) detach(rec *record, pid castkit.ProtocolId) {
	delete(rec.dev.Services, pid)
	delete(rec.seen, pid)

	if len(rec.dev.Services) == 0 {
		delete(m.devices, rec.dev.DeviceId)
		m.log.WithDevice(rec.dev.DeviceId).Infof("device %s removed", rec.dev.FriendlyName)
		m.emit(EventRemoved, rec)
	} else {
		m.emit(EventUpdated, rec)
	}
}

func (m *Manager) expire(now time.Time) {
	for _, rec := range m.sortedRecords() {
		for pid, seen := range rec.seen {
			if ttl := m.ttl(pid); ttl > 0 && now.Sub(seen) > ttl {
				m.log.WithDevice(rec.dev.DeviceId).Debugf("service %s expired", pid)
				m.detach(rec, pid)
			}
		}
	}

	if len(m.devices) == 0 {
		m.resetSweep()
	}
}

func (m *Manager) newRecord(svc castkit.ServiceDescription, now time.Time) *record {
	rec := &record{
		dev: castkit.DiscoveredDevice{
			DeviceId:    castkit.DeviceIdFor(svc),
			Services:    map[castkit.ProtocolId]castkit.ServiceDescription{},
			FirstSeenAt: now,
		},
		seen: map[castkit.ProtocolId]time.Time{},
	}

	if idx := matchHint(m.hints, svc); idx >= 0 {
		hint := m.hints[idx]
		m.hints = slices.Delete(m.hints, idx, idx+1)

		if _, taken := m.devices[hint.DeviceId]; !taken && len(hint.DeviceId) > 0 {
			rec.dev.DeviceId = hint.DeviceId
		}
		rec.dev.FriendlyName = hint.FriendlyName
		if !hint.FirstSeenAt.IsZero() {
			rec.dev.FirstSeenAt = hint.FirstSeenAt
		}
	}

	base := rec.dev.DeviceId
	for i := 2; ; i++ {
		if _, taken := m.devices[rec.dev.DeviceId]; !taken {
			break
		}
		rec.dev.DeviceId = fmt.Sprintf("%s#%d", base, i)
	}

	m.devices[rec.dev.DeviceId] = rec
	return rec
}

func (m *Manager) findByUUID(uuid string) *record {
	for _, rec := range m.devices {
		for _, svc := range rec.dev.Services {
			if svc.ServiceUUID() == uuid {
				return rec
			}
		}
	}

	return nil
}

func (m *Manager) findByKey(key string) *record {
	for _, rec := range m.devices {
		for _, svc := range rec.dev.Services {
			if svc.Key() == key {
				return rec
			}
		}
	}

	return nil
}

func (m *Manager) sortedRecords() []*record {
	recs := make([]*record, 0, len(m.devices))
	for _, rec := range m.devices {
		recs = append(recs, rec)
	}

	slices.SortFunc(recs, func(a, b *record) int {
		switch {
		case a.dev.DeviceId < b.dev.DeviceId:
			return -1
		case a.dev.DeviceId > b.dev.DeviceId:
			return 1
		default:
			return 0
		}
	})
	return recs
}

func (m *Manager) emit(typ EventType, rec *record) {
	m.pending = append(m.pending, Event{Type: typ, Device: rec.dev.Clone()})
}

// flush publishes a new snapshot and then delivers the pending events.
func (m *Manager) flush() {
	if len(m.pending) == 0 && !m.dirty {
		return
	}

	recs := m.sortedRecords()
	devs := make([]castkit.DiscoveredDevice, len(recs))
	for i, rec := range recs {
		devs[i] = rec.dev.Clone()
	}
	m.snapshot.Store(&devs)
	m.dirty = false

	m.listenersLock.Lock()
	for _, l := range m.listeners {
		l.push(m.pending...)
	}
	m.listenersLock.Unlock()

	m.pending = nil
}

type listener struct {
	fn     func(Event)
	queue  []Event
	lock   sync.Mutex
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
}

func newListener(fn func(Event)) *listener {
	return &listener{
		fn:     fn,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *listener) push(evs ...Event) {
	l.lock.Lock()
	l.queue = append(l.queue, evs...)
	l.lock.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *listener) close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *listener) run() {
	defer close(l.done)

	for {
		select {
		case <-l.notify:
			l.drain()
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *listener) drain() {
	for {
		l.lock.Lock()
		if len(l.queue) == 0 {
			l.lock.Unlock()
			return
		}

		ev := l.queue[0]
		l.queue = l.queue[1:]
		l.lock.Unlock()

		l.fn(ev)
	}
}
