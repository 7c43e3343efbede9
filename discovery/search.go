package discovery

import (
	"sync"
)

// Search tracks the goroutines of a single provider search and implements the
// channel contract expected by the Manager.
type Search struct {
	sink chan<- Sighting
	stop chan struct{}
	errs chan error

	wg      sync.WaitGroup
	once    sync.Once
	hooks   []func()
	hooksMu sync.Mutex
}

func NewSearch(sink chan<- Sighting) *Search {
	return &Search{
		sink: sink,
		stop: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

// Errors is the channel returned from Provider.Search.
func (s *Search) Errors() <-chan error {
	return s.errs
}

// Stopped is closed once Stop has been called.
func (s *Search) Stopped() <-chan struct{} {
	return s.stop
}

// Go runs fn as part of the search, Stop waits for it to return.
func (s *Search) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// OnStop registers fn to run right after the search is signalled to stop,
// before waiting for the search goroutines. Used to unblock network reads.
func (s *Search) OnStop(fn func()) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// Emit delivers a sighting, it returns false if the search was stopped.
func (s *Search) Emit(sig Sighting) bool {
	select {
	case <-s.stop:
		return false
	default:
	}

	select {
	case s.sink <- sig:
		return true
	case <-s.stop:
		return false
	}
}

// Fail reports a crash of the search loop, only the first one is kept.
func (s *Search) Fail(err error) {
	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.errs <- err:
	default:
	}
}

// Stop stops the search and waits for its goroutines. It is safe to call more
// than once.
func (s *Search) Stop() {
	s.once.Do(func() {
		close(s.stop)

		s.hooksMu.Lock()
		hooks := s.hooks
		s.hooksMu.Unlock()
		for _, fn := range hooks {
			fn()
		}

		s.wg.Wait()
		close(s.errs)
	})
}
