package session

import "sync"

// notifier delivers values to listeners in order on a dedicated goroutine.
type notifier[T any] struct {
	lock      sync.Mutex
	queue     []T
	listeners map[int]func(T)
	next      int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newNotifier[T any]() *notifier[T] {
	n := &notifier[T]{
		listeners: map[int]func(T){},
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go n.run()
	return n
}

func (n *notifier[T]) subscribe(fn func(T)) func() {
	n.lock.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.lock.Unlock()

	return func() {
		n.lock.Lock()
		delete(n.listeners, id)
		n.lock.Unlock()
	}
}

func (n *notifier[T]) push(v T) {
	n.lock.Lock()
	n.queue = append(n.queue, v)
	n.lock.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier[T]) run() {
	defer close(n.done)

	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.stop:
			n.drain()
			return
		}
	}
}

func (n *notifier[T]) drain() {
	for {
		n.lock.Lock()
		if len(n.queue) == 0 {
			n.lock.Unlock()
			return
		}

		v := n.queue[0]
		n.queue = n.queue[1:]
		fns := make([]func(T), 0, len(n.listeners))
		for _, fn := range n.listeners {
			fns = append(fns, fn)
		}
		n.lock.Unlock()

		for _, fn := range fns {
			fn(v)
		}
	}
}

// close delivers what is left and waits for the goroutine to exit.
func (n *notifier[T]) close() {
	n.once.Do(func() { close(n.stop) })
	<-n.done
}
