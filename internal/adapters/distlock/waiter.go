package distlock

import "sync"

type waiterState int

const (
	waiterPending waiterState = iota
	waiterGranted
	waiterAbandoned
)

// waiter is one blocked Lock call. It leaves the pending state exactly once.
type waiter struct {
	name string
	data string

	mu    sync.Mutex
	state waiterState
	done  chan struct{}
}

func newWaiter(name, data string) *waiter {
	return &waiter{name: name, data: data, done: make(chan struct{})}
}

func (w *waiter) grant() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != waiterPending {
		return false
	}
	w.state = waiterGranted
	close(w.done)
	return true
}

// abandon returns false when the waiter had already been granted.
func (w *waiter) abandon() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case waiterGranted:
		return false
	case waiterPending:
		w.state = waiterAbandoned
	}
	return true
}

func (w *waiter) isResolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != waiterPending
}
