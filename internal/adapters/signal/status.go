package signal

import (
	"sync"

	"github.com/huddle-dev/huddle/internal/core"
)

// statusWatcher is a single-consumer view of connection flips. A slow
// consumer misses intermediate transitions but always sees the latest
// via Current.
type statusWatcher struct {
	mu      sync.Mutex
	current core.ConnectionStatus
	changes chan core.ConnectionStatus
}

func newStatusWatcher() *statusWatcher {
	return &statusWatcher{
		current: core.StatusDisconnected,
		changes: make(chan core.ConnectionStatus, 8),
	}
}

func (w *statusWatcher) Current() core.ConnectionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *statusWatcher) Changes() <-chan core.ConnectionStatus {
	return w.changes
}

func (w *statusWatcher) set(s core.ConnectionStatus) {
	w.mu.Lock()
	if w.current == s {
		w.mu.Unlock()
		return
	}
	w.current = s
	w.mu.Unlock()

	select {
	case w.changes <- s:
	default:
	}
}
