// Package singleop manages at most one live background operation, canceling
// whichever is running whenever a new one starts. LoopClosing uses it to
// run Global Bundle Adjustment: starting a new loop closure aborts any GBA
// still in flight from a previous one.
package singleop

import (
	"context"
	"sync"
)

// Manager ensures at most one operation is in flight. Starting a new
// operation cancels the previous one (if any) without waiting for it to
// observe the cancellation; callers that need to wait should track their
// own completion signal.
type Manager struct {
	mu        sync.Mutex
	current   *operation
	generation uint64
}

type operation struct {
	cancel func()
	gen    uint64
}

// Start begins a new operation, cancelling any operation currently in
// flight. It returns a context that is canceled either when the caller
// invokes the returned done function, or when a later Start call
// supersedes it, plus the generation number of this operation (useful for
// the "was I superseded" check in Superseded).
func (m *Manager) Start(parent context.Context) (ctx context.Context, generation uint64, done func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.cancel()
	}

	m.generation++
	gen := m.generation
	cctx, cancel := context.WithCancel(parent)
	op := &operation{cancel: cancel, gen: gen}
	m.current = op

	return cctx, gen, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cancel()
		if m.current == op {
			m.current = nil
		}
	}
}

// Superseded reports whether the operation with the given generation number
// is no longer the current one (i.e. a later Start call has replaced it).
func (m *Manager) Superseded(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == nil || m.current.gen != generation
}

// Running reports whether an operation is currently in flight.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}
