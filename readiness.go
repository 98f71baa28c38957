package modhost

import (
	"context"
	"fmt"
	"sync"
)

// Readiness is a module's initialization state as seen by one Runtime.
type Readiness string

const (
	ReadinessUnknown Readiness = "unknown"
	Ready            Readiness = "ready"
	Failed           Readiness = "failed"
)

// Terminal reports whether r is ready or failed.
func (r Readiness) Terminal() bool {
	return r == Ready || r == Failed
}

type readinessEntry struct {
	state Readiness
	done  chan struct{}
}

// ReadinessTable tracks module readiness. Entries only ever move from
// unknown to a terminal state.
type ReadinessTable struct {
	mutex   sync.Mutex
	entries map[string]*readinessEntry
	changed chan struct{}
}

// NewReadinessTable creates an empty table.
func NewReadinessTable() *ReadinessTable {
	return &ReadinessTable{
		entries: make(map[string]*readinessEntry),
		changed: make(chan struct{}),
	}
}

func (t *ReadinessTable) entry(name string) *readinessEntry {
	e, ok := t.entries[name]
	if !ok {
		e = &readinessEntry{state: ReadinessUnknown, done: make(chan struct{})}
		t.entries[name] = e
	}
	return e
}

// State returns the current state of name.
func (t *ReadinessTable) State(name string) Readiness {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.entry(name).state
}

// Set moves name to state. It reports whether anything changed; applying the
// state an entry already has is a no-op, and contradicting a terminal state
// fails with ErrReadinessRegression.
func (t *ReadinessTable) Set(name string, state Readiness) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("%w: %q", ErrInvalidReadiness, state)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	e := t.entry(name)
	switch e.state {
	case state:
		return false, nil
	case ReadinessUnknown:
	default:
		return false, fmt.Errorf("%w: %s is %s, refusing %s", ErrReadinessRegression, name, e.state, state)
	}

	e.state = state
	close(e.done)
	close(t.changed)
	t.changed = make(chan struct{})
	return true, nil
}

// Changed returns a channel that is closed at the next transition of any
// entry. Take it before inspecting state so no transition is missed.
func (t *ReadinessTable) Changed() <-chan struct{} {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.changed
}

// Wait blocks until name is terminal or ctx is done.
func (t *ReadinessTable) Wait(ctx context.Context, name string) (Readiness, error) {
	t.mutex.Lock()
	e := t.entry(name)
	t.mutex.Unlock()

	select {
	case <-e.done:
		return t.State(name), nil
	case <-ctx.Done():
		return ReadinessUnknown, ctx.Err()
	}
}

// Snapshot copies every known state.
func (t *ReadinessTable) Snapshot() map[string]Readiness {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make(map[string]Readiness, len(t.entries))
	for name, e := range t.entries {
		out[name] = e.state
	}
	return out
}
