package store

import "sync/atomic"

// State is the lifecycle phase of a Manager.
type State int32

const (
	// StateUninitialized is the state before the first Open.
	StateUninitialized State = iota
	// StateInitializing means an Open is in flight.
	StateInitializing
	// StateReady means Current returns a live, migrated database.
	StateReady
	// StateClosed is reached through Close. A later Open starts over.
	StateClosed
	// StateFailed means the last Open hit a fatal error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State   { return State(b.v.Load()) }
func (b *stateBox) store(s State) { b.v.Store(int32(s)) }
