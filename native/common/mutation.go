package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrant is returned when a mutating entry point is entered while
// another one is still in progress on the same guard.
var ErrReentrant = errors.New("reentrant mutation")

// MutationState tracks where an entry point is in its lifecycle.
type MutationState uint32

const (
	StateIdle MutationState = iota
	StateAccruing
	StateMutating
)

func (s MutationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccruing:
		return "accruing"
	case StateMutating:
		return "mutating"
	default:
		return "unknown"
	}
}

// MutationGuard is the per-engine state machine idle -> accruing -> mutating
// -> idle. Entering from any state other than idle fails with ErrReentrant so
// a collaborator that calls back into the engine cannot observe or modify a
// half-applied operation.
type MutationGuard struct {
	state atomic.Uint32
}

// Enter moves the guard from idle to accruing.
func (g *MutationGuard) Enter() error {
	if !g.state.CompareAndSwap(uint32(StateIdle), uint32(StateAccruing)) {
		return ErrReentrant
	}
	return nil
}

// Mutate moves the guard from accruing to mutating. Calling it while already
// mutating is a no-op.
func (g *MutationGuard) Mutate() error {
	if g.state.CompareAndSwap(uint32(StateAccruing), uint32(StateMutating)) {
		return nil
	}
	if MutationState(g.state.Load()) == StateMutating {
		return nil
	}
	return ErrReentrant
}

// Exit returns the guard to idle.
func (g *MutationGuard) Exit() {
	g.state.Store(uint32(StateIdle))
}

// State reports the current guard state.
func (g *MutationGuard) State() MutationState {
	return MutationState(g.state.Load())
}
