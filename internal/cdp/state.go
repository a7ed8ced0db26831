package cdp

import "sync/atomic"

// State is the client's connection state machine:
// idle -> connecting -> open -> closing -> closed. Only open accepts
// Send. Close is permitted from any state and always ends in closed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State      { return State(b.v.Load()) }
func (b *stateBox) store(s State)    { b.v.Store(int32(s)) }
func (b *stateBox) cas(old, new State) bool {
	return b.v.CompareAndSwap(int32(old), int32(new))
}
