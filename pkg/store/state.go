package store

import (
	"sync"
	"time"
)

// State is the connection state of a store.
type State int

const (
	// StateDisconnected is the initial state and the state after Disconnect.
	StateDisconnected State = iota

	// StateConnecting means a connect or reconnect attempt is in progress.
	StateConnecting

	// StateConnected means operations are attempted against the server.
	StateConnected

	// StateFailed means reconnection exhausted its retries. Only a fresh
	// Connect leaves this state.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the connection state.
type Status struct {
	// State is the current connection state.
	State State `json:"state"`

	// Retries is the number of reconnect attempts since the last success.
	Retries int `json:"retries"`

	// LastError is the most recent transport error, if any.
	LastError string `json:"last_error,omitempty"`

	// Since is when the store entered State.
	Since time.Time `json:"since"`
}

// Connected reports whether the status allows operations.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// connState guards a Status for concurrent readers and writers.
type connState struct {
	mu     sync.RWMutex
	status Status
}

func (c *connState) get() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// set moves to state and returns the previous one.
func (c *connState) set(state State, err error) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.status.State
	if prev != state {
		c.status.Since = time.Now()
	}
	c.status.State = state
	if state == StateConnected {
		c.status.Retries = 0
	}
	if err != nil {
		c.status.LastError = err.Error()
	}
	return prev
}

// transition moves from one state to another only if the current state is from.
func (c *connState) transition(from, to State, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.State != from {
		return false
	}
	c.status.State = to
	c.status.Since = time.Now()
	if err != nil {
		c.status.LastError = err.Error()
	}
	return true
}

// reset starts a fresh connection attempt.
func (c *connState) reset(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Status{State: state, Since: time.Now()}
}

func (c *connState) retry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Retries++
	return c.status.Retries
}
