package daemon

import (
	"fmt"
	"sync"
)

// State is the daemon lifecycle phase. It only moves forward.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to next when it is later than the current state and
// reports whether it did.
func (m *stateMachine) advance(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next <= m.state {
		return false
	}
	m.state = next
	return true
}
