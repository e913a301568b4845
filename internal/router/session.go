package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/PaulBabatuyi/secureChat/internal/hub"
)

// State is the lifecycle stage of a client session.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateDraining      State = "draining"
	StateLive          State = "live"
	StateClosed        State = "closed"
)

// ErrInvalidTransition is returned for a state change the lifecycle does
// not allow.
var ErrInvalidTransition = errors.New("invalid session transition")

var next = map[State]State{
	StateConnecting:    StateAuthenticated,
	StateAuthenticated: StateDraining,
	StateDraining:      StateLive,
}

// Session tracks one client connection from upgrade to close. Every state
// may move to Closed; otherwise states only advance one step.
type Session struct {
	mu     sync.Mutex
	state  State
	userID int64
	connID hub.ConnectionID
}

func newSession() *Session {
	return &Session{state: StateConnecting}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID is set once the session is authenticated.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) ConnID() hub.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("%w: session is closed", ErrInvalidTransition)
	}
	if to != StateClosed && next[s.state] != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}
