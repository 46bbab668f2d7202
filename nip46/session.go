package nip46

import (
	"fmt"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuthorization
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuthorization:
		return "awaiting-authorization"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is one snapshot of a Session.
type Status struct {
	State State

	// AuthURL is set while State is StateAwaitingAuthorization.
	AuthURL string

	// RemotePublicKey is known once State is StateConnected.
	RemotePublicKey string

	// Err is the reason behind StateFailed.
	Err error
}

// Session tracks one remote-signing connection:
//
//	Idle -> Connecting -> (Connected | Failed)
//
// AwaitingAuthorization is a side state entered from Connecting or Connected whenever the
// remote signer asks the user to visit a url, and left as soon as an answer arrives.
// Failed is terminal until the owner explicitly starts over from Idle.
type Session struct {
	mu      sync.Mutex
	status  Status
	resume  State // where to go back to after AwaitingAuthorization
	changes chan Status
}

func NewSession() *Session {
	return &Session{changes: make(chan Status, 16)}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Changes delivers every status the session goes through. When the reader falls behind, the
// oldest snapshots are dropped, so protocol code never blocks on it.
func (s *Session) Changes() <-chan Status {
	return s.changes
}

func (s *Session) allowed(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateConnecting
	case StateConnecting:
		return to == StateAwaitingAuthorization || to == StateConnected || to == StateFailed
	case StateAwaitingAuthorization:
		return to == StateAwaitingAuthorization || to == StateConnected || to == StateFailed
	case StateConnected:
		return to == StateAwaitingAuthorization
	}
	return false
}

func (s *Session) transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status.State
	if !s.allowed(from, next.State) {
		return fmt.Errorf("invalid session transition %s -> %s", from, next.State)
	}

	if next.State == StateAwaitingAuthorization && from != StateAwaitingAuthorization {
		s.resume = from
	}
	if next.RemotePublicKey == "" {
		next.RemotePublicKey = s.status.RemotePublicKey
	}

	s.status = next
	s.emit(next)
	return nil
}

// authorized leaves StateAwaitingAuthorization after the remote signer answered.
func (s *Session) authorized() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != StateAwaitingAuthorization {
		return
	}
	s.status.State = s.resume
	s.status.AuthURL = ""
	s.emit(s.status)
}

func (s *Session) connected(remotePublicKey string) error {
	return s.transition(Status{State: StateConnected, RemotePublicKey: remotePublicKey})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == StateFailed || s.status.State == StateConnected || s.status.State == StateIdle {
		return
	}
	s.status = Status{State: StateFailed, Err: err, RemotePublicKey: s.status.RemotePublicKey}
	s.emit(s.status)
}

// reset goes back to Idle so a new attempt can start.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = Status{State: StateIdle}
	s.emit(s.status)
}

func (s *Session) emit(st Status) {
	for {
		select {
		case s.changes <- st:
			return
		default:
		}
		select {
		case <-s.changes:
		default:
		}
	}
}
