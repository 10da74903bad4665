package session

import (
	"maps"
	"reflect"
	"sync"
)

// Phase is the login state of the session.
type Phase int

const (
	PhaseLoggedOut Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseRestoring
)

func (p Phase) String() string {
	switch p {
	case PhaseLoggedOut:
		return "logged_out"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// State is the process-wide authorization state. It mirrors the durable
// record (or the external provider's user-info) and is never the source of
// truth.
type State struct {
	mu       sync.RWMutex
	phase    Phase
	record   *Record
	external map[string]any
	// gen is bumped on every clear. Logins and restores started under an
	// older generation must not write their result.
	gen uint64
}

// NewState returns an empty, logged-out state.
func NewState() *State {
	return &State{}
}

type snapshot struct {
	phase    Phase
	record   *Record
	external map[string]any
}

func (s *State) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{phase: s.phase, external: s.external}
	if s.record != nil {
		rec := *s.record
		snap.record = &rec
	}
	return snap
}

// Phase reports the current login phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *State) authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseAuthenticated || s.external != nil
}

func (s *State) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen == gen
}

func (s *State) beginLogin() (Phase, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseAuthenticating || s.phase == PhaseRestoring {
		return s.phase, s.gen, ErrLoginInProgress
	}
	prev := s.phase
	s.phase = PhaseAuthenticating
	return prev, s.gen, nil
}

// abortLogin returns to the phase held before the attempt; a failed re-login
// leaves an existing session in place. A logout since beginLogin wins.
func (s *State) abortLogin(prev Phase, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.phase = prev
}

// finishLogin installs rec unless the state was cleared since beginLogin.
func (s *State) finishLogin(rec Record, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.record = &rec
	s.phase = PhaseAuthenticated
	return true
}

// beginRestore only moves a logged-out session into Restoring. It reports
// false while a login or another restore is running.
func (s *State) beginRestore() (Phase, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseAuthenticating, PhaseRestoring:
		return s.phase, s.gen, false
	case PhaseLoggedOut:
		s.phase = PhaseRestoring
		return PhaseLoggedOut, s.gen, true
	default:
		return s.phase, s.gen, true
	}
}

func (s *State) finishRestore(prev Phase, rec *Record, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if rec != nil {
		if s.record == nil || !reflect.DeepEqual(*s.record, *rec) {
			r := *rec
			s.record = &r
		}
		s.phase = PhaseAuthenticated
		return
	}
	if prev == PhaseAuthenticated && s.record != nil {
		// In-memory session whose durable write failed earlier.
		return
	}
	s.record = nil
	s.phase = PhaseLoggedOut
}

func (s *State) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseLoggedOut
	s.record = nil
	s.external = nil
	s.gen++
}

func (s *State) setExternal(info map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info == nil {
		s.external = nil
		return
	}
	s.external = maps.Clone(info)
}
