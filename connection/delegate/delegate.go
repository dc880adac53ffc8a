/*
Package delegate fans connection lifecycle callbacks out to the parties that
asked for them. The shared mode keeps an ordered list of subscribers and
probes each one for liveness at dispatch time; the exclusive mode admits a
single subscriber. Both are views of the same contract: broadcast to whoever
is currently interested, silently ignoring anyone that has gone away.
*/
package delegate

import (
	"sync"
)

// Delegate receives connection lifecycle callbacks. Exactly one of the four
// fires per lifecycle event.
type Delegate interface {
	DidConnectToHost(origin string)
	DidDisconnectFromHost(origin string)
	WillDisconnectFromHost(origin string, err error)
	ConnectionDidFailToHost(origin string, err error)
}

// Mode selects how many subscribers a set admits.
type Mode int

const (
	// Shared keeps every assigned delegate, in assignment order
	Shared Mode = iota

	// Exclusive keeps only the most recently assigned delegate
	Exclusive
)

type entry struct {
	delegate Delegate

	// alive is the liveness probe; nil means always live
	alive func() bool
}

// Set is the current subscriber list for one connection.
type Set struct {
	mu      sync.Mutex
	mode    Mode
	entries []entry
}

func NewSet(mode Mode) *Set {
	return &Set{mode: mode}
}

// Assign adds a delegate. In exclusive mode it replaces whatever was there.
func (s *Set) Assign(d Delegate) {
	s.AssignWithLiveness(d, nil)
}

// AssignWithLiveness adds a delegate together with a probe consulted at each
// dispatch; once the probe reports false the entry is dropped silently.
func (s *Set) AssignWithLiveness(d Delegate, alive func() bool) {
	if d == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == Exclusive {
		s.entries = s.entries[:0]
	}
	s.entries = append(s.entries, entry{delegate: d, alive: alive})
}

// Resign removes a delegate. In exclusive mode the set is cleared whenever
// the resigning delegate is the current one.
func (s *Set) Resign(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.delegate != d {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// Count returns how many live delegates would currently receive a broadcast.
func (s *Set) Count() int {
	return len(s.snapshot())
}

// Broadcast invokes notify once per live delegate, in assignment order. The
// subscriber list is snapshotted first, so a delegate resigning from within
// its own callback does not disturb the remaining broadcast.
func (s *Set) Broadcast(notify func(Delegate)) {
	for _, d := range s.snapshot() {
		notify(d)
	}
}

// snapshot copies the live entries and prunes the dead ones.
func (s *Set) snapshot() []Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]Delegate, 0, len(s.entries))
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.alive != nil && !e.alive() {
			continue
		}
		kept = append(kept, e)
		live = append(live, e.delegate)
	}
	s.entries = kept

	return live
}
