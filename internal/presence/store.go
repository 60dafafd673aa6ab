// Package presence keeps the last-known live state of every remote
// participant as delivered by the relay, plus the relay's authoritative echo
// of the local user's own state.
//
// The store never evicts. Recency is judged at read time against the idle
// window so that a stale entry is never removed while a fresh broadcast for
// the same uid is in flight.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/protocol"
)

// Store is the merged uid -> UserState mapping for one local user.
type Store struct {
	mu         sync.RWMutex
	selfUID    string
	states     map[string]protocol.UserState
	serverSelf *protocol.UserState
}

// NewStore creates an empty store. Updates for selfUID are never placed in
// the shared mapping.
func NewStore(selfUID string) *Store {
	return &Store{
		selfUID: selfUID,
		states:  make(map[string]protocol.UserState),
	}
}

// SelfUID returns the uid of the local user.
func (s *Store) SelfUID() string {
	return s.selfUID
}

// Apply merges a broadcast into the store in arrival order. The entry for
// the local user is routed to the server-self slot. It reports whether any
// remote entry changed.
func (s *Store) Apply(updates map[string]protocol.UserState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for uid, st := range updates {
		if uid == "" {
			continue
		}
		if uid == s.selfUID {
			echo := st.Clone()
			s.serverSelf = &echo
			continue
		}
		s.states[uid] = st.Clone()
		changed = true
	}
	metrics.RemotePresence.Set(float64(len(s.states)))
	return changed
}

// SetServerSelf records the relay's authoritative echo of the local user.
func (s *Store) SetServerSelf(st protocol.UserState) {
	echo := st.Clone()
	s.mu.Lock()
	s.serverSelf = &echo
	s.mu.Unlock()
}

// ServerSelf returns the last echoed self state, if any.
func (s *Store) ServerSelf() (protocol.UserState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverSelf == nil {
		return protocol.UserState{}, false
	}
	return s.serverSelf.Clone(), true
}

// Get returns the state of one remote participant.
func (s *Store) Get(uid string) (protocol.UserState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[uid]
	if !ok {
		return protocol.UserState{}, false
	}
	return st.Clone(), true
}

// Snapshot returns a copy of every remote state, fresh or not.
func (s *Store) Snapshot() map[string]protocol.UserState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]protocol.UserState, len(s.states))
	for uid, st := range s.states {
		out[uid] = st.Clone()
	}
	return out
}

// Len returns the number of remote entries held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// IsFresh reports whether st counts as live at now: either it carries no
// heartbeat, or the heartbeat is no older than maxIdle.
func IsFresh(st protocol.UserState, now time.Time, maxIdle time.Duration) bool {
	hb := st.Heartbeat()
	if hb == 0 {
		return true
	}
	return hb >= now.Add(-maxIdle).UnixMilli()
}

// IsVisible reports whether st should be shown: fresh and not away.
func IsVisible(st protocol.UserState, now time.Time, maxIdle time.Duration) bool {
	if away, _ := st.Boolean(protocol.StateAway); away {
		return false
	}
	return IsFresh(st, now, maxIdle)
}

// Visible returns the sorted uids of remote participants that are not away
// and whose heartbeat is within maxIdle of now.
func (s *Store) Visible(now time.Time, maxIdle time.Duration) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]string, 0, len(s.states))
	for uid, st := range s.states {
		if IsVisible(st, now, maxIdle) {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids
}
