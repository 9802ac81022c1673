package session

import (
	"strings"
	"sync"

	"campusport.org/internal/obs"
)

// Role is the portal role carried by an identity.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Valid reports whether r is one of the known portal roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent:
		return true
	}
	return false
}

// Identity is the profile of the logged-in user.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Snapshot is an immutable view of the session state at one point in time.
type Snapshot struct {
	Token    string
	Identity *Identity
}

// LoggedIn reports whether the snapshot holds a complete session. Partial
// state (token without identity, or the reverse) counts as logged out.
func (s Snapshot) LoggedIn() bool {
	return s.Token != "" && s.Identity != nil
}

// Store is the single source of truth for "who is logged in". Mutations are
// synchronous and immediately visible to readers; every committed mutation
// is persisted best-effort and reported to registered watchers.
type Store struct {
	mu       sync.Mutex
	token    string
	identity *Identity
	storage  Storage
	watchers []func(Snapshot)
}

// NewStore creates a store backed by the given storage. A nil storage
// disables persistence (useful in tests).
func NewStore(storage Storage) *Store {
	return &Store{storage: storage}
}

// SetToken replaces the credential. It does not clear the identity on its
// own: login and logout must set or clear both together, which Login and
// Logout do.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.commitLocked()
}

// SetIdentity replaces the user profile. A nil identity clears it.
func (s *Store) SetIdentity(identity *Identity) {
	s.mu.Lock()
	s.identity = cloneIdentity(identity)
	s.commitLocked()
}

// Login atomically installs a complete session.
func (s *Store) Login(token string, identity Identity) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.identity = &identity
	s.commitLocked()
}

// Logout atomically clears both token and identity.
func (s *Store) Logout() {
	s.mu.Lock()
	s.token = ""
	s.identity = nil
	s.commitLocked()
}

// Snapshot returns the latest in-memory session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Watch registers fn to run after every committed mutation. Watchers are
// invoked synchronously, outside the store lock, in registration order.
func (s *Store) Watch(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// commitLocked persists the current state, releases the lock and notifies
// watchers. Persistence failures are logged, never surfaced: losing the
// persisted copy only costs a re-login after the next restart.
func (s *Store) commitLocked() {
	snap := s.snapshotLocked()
	watchers := make([]func(Snapshot), len(s.watchers))
	copy(watchers, s.watchers)
	storage := s.storage
	s.mu.Unlock()

	if storage != nil {
		var err error
		if snap.Token == "" && snap.Identity == nil {
			err = storage.Clear()
		} else {
			err = storage.Save(Record{Token: snap.Token, Identity: snap.Identity})
		}
		if err != nil {
			obs.LogEvent("session_persist_failed", map[string]any{"error": err.Error()})
		}
	}

	for _, fn := range watchers {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Token: s.token, Identity: cloneIdentity(s.identity)}
}

func cloneIdentity(identity *Identity) *Identity {
	if identity == nil {
		return nil
	}
	clone := *identity
	return &clone
}
