package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campusport.org/internal/obs"
)

// Bootstrapper restores a previously persisted session into a store. Run is
// a no-op after its first call so hydration happens exactly once per
// process, before any authenticated consumer starts.
type Bootstrapper struct {
	once sync.Once
}

// Run hydrates the store from storage. Absent, malformed, partial or expired
// records leave the store logged out; anomalies are logged, never returned.
func (b *Bootstrapper) Run(store *Store, storage Storage) {
	b.once.Do(func() {
		if store == nil || storage == nil {
			return
		}
		rec, err := storage.Load()
		switch {
		case errors.Is(err, ErrNoSession):
			return
		case err != nil:
			obs.LogEvent("session_restore_failed", map[string]any{"error": err.Error()})
			if cerr := storage.Clear(); cerr != nil {
				obs.LogEvent("session_clear_failed", map[string]any{"error": cerr.Error()})
			}
			return
		}

		if rec.Token == "" || rec.Identity == nil || rec.Identity.ID == "" || !rec.Identity.Role.Valid() {
			obs.LogEvent("session_restore_failed", map[string]any{"error": "incomplete session record"})
			if cerr := storage.Clear(); cerr != nil {
				obs.LogEvent("session_clear_failed", map[string]any{"error": cerr.Error()})
			}
			return
		}

		if tokenExpired(rec.Token) {
			obs.LogEvent("session_restore_failed", map[string]any{"error": "persisted token expired"})
			if cerr := storage.Clear(); cerr != nil {
				obs.LogEvent("session_clear_failed", map[string]any{"error": cerr.Error()})
			}
			return
		}

		store.Login(rec.Token, *rec.Identity)
	})
}

// tokenExpired decodes the token as a JWT without verifying the signature
// (verification is the backend's job) and reports whether its expiry has
// passed. Tokens that are not JWTs are treated as opaque and accepted.
func tokenExpired(token string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Now().After(claims.ExpiresAt.Time)
}
