// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"time"

	"github.com/and161185/visitgate/internal/model"
)

// SessionRepository persists the four-field session record. Save and Clear
// are atomic: no reader ever observes a partially written record.
type SessionRepository interface {
	// Save persists the full session record.
	Save(s model.Session) error
	// Load returns the current session; ok=false means absent.
	Load() (s model.Session, ok bool, err error)
	// Clear removes the whole record.
	Clear() error
	// Touch refreshes the last-activity timestamp of an existing record.
	Touch(now time.Time) error
}

// ProfileCache persists the current user's profile between runs.
type ProfileCache interface {
	// SaveUser stores the profile.
	SaveUser(u model.User) error
	// LoadUser returns the cached profile; ok=false means absent.
	LoadUser() (u model.User, ok bool, err error)
	// ClearUser removes the cached profile.
	ClearUser() error
}

// Notifier signals peer instances that an invite changed. The signal is
// transient: written, then removed within one second.
type Notifier interface {
	NotifyInviteUpdated(inviteID string) error
}

// IsValid checks the stored session against now. A valid session gets its
// last-activity refreshed; an expired record is cleared as a whole.
func IsValid(r SessionRepository, now time.Time) (bool, error) {
	s, ok, err := r.Load()
	if err != nil || !ok {
		return false, err
	}
	if !s.IsValid(now) {
		if s.AccessToken != "" {
			// expiry reached: the whole record is invalid, drop all fields
			if err := r.Clear(); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	return true, r.Touch(now)
}

// TimeRemaining returns the stored session's remaining validity, zero when absent.
func TimeRemaining(r SessionRepository, now time.Time) (time.Duration, error) {
	s, ok, err := r.Load()
	if err != nil || !ok {
		return 0, err
	}
	return s.TimeRemaining(now), nil
}
