// Package file implements the repository interfaces on top of an encrypted
// per-user state directory.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/visitgate/internal/crypto/storecrypto"
	"github.com/and161185/visitgate/internal/model"
)

// Well-known file names inside the state directory.
const (
	secretFile  = "secret.key"
	sessionFile = "session.bin"
	profileFile = "profile.bin"
	notifyFile  = "invite-updated.json"
)

// notifyTTL is how long the transient invite-update signal stays on disk.
const notifyTTL = time.Second

// Store keeps session and profile state sealed at rest in dir. It implements
// repository.SessionRepository, repository.ProfileCache and repository.Notifier.
type Store struct {
	dir string
	key []byte

	mu sync.Mutex
}

// New opens (or initializes) the state directory. A missing per-install
// secret is generated on first use with 0600 permissions.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	secret, err := os.ReadFile(filepath.Join(dir, secretFile))
	if errors.Is(err, fs.ErrNotExist) {
		secret, err = storecrypto.Rand(storecrypto.SecretLen)
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, secretFile), secret, 0o600)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("install secret: %w", err)
	}
	key, err := storecrypto.DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	// a process that exited before its removal timer fired may have left the
	// transient notify marker behind; sweep anything past its TTL
	if fi, err := os.Stat(filepath.Join(dir, notifyFile)); err == nil && time.Since(fi.ModTime()) > notifyTTL {
		_ = removeIfExists(filepath.Join(dir, notifyFile))
	}
	return &Store{dir: dir, key: key}, nil
}

// Save persists the full session record atomically.
func (s *Store) Save(sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSealed(sessionFile, sess)
}

// Load returns the current session, ok=false when absent.
func (s *Store) Load() (model.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess model.Session
	ok, err := s.readSealed(sessionFile, &sess)
	return sess, ok, err
}

// Clear removes the whole session record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeIfExists(filepath.Join(s.dir, sessionFile))
}

// Touch refreshes last-activity on an existing record. Absent record is a no-op.
func (s *Store) Touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess model.Session
	ok, err := s.readSealed(sessionFile, &sess)
	if err != nil || !ok {
		return err
	}
	sess.LastActivity = now
	return s.writeSealed(sessionFile, sess)
}

// SaveUser stores the cached profile.
func (s *Store) SaveUser(u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSealed(profileFile, u)
}

// LoadUser returns the cached profile, ok=false when absent.
func (s *Store) LoadUser() (model.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u model.User
	ok, err := s.readSealed(profileFile, &u)
	return u, ok, err
}

// ClearUser removes the cached profile.
func (s *Store) ClearUser() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeIfExists(filepath.Join(s.dir, profileFile))
}

// NotifyInviteUpdated drops a transient marker peer instances can watch for.
// The marker is removed again within one second.
func (s *Store) NotifyInviteUpdated(inviteID string) error {
	nonce, err := uuid.NewV4()
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(struct {
		InviteID string    `json:"invite_id"`
		Nonce    string    `json:"nonce"`
		At       time.Time `json:"at"`
	}{inviteID, nonce.String(), time.Now()})

	path := filepath.Join(s.dir, notifyFile)
	if err := atomicWrite(path, payload); err != nil {
		return err
	}
	time.AfterFunc(notifyTTL, func() { _ = removeIfExists(path) })
	return nil
}

// writeSealed marshals v, seals it and writes via temp-file rename so readers
// see either the old record or the new one, never a torn write.
func (s *Store) writeSealed(name string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return err
	}
	blob, err := storecrypto.Seal(s.key, plain)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, name), blob)
}

func (s *Store) readSealed(name string, v any) (bool, error) {
	blob, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	plain, err := storecrypto.Open(s.key, blob)
	if err != nil {
		return false, fmt.Errorf("unseal %s: %w", name, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return false, err
	}
	return true, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
