// Package auth implements the user directory embedded in the replicated
// cluster state: password and API-key authentication over a plain user map.
//
// The Manager does no locking of its own. It lives inside
// metadata.ClusterState and is guarded by the Metadata lock; callers of
// AuthenticateWithAPIKey must hold the write lock because the key index is
// rebuilt lazily.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/MEOFIXBUG/walrus/errs"
)

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	APIKey       string `json:"api_key,omitempty"`
}

// NewUser builds a User with the password hashed.
func NewUser(username, password, apiKey string) User {
	return User{
		Username:     username,
		PasswordHash: HashPassword(password),
		APIKey:       apiKey,
	}
}

// HashPassword returns the hex-encoded SHA-256 of the password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Manager is the authentication principal store. Only Users is serialized;
// the API-key index is rebuilt on demand after a restore or mutation.
type Manager struct {
	Users map[string]User `json:"users"`

	keyIndex map[string]string // api key -> username
}

func NewManager() *Manager {
	return &Manager{Users: make(map[string]User)}
}

func (m *Manager) AddUser(u User) error {
	if m.Users == nil {
		m.Users = make(map[string]User)
	}
	if _, ok := m.Users[u.Username]; ok {
		return errs.ErrUserExistsf(u.Username)
	}
	m.Users[u.Username] = u
	m.keyIndex = nil
	return nil
}

func (m *Manager) RemoveUser(username string) error {
	if _, ok := m.Users[username]; !ok {
		return errs.ErrUserNotFoundf(username)
	}
	delete(m.Users, username)
	m.keyIndex = nil
	return nil
}

// Authenticate verifies a username/password pair with a constant-time
// compare of the stored hash.
func (m *Manager) Authenticate(username, password string) (User, bool) {
	u, ok := m.Users[username]
	if !ok {
		return User{}, false
	}
	want := []byte(u.PasswordHash)
	got := []byte(HashPassword(password))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return User{}, false
	}
	return u, true
}

// AuthenticateWithAPIKey looks up a user by API key. The index is rebuilt
// lazily, so this mutates the Manager; the caller must hold exclusive access.
func (m *Manager) AuthenticateWithAPIKey(apiKey string) (User, bool) {
	if apiKey == "" {
		return User{}, false
	}
	if m.keyIndex == nil {
		m.keyIndex = make(map[string]string, len(m.Users))
		for name, u := range m.Users {
			if u.APIKey != "" {
				m.keyIndex[u.APIKey] = name
			}
		}
	}
	name, ok := m.keyIndex[apiKey]
	if !ok {
		return User{}, false
	}
	u, ok := m.Users[name]
	return u, ok
}

func (m *Manager) UserExists(username string) bool {
	_, ok := m.Users[username]
	return ok
}

func (m *Manager) IsEmpty() bool {
	return len(m.Users) == 0
}
