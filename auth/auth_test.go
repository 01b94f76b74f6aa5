package auth

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MEOFIXBUG/walrus/errs"
)

func TestAddUserDuplicate(t *testing.T) {
	m := NewManager()
	if err := m.AddUser(NewUser("alice", "secret", "")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	err := m.AddUser(NewUser("alice", "other", ""))
	if !errors.Is(err, errs.ErrUserExists) {
		t.Fatalf("duplicate AddUser error = %v, want ErrUserExists", err)
	}
}

func TestAuthenticate(t *testing.T) {
	m := NewManager()
	if err := m.AddUser(NewUser("alice", "secret", "")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}

	if _, ok := m.Authenticate("alice", "secret"); !ok {
		t.Fatalf("expected correct password to authenticate")
	}
	if _, ok := m.Authenticate("alice", "wrong"); ok {
		t.Fatalf("expected wrong password to fail")
	}
	if _, ok := m.Authenticate("bob", "secret"); ok {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestAuthenticateWithAPIKeyLazyIndex(t *testing.T) {
	m := NewManager()
	if err := m.AddUser(NewUser("alice", "secret", "key-a")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	if err := m.AddUser(NewUser("bob", "secret", "key-b")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}

	u, ok := m.AuthenticateWithAPIKey("key-b")
	if !ok || u.Username != "bob" {
		t.Fatalf("AuthenticateWithAPIKey(key-b) = %v %v, want bob", u, ok)
	}

	// Removing the user invalidates the index.
	if err := m.RemoveUser("bob"); err != nil {
		t.Fatalf("RemoveUser error = %v", err)
	}
	if _, ok := m.AuthenticateWithAPIKey("key-b"); ok {
		t.Fatalf("expected removed user's key to fail")
	}
	if _, ok := m.AuthenticateWithAPIKey("key-a"); !ok {
		t.Fatalf("expected remaining user's key to work")
	}
}

func TestManagerJSONRoundTrip(t *testing.T) {
	m := NewManager()
	if err := m.AddUser(NewUser("alice", "secret", "key-a")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	var restored Manager
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}

	if !restored.UserExists("alice") {
		t.Fatalf("expected alice after round trip")
	}
	if _, ok := restored.Authenticate("alice", "secret"); !ok {
		t.Fatalf("expected password auth after round trip")
	}
	// The key index is not serialized; it must be rebuilt on first use.
	if _, ok := restored.AuthenticateWithAPIKey("key-a"); !ok {
		t.Fatalf("expected api key auth after round trip")
	}
}

func TestRemoveUserNotFound(t *testing.T) {
	m := NewManager()
	if err := m.RemoveUser("ghost"); !errors.Is(err, errs.ErrUserNotFound) {
		t.Fatalf("RemoveUser error = %v, want ErrUserNotFound", err)
	}
}

func TestIsEmpty(t *testing.T) {
	m := NewManager()
	if !m.IsEmpty() {
		t.Fatalf("new manager should be empty")
	}
	if err := m.AddUser(NewUser("alice", "secret", "")); err != nil {
		t.Fatalf("AddUser error = %v", err)
	}
	if m.IsEmpty() {
		t.Fatalf("manager with a user should not be empty")
	}
}
