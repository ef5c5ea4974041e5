package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

// TestMockKeyringNotFound verifies missing entries wrap go-keyring's ErrNotFound
func TestMockKeyringNotFound(t *testing.T) {
	kr := NewMockKeyring()
	if _, err := kr.Get(Service, "nobody"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	if err := kr.Delete(Service, "nobody"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
}

// TestWrapClassifiesErrors verifies backend failures become ErrKeyringNotAvailable
func TestWrapClassifiesErrors(t *testing.T) {
	if wrap(nil) != nil {
		t.Error("wrap(nil) should be nil")
	}
	if err := wrap(keyring.ErrNotFound); !errors.Is(err, keyring.ErrNotFound) || errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("not found should pass through, got %v", err)
	}
	if err := wrap(errors.New("dbus: no session bus")); !errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("backend failure should map to ErrKeyringNotAvailable, got %v", err)
	}
}

// TestSystemKeyringWithMockProvider verifies the go-keyring path using its in-memory provider
func TestSystemKeyringWithMockProvider(t *testing.T) {
	keyring.MockInit()

	sk := &systemKeyring{}
	if err := sk.Set(Service, "alice", "tok"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := sk.Get(Service, "alice")
	if err != nil || got != "tok" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := sk.Delete(Service, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := sk.Get(Service, "alice"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}

	m := NewManager(WithGetenv(envFrom(nil)))
	if err := m.Delete(context.Background(), "alice"); err != nil {
		t.Errorf("Manager.Delete of missing token = %v", err)
	}
}
