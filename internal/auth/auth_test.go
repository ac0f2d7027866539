package auth

import (
	"testing"
	"time"
)

type fakeBackend struct {
	ok bool
}

func (f fakeBackend) Authenticate(user, password string) bool { return f.ok }

func TestAuthenticateOutcome(t *testing.T) {
	a := NewAuthenticator(fakeBackend{ok: true})
	a.AuthDuration = 0
	if !a.Authenticate("user", "pass") {
		t.Errorf("expected success")
	}

	a = NewAuthenticator(fakeBackend{ok: false})
	a.AuthDuration = 0
	if a.Authenticate("user", "pass") {
		t.Errorf("expected failure")
	}
}

func TestAuthenticateNilBackend(t *testing.T) {
	a := NewAuthenticator(nil)
	a.AuthDuration = 0
	if a.Authenticate("user", "pass") {
		t.Errorf("expected failure with nil backend")
	}
}

func TestAuthenticateTakesApproxDuration(t *testing.T) {
	a := NewAuthenticator(fakeBackend{ok: true})
	a.AuthDuration = 30 * time.Millisecond

	start := time.Now()
	a.Authenticate("user", "pass")
	elapsed := time.Since(start)

	if elapsed < a.AuthDuration {
		t.Errorf("Authenticate returned in %v, expected at least %v", elapsed, a.AuthDuration)
	}
}
