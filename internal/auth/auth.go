// Package auth wraps an authentication backend with a fixed-duration
// delay, so that Authenticate takes approximately the same time whether
// the user exists, the password is right, or neither, blunting basic
// timing attacks against SASL PLAIN/LOGIN.
package auth

import (
	"math/rand"
	"time"
)

// Backend is the minimal authentication contract Authenticator wraps.
// *userdb.DB satisfies it directly.
type Backend interface {
	Authenticate(user, password string) bool
}

// Authenticator delays every Authenticate call to approximately
// AuthDuration, regardless of outcome.
type Authenticator struct {
	Backend Backend

	// How long Authenticate calls should last, approximately. Applied for
	// both successful and unsuccessful attempts. Increased by 0-20% to
	// avoid a perfectly fixed timing signal.
	AuthDuration time.Duration
}

// NewAuthenticator wraps be with the default 100ms target duration.
func NewAuthenticator(be Backend) *Authenticator {
	return &Authenticator{Backend: be, AuthDuration: 100 * time.Millisecond}
}

// Authenticate checks user/password against the backend, normalizing the
// call's wall-clock duration.
func (a *Authenticator) Authenticate(user, password string) bool {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := a.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	if a.Backend == nil {
		return false
	}
	return a.Backend.Authenticate(user, password)
}
