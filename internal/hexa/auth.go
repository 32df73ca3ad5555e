package hexa

import (
	"crypto/subtle"
	"math/rand"
	"sync"
	"time"
)

const (
	// DelayWrongPasswordMin is the initial failed-login penalty.
	DelayWrongPasswordMin = 250 * time.Millisecond

	// DelayWrongPasswordMax caps the doubling penalty.
	DelayWrongPasswordMax = 4 * time.Second
)

// RealmValidator delegates credential checks to an external authenticator
// named by the AUTHREALM setting.
type RealmValidator interface {
	Validate(user, password string) (bool, error)
}

// Authenticator validates credentials with a process wide timing throttle.
// Unknown user and bad password are indistinguishable: both surface the
// single WRONG_USER_OR_PASSWORD code. The penalty doubles after each
// failure, and the next successful authentication after failures also
// sleeps a randomized amount, so an attacker cannot tell success from
// failure by timing.
//
// The whole check-and-update runs under one lock, serializing the delay
// cell against parallel login attempts.
type Authenticator struct {
	users  map[string]string
	realms map[string]RealmValidator

	delay    time.Duration
	minDelay time.Duration
	maxDelay time.Duration

	rnd   *rand.Rand
	sleep func(time.Duration)

	mu sync.Mutex
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{
		users:    make(map[string]string),
		realms:   make(map[string]RealmValidator),
		delay:    DelayWrongPasswordMin,
		minDelay: DelayWrongPasswordMin,
		maxDelay: DelayWrongPasswordMax,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    time.Sleep,
	}
}

func (a *Authenticator) AddUser(name, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[name] = password
}

func (a *Authenticator) AddRealm(name string, v RealmValidator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realms[name] = v
}

// Authenticate validates the credentials, applying the timing throttle.
// An empty realm checks the local user table.
func (a *Authenticator) Authenticate(user, password, realm string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ok, err := a.validate(user, password, realm)
	if err != nil {
		return err
	}
	if !ok {
		penalty := a.delay + time.Duration(a.rnd.Int63n(int64(a.minDelay)))
		a.sleep(penalty)
		a.delay *= 2
		if a.delay > a.maxDelay {
			a.delay = a.maxDelay
		}
		return newDbError(WrongUserOrPassword, "user %q", user)
	}

	// The first correct password after failures sleeps too; otherwise a
	// fast response would reveal success before the result arrives.
	if a.delay > a.minDelay {
		a.sleep(time.Duration(a.rnd.Int63n(int64(a.delay))))
		a.delay = a.minDelay
	}
	return nil
}

func (a *Authenticator) validate(user, password, realm string) (bool, error) {
	if realm != "" {
		v, ok := a.realms[realm]
		if !ok {
			return false, newDbError(GeneralError, "authenticator for realm %q unavailable", realm)
		}
		return v.Validate(user, password)
	}
	expected, ok := a.users[user]
	match := subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
	return ok && match, nil
}
