package site

import (
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials indicates a password that did not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrLoginBlocked indicates the admin account is locked out after too many
// failed binds.
var ErrLoginBlocked = errors.New("admin login blocked")

const (
	// maxFailures is the number of failed admin binds tolerated before the
	// lockout engages.
	maxFailures = 5
	// blockFor is how long the lockout lasts.
	blockFor = 24 * time.Hour
)

var (
	bcryptPattern = regexp.MustCompile(`^\$2[yab]\$`)
	argonPattern  = regexp.MustCompile(`^\$argon2[id]{1,2}\$`)
)

// verifier checks a candidate password against the stored admin credential.
type verifier func(password string) error

// Authenticator verifies the configured admin password and enforces the
// failed-login lockout policy. The verification algorithm is selected once,
// at construction time, by sniffing the stored value's format.
type Authenticator struct {
	verify verifier
	now    func() time.Time

	mu        sync.Mutex
	failures  int
	blockedAt time.Time
}

// NewAuthenticator builds an authenticator for the stored admin password.
// An empty stored value yields an authenticator without a password, which
// callers must treat as "delegate to upstream".
func NewAuthenticator(stored string) *Authenticator {
	return &Authenticator{verify: newVerifier(stored), now: time.Now}
}

// HasPassword reports whether an admin password is configured.
func (a *Authenticator) HasPassword() bool {
	return a.verify != nil
}

// VerifyAdmin checks the candidate password under the lockout policy. Once
// more than maxFailures failed attempts have accumulated, every attempt is
// rejected without evaluating the password until blockFor has elapsed since
// the lockout engaged; the window expiring resets the counter before the new
// attempt is evaluated. A successful check does not reset the counter.
func (a *Authenticator) VerifyAdmin(password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.failures >= maxFailures {
		if a.blockedAt.IsZero() {
			a.blockedAt = now
		}
		if now.Sub(a.blockedAt) < blockFor {
			return ErrLoginBlocked
		}
		a.failures = 0
		a.blockedAt = time.Time{}
	}

	if err := a.verify(password); err != nil {
		a.failures++
		return err
	}
	return nil
}

func newVerifier(stored string) verifier {
	switch {
	case stored == "":
		return nil
	case bcryptPattern.MatchString(stored):
		// Go's bcrypt does not accept the $2y$ prefix variant.
		hash := strings.Replace(stored, "$2y$", "$2a$", 1)
		return func(password string) error {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
				return ErrInvalidCredentials
			}
			return nil
		}
	case argonPattern.MatchString(stored):
		return func(password string) error {
			match, err := argon2id.ComparePasswordAndHash(password, stored)
			if err != nil || !match {
				return ErrInvalidCredentials
			}
			return nil
		}
	default:
		return func(password string) error {
			if subtle.ConstantTimeCompare([]byte(password), []byte(stored)) != 1 {
				return ErrInvalidCredentials
			}
			return nil
		}
	}
}
