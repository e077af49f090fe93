// Package session keeps track of who is logged in to the console.
//
// A Store starts out initializing, restores the session mirrored in durable storage exactly
// once and from then on changes only through Login, Logout and Reject. Its credential is read
// by the gateway on every request through Token.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/gateway"
	"github.com/devgianlu/go-adminconsole/storage"
	"github.com/golang-jwt/jwt/v5"
)

type Store struct {
	log adminconsole.Logger

	storage   storage.Storage
	gw        *gateway.Gateway
	loginPath string
	now       func() time.Time

	initOnce sync.Once

	// loginLock serializes Login calls, it is never held by Logout or Reject.
	loginLock sync.Mutex

	// stateLock guards everything below. generation is bumped on every change so that a login
	// completing after a logout can tell it has been superseded.
	stateLock    sync.RWMutex
	initializing bool
	token        string
	identity     *Identity
	generation   uint64

	subs     map[int]chan Event
	subsLock sync.Mutex
	nextSub  int
}

func NewStoreFromOptions(opts *Options) (*Store, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("missing storage")
	} else if opts.Gateway == nil {
		return nil, fmt.Errorf("missing gateway")
	}

	s := &Store{
		log:          adminconsole.LoggerOrNull(opts.Log),
		storage:      opts.Storage,
		gw:           opts.Gateway,
		loginPath:    opts.LoginPath,
		now:          opts.Now,
		initializing: true,
		subs:         map[int]chan Event{},
	}

	if len(s.loginPath) == 0 {
		s.loginPath = DefaultLoginPath
	}
	if s.now == nil {
		s.now = time.Now
	}

	// from now on every request through the gateway carries our credential, if any
	s.gw.SetTokenFunc(s.Token)
	return s, nil
}

func NewStore(log adminconsole.Logger, st storage.Storage, gw *gateway.Gateway) (*Store, error) {
	return NewStoreFromOptions(&Options{Log: log, Storage: st, Gateway: gw})
}

// Initialize restores the stored session. Only the first call does anything, after it returns
// Initializing is false even if an error is returned. A stored session that is incomplete,
// unreadable or expired is cleared and the store stays logged out.
func (s *Store) Initialize(ctx context.Context) (err error) {
	s.initOnce.Do(func() {
		s.stateLock.RLock()
		gen := s.generation
		s.stateLock.RUnlock()

		token, identity, hydrateErr := s.hydrate(ctx)

		s.stateLock.Lock()
		defer s.stateLock.Unlock()

		s.initializing = false

		switch {
		case s.generation != gen:
			// a login or logout went through while we were reading, it wins
			s.log.Debugf("stored session superseded during initialization")
		case errors.Is(hydrateErr, ErrIncompleteSession), errors.Is(hydrateErr, ErrCorruptedIdentity), errors.Is(hydrateErr, ErrCredentialExpired):
			s.log.WithError(hydrateErr).Warnf("discarding stored session")
			if delErr := s.storage.Delete(ctx, KeyToken, KeyUser); delErr != nil {
				s.log.WithError(delErr).Errorf("failed clearing stored session")
			}
		case hydrateErr != nil:
			err = fmt.Errorf("failed restoring session: %w", hydrateErr)
		case len(token) > 0:
			s.token, s.identity = token, identity
			s.generation++
			s.log.Infof("restored session for %s", adminconsole.ObfuscateEmail(identity.Email))
		default:
			s.log.Debugf("no stored session")
		}
	})

	return err
}

func (s *Store) hydrate(ctx context.Context) (string, *Identity, error) {
	token, hasToken, err := s.storage.Get(ctx, KeyToken)
	if err != nil {
		return "", nil, fmt.Errorf("failed reading stored credential: %w", err)
	}

	userRaw, hasUser, err := s.storage.Get(ctx, KeyUser)
	if err != nil {
		return "", nil, fmt.Errorf("failed reading stored identity: %w", err)
	}

	if !hasToken && !hasUser {
		return "", nil, nil
	} else if !hasToken || !hasUser || len(token) == 0 {
		return "", nil, ErrIncompleteSession
	}

	var identity Identity
	if err := json.Unmarshal([]byte(userRaw), &identity); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptedIdentity, err)
	} else if len(identity.Email) == 0 {
		return "", nil, fmt.Errorf("%w: missing email", ErrCorruptedIdentity)
	}

	if exp, ok := credentialExpiry(token); ok && !exp.After(s.now()) {
		return "", nil, fmt.Errorf("%w at %s", ErrCredentialExpired, exp.Format(time.RFC3339))
	}

	return token, &identity, nil
}

// credentialExpiry reads the exp claim of credentials that happen to be JWTs. The signature is
// not checked, that is up to the backend.
func credentialExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	} else if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

// Login authenticates against the backend. Every failure is an *AuthError and leaves the
// store untouched.
func (s *Store) Login(ctx context.Context, email, password string) error {
	if len(email) > 0 && !strings.Contains(email, "@") {
		return &AuthError{Message: MessageInvalidEmail, Err: ErrInvalidEmail}
	}

	s.loginLock.Lock()
	defer s.loginLock.Unlock()

	s.stateLock.RLock()
	gen := s.generation
	s.stateLock.RUnlock()

	log := s.log.WithField("email", adminconsole.ObfuscateEmail(email))

	var resp loginResponse
	if err := s.gw.JSON(ctx, "POST", s.loginPath, loginRequest{Email: email, Password: password}, &resp); err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			if gateway.IsUnauthorized(err) {
				log.Infof("login rejected, invalid credentials")
			} else {
				log.Debugf("login rejected with status %d", gerr.StatusCode)
			}

			return &AuthError{Message: loginErrorMessage(gerr.Body), StatusCode: gerr.StatusCode, Err: err}
		}

		log.WithError(err).Warnf("login request failed")
		return &AuthError{Message: MessageLoginFailed, Network: true, Err: err}
	}

	// an identity without email would not survive Initialize, so it is refused right away
	if len(resp.Access) == 0 || resp.User == nil || len(resp.User.Email) == 0 {
		return &AuthError{Message: MessageLoginFailed, Err: ErrMalformedResponse}
	} else if !resp.User.Role.Known() {
		log.Warnf("unknown role %s, no role restricted route will be accessible", resp.User.Role)
	}

	userRaw, err := json.Marshal(resp.User)
	if err != nil {
		return &AuthError{Message: MessageLoginFailed, Err: fmt.Errorf("failed marshalling identity: %w", err)}
	}

	s.stateLock.Lock()
	if s.generation != gen {
		s.stateLock.Unlock()
		log.Debugf("discarding login completed after logout")
		return &AuthError{Message: MessageLoginFailed, Err: ErrLoginSuperseded}
	}

	if err := s.storage.Set(ctx, map[string]string{KeyToken: resp.Access, KeyUser: string(userRaw)}); err != nil {
		s.stateLock.Unlock()
		log.WithError(err).Errorf("failed storing session")
		return &AuthError{Message: MessageLoginFailed, Err: fmt.Errorf("failed storing session: %w", err)}
	}

	s.token, s.identity = resp.Access, resp.User
	s.generation++
	s.stateLock.Unlock()

	log.Infof("logged in with role %s", resp.User.Role)

	identity := *resp.User
	s.emit(Event{Type: EventLogin, Identity: &identity})
	return nil
}

// Logout clears the session, it never fails and can be called when already logged out.
func (s *Store) Logout(ctx context.Context) {
	if s.clear(ctx) {
		s.log.Infof("logged out")
		s.emit(Event{Type: EventLogout})
	}
}

// Reject is called when the backend refused the credential of the current session, the
// session is cleared as by Logout.
func (s *Store) Reject(ctx context.Context) {
	if s.clear(ctx) {
		s.log.Warnf("credential rejected by backend, session cleared")
		s.emit(Event{Type: EventExpired})
	}
}

func (s *Store) clear(ctx context.Context) bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	wasAuthenticated := len(s.token) > 0
	s.token, s.identity = "", nil
	s.generation++

	// the caller going away must not leave the session behind in storage
	if err := s.storage.Delete(context.WithoutCancel(ctx), KeyToken, KeyUser); err != nil {
		s.log.WithError(err).Errorf("failed clearing stored session")
	}

	return wasAuthenticated
}

func (s *Store) Initializing() bool {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.initializing
}

func (s *Store) IsAuthenticated() bool {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return len(s.token) > 0
}

func (s *Store) IsInRole(role adminconsole.Role) bool {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.identity != nil && s.identity.Role == role
}

func (s *Store) IsAdministrator() bool {
	return s.IsInRole(adminconsole.RoleAdministrator)
}

func (s *Store) IsExternal() bool {
	return s.IsInRole(adminconsole.RoleExternal)
}

func (s *Store) Identity() (Identity, bool) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()

	if s.identity == nil {
		return Identity{}, false
	}

	return *s.identity, true
}

// Token returns the current credential, it satisfies adminconsole.GetTokenFunc.
func (s *Store) Token() (string, bool) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.token, len(s.token) > 0
}

// ExpiresAt returns the expiry of the current credential if it carries one.
func (s *Store) ExpiresAt() (time.Time, bool) {
	token, ok := s.Token()
	if !ok {
		return time.Time{}, false
	}

	return credentialExpiry(token)
}
