//go:build test_unit

package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/gateway"
	"github.com/devgianlu/go-adminconsole/session"
	"github.com/devgianlu/go-adminconsole/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite

	backend *httptest.Server

	// the login endpoint answers with whatever these are set to, use configure to change them
	loginStatus int
	loginBody   string
	loginHook   func()
	loginLock   sync.Mutex

	// authHeaders records the Authorization header of every non-login backend call
	authHeaders     []string
	authHeadersLock sync.Mutex

	storage *storage.Memory
	gateway *gateway.Gateway
	store   *session.Store
}

func (suite *StoreSuite) SetupTest() {
	suite.loginStatus = http.StatusOK
	suite.loginBody = `{"refresh":"ref1","access":"tok1","user":{"id":1,"email":"a@b.com","rol":"ADMINISTRADOR","date_joined":"2024-01-01T00:00:00Z"}}`
	suite.loginHook = nil
	suite.authHeaders = nil

	m := http.NewServeMux()
	m.HandleFunc("/api/login/", func(w http.ResponseWriter, r *http.Request) {
		suite.loginLock.Lock()
		hook, status, body := suite.loginHook, suite.loginStatus, suite.loginBody
		suite.loginLock.Unlock()

		if hook != nil {
			hook()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	m.HandleFunc("/api/empresas/", func(w http.ResponseWriter, r *http.Request) {
		suite.authHeadersLock.Lock()
		suite.authHeaders = append(suite.authHeaders, r.Header.Get("Authorization"))
		suite.authHeadersLock.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	suite.backend = httptest.NewServer(m)

	suite.storage = storage.NewMemory()
	suite.store = suite.newStore(suite.storage)
}

func (suite *StoreSuite) TearDownTest() {
	suite.backend.Close()
}

func (suite *StoreSuite) newStore(st storage.Storage) *session.Store {
	var err error
	suite.gateway, err = gateway.New(&adminconsole.NullLogger{}, suite.backend.URL, suite.backend.Client(), nil)
	suite.Require().NoError(err)

	store, err := session.NewStore(&adminconsole.NullLogger{}, st, suite.gateway)
	suite.Require().NoError(err)
	return store
}

func (suite *StoreSuite) configure(f func()) {
	suite.loginLock.Lock()
	defer suite.loginLock.Unlock()
	f()
}

func (suite *StoreSuite) stored(key string) (string, bool) {
	val, ok, err := suite.storage.Get(context.Background(), key)
	suite.Require().NoError(err)
	return val, ok
}

func (suite *StoreSuite) lastAuthHeader() string {
	suite.Require().NoError(suite.gateway.JSON(context.Background(), "GET", "/api/empresas/", nil, nil))

	suite.authHeadersLock.Lock()
	defer suite.authHeadersLock.Unlock()
	return suite.authHeaders[len(suite.authHeaders)-1]
}

func (suite *StoreSuite) TestInitializingUntilInitialize() {
	suite.True(suite.store.Initializing())
	suite.Require().NoError(suite.store.Initialize(context.Background()))
	suite.False(suite.store.Initializing())
	suite.False(suite.store.IsAuthenticated())

	// only the first call does anything
	suite.Require().NoError(suite.storage.Set(context.Background(), map[string]string{
		session.KeyToken: "tok1",
		session.KeyUser:  `{"email":"a@b.com","rol":"ADMINISTRADOR"}`,
	}))
	suite.Require().NoError(suite.store.Initialize(context.Background()))
	suite.False(suite.store.Initializing())
	suite.False(suite.store.IsAuthenticated())
}

func (suite *StoreSuite) TestLoginSuccess() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))
	suite.True(suite.store.IsAuthenticated())
	suite.True(suite.store.IsInRole(adminconsole.RoleAdministrator))
	suite.True(suite.store.IsAdministrator())
	suite.False(suite.store.IsExternal())

	identity, ok := suite.store.Identity()
	suite.True(ok)
	suite.Equal("a@b.com", identity.Email)
	suite.Equal(adminconsole.RoleAdministrator, identity.Role)

	token, ok := suite.stored(session.KeyToken)
	suite.True(ok)
	suite.Equal("tok1", token)

	user, ok := suite.stored(session.KeyUser)
	suite.True(ok)
	suite.JSONEq(`{"id":1,"email":"a@b.com","rol":"ADMINISTRADOR","date_joined":"2024-01-01T00:00:00Z"}`, user)

	suite.Equal("Bearer tok1", suite.lastAuthHeader())
}

func (suite *StoreSuite) TestLoginRejectedWithError() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() {
		suite.loginStatus = http.StatusBadRequest
		suite.loginBody = `{"error":"credenciales invalidas"}`
	})

	err := suite.store.Login(ctx, "a@b.com", "x")

	var authErr *session.AuthError
	suite.Require().ErrorAs(err, &authErr)
	suite.Equal("credenciales invalidas", authErr.Message)
	suite.Equal(http.StatusBadRequest, authErr.StatusCode)
	suite.False(authErr.Network)
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
	suite.Empty(suite.lastAuthHeader())
}

func (suite *StoreSuite) TestLoginRejectedWithSerializerErrors() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() {
		suite.loginStatus = http.StatusBadRequest
		suite.loginBody = `{"email":["Introduzca una dirección de correo electrónico válida."],"non_field_errors":["Credenciales inválidas."]}`
	})

	var authErr *session.AuthError
	suite.Require().ErrorAs(suite.store.Login(ctx, "a@b.com", "x"), &authErr)
	suite.Equal("Credenciales inválidas.", authErr.Message)

	suite.configure(func() { suite.loginBody = `{"password":["Este campo es requerido."]}` })
	suite.Require().ErrorAs(suite.store.Login(ctx, "a@b.com", ""), &authErr)
	suite.Equal("Este campo es requerido.", authErr.Message)
}

func (suite *StoreSuite) TestLoginRejectedWithoutMessage() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() {
		suite.loginStatus = http.StatusInternalServerError
		suite.loginBody = `<html>oops</html>`
	})

	var authErr *session.AuthError
	suite.Require().ErrorAs(suite.store.Login(ctx, "a@b.com", "x"), &authErr)
	suite.Equal(session.MessageLoginFailed, authErr.Message)
}

func (suite *StoreSuite) TestLoginMalformedResponse() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() { suite.loginBody = `{"access":"tok1"}` })

	err := suite.store.Login(ctx, "a@b.com", "x")
	suite.ErrorIs(err, session.ErrMalformedResponse)
	suite.False(suite.store.IsAuthenticated())
}

func (suite *StoreSuite) TestLoginNetworkError() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.backend.Close()

	var authErr *session.AuthError
	suite.Require().ErrorAs(suite.store.Login(ctx, "a@b.com", "x"), &authErr)
	suite.True(authErr.Network)
	suite.Equal(session.MessageLoginFailed, authErr.Message)
	suite.False(suite.store.IsAuthenticated())
}

func (suite *StoreSuite) TestLoginInvalidEmail() {
	var called bool
	suite.configure(func() { suite.loginHook = func() { called = true } })

	err := suite.store.Login(context.Background(), "ab.com", "x")

	var authErr *session.AuthError
	suite.Require().ErrorAs(err, &authErr)
	suite.Equal(session.MessageInvalidEmail, authErr.Message)
	suite.ErrorIs(err, session.ErrInvalidEmail)
	suite.False(called)
}

func (suite *StoreSuite) TestLogout() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))

	suite.store.Logout(ctx)
	suite.False(suite.store.IsAuthenticated())
	suite.False(suite.store.IsInRole(adminconsole.RoleAdministrator))

	_, ok := suite.store.Identity()
	suite.False(ok)

	_, ok = suite.stored(session.KeyToken)
	suite.False(ok)
	_, ok = suite.stored(session.KeyUser)
	suite.False(ok)

	suite.Empty(suite.lastAuthHeader())

	// logout again is a no-op
	suite.store.Logout(ctx)
	suite.False(suite.store.IsAuthenticated())
}

func (suite *StoreSuite) TestIsInRoleFalseWhenLoggedOut() {
	suite.Require().NoError(suite.store.Initialize(context.Background()))

	for _, role := range []adminconsole.Role{adminconsole.RoleAdministrator, adminconsole.RoleExternal, "", "OTRO"} {
		suite.False(suite.store.IsInRole(role), "role %q", role)
	}
}

func (suite *StoreSuite) TestRestoreRoundTrip() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))

	fresh := suite.newStore(suite.storage)
	suite.Require().NoError(fresh.Initialize(ctx))

	suite.Equal(suite.store.IsAuthenticated(), fresh.IsAuthenticated())
	for _, role := range []adminconsole.Role{adminconsole.RoleAdministrator, adminconsole.RoleExternal} {
		suite.Equal(suite.store.IsInRole(role), fresh.IsInRole(role))
	}

	suite.Equal("Bearer tok1", suite.lastAuthHeader())
}

func (suite *StoreSuite) TestRestoreTokenWithoutUser() {
	ctx := context.Background()
	suite.Require().NoError(suite.storage.Set(ctx, map[string]string{session.KeyToken: "tok1"}))

	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.False(suite.store.IsAuthenticated())
	suite.False(suite.store.Initializing())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
	_, ok = suite.stored(session.KeyUser)
	suite.False(ok)
}

func (suite *StoreSuite) TestRestoreUserWithoutToken() {
	ctx := context.Background()
	suite.Require().NoError(suite.storage.Set(ctx, map[string]string{session.KeyUser: `{"email":"a@b.com","rol":"EXTERNO"}`}))

	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyUser)
	suite.False(ok)
}

func (suite *StoreSuite) TestRestoreCorruptedUser() {
	ctx := context.Background()
	suite.Require().NoError(suite.storage.Set(ctx, map[string]string{session.KeyToken: "tok1", session.KeyUser: "{broken"}))

	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
	_, ok = suite.stored(session.KeyUser)
	suite.False(ok)
}

func (suite *StoreSuite) TestRestoreExpiredJwt() {
	ctx := context.Background()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	suite.Require().NoError(err)

	suite.Require().NoError(suite.storage.Set(ctx, map[string]string{
		session.KeyToken: expired,
		session.KeyUser:  `{"email":"a@b.com","rol":"ADMINISTRADOR"}`,
	}))

	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
}

func (suite *StoreSuite) TestRestoreValidJwt() {
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	suite.Require().NoError(err)

	suite.Require().NoError(suite.storage.Set(ctx, map[string]string{
		session.KeyToken: valid,
		session.KeyUser:  `{"email":"a@b.com","rol":"EXTERNO"}`,
	}))

	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.True(suite.store.IsAuthenticated())
	suite.True(suite.store.IsExternal())

	got, ok := suite.store.ExpiresAt()
	suite.True(ok)
	suite.True(exp.Equal(got))
}

func (suite *StoreSuite) TestReject() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))

	events, cancel := suite.store.Subscribe()
	defer cancel()

	suite.store.Reject(ctx)
	suite.False(suite.store.IsAuthenticated())
	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)

	ev := <-events
	suite.Equal(session.EventExpired, ev.Type)

	// rejecting a logged out session emits nothing
	suite.store.Reject(ctx)
	select {
	case ev := <-events:
		suite.Failf("unexpected event", "%v", ev)
	default:
	}
}

func (suite *StoreSuite) TestEvents() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	events, cancel := suite.store.Subscribe()

	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))
	suite.store.Logout(ctx)
	suite.store.Logout(ctx)

	ev := <-events
	suite.Equal(session.EventLogin, ev.Type)
	suite.Require().NotNil(ev.Identity)
	suite.Equal("a@b.com", ev.Identity.Email)

	ev = <-events
	suite.Equal(session.EventLogout, ev.Type)
	suite.Nil(ev.Identity)

	cancel()
	cancel()

	_, open := <-events
	suite.False(open)
}

func (suite *StoreSuite) TestLogoutSupersedesPendingLogin() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	received := make(chan struct{})
	release := make(chan struct{})
	suite.configure(func() {
		suite.loginHook = func() {
			close(received)
			<-release
		}
	})

	result := make(chan error, 1)
	go func() { result <- suite.store.Login(ctx, "a@b.com", "x") }()

	<-received
	suite.store.Logout(ctx)
	close(release)

	err := <-result
	suite.ErrorIs(err, session.ErrLoginSuperseded)
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
}

func (suite *StoreSuite) TestConcurrentLoginsAreSerialized() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	var inFlight, maxInFlight int
	var lock sync.Mutex
	suite.configure(func() {
		suite.loginHook = func() {
			lock.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			lock.Unlock()

			time.Sleep(10 * time.Millisecond)

			lock.Lock()
			inFlight--
			lock.Unlock()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			suite.NoError(suite.store.Login(ctx, "a@b.com", "x"))
		}()
	}
	wg.Wait()

	lock.Lock()
	suite.Equal(1, maxInFlight)
	lock.Unlock()
	suite.True(suite.store.IsAuthenticated())
}

func (suite *StoreSuite) TestLoginWithoutEmailIsRefused() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() { suite.loginBody = `{"access":"tok1","user":{"rol":"ADMINISTRADOR"}}` })

	err := suite.store.Login(ctx, "a@b.com", "x")
	suite.ErrorIs(err, session.ErrMalformedResponse)
	suite.False(suite.store.IsAuthenticated())
	suite.False(suite.store.IsAdministrator())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
	_, ok = suite.stored(session.KeyUser)
	suite.False(ok)
}

func (suite *StoreSuite) TestLoginUnknownRoleRoundTrip() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))

	suite.configure(func() { suite.loginBody = `{"access":"tok1","user":{"email":"a@b.com","rol":"AUDITOR"}}` })
	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))
	suite.True(suite.store.IsAuthenticated())
	suite.False(suite.store.IsAdministrator())

	restored := suite.newStore(suite.storage)
	suite.Require().NoError(restored.Initialize(ctx))
	suite.True(restored.IsAuthenticated())
	suite.True(restored.IsInRole("AUDITOR"))
	suite.False(restored.IsAdministrator())
}

func (suite *StoreSuite) TestLogoutWithCancelledContextClearsStorage() {
	mr := miniredis.RunT(suite.T())
	st := storage.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "console:")
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	store := suite.newStore(st)
	suite.Require().NoError(store.Initialize(ctx))
	suite.Require().NoError(store.Login(ctx, "a@b.com", "x"))
	suite.True(mr.Exists("console:token"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	store.Logout(cancelled)
	suite.False(store.IsAuthenticated())
	suite.False(mr.Exists("console:token"))
	suite.False(mr.Exists("console:user"))

	restored := suite.newStore(st)
	suite.Require().NoError(restored.Initialize(ctx))
	suite.False(restored.IsAuthenticated())
}

func (suite *StoreSuite) TestRejectWithCancelledContextClearsStorage() {
	ctx := context.Background()
	suite.Require().NoError(suite.store.Initialize(ctx))
	suite.Require().NoError(suite.store.Login(ctx, "a@b.com", "x"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	suite.store.Reject(cancelled)
	suite.False(suite.store.IsAuthenticated())

	_, ok := suite.stored(session.KeyToken)
	suite.False(ok)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func TestFileStorageRoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access": "tok1",
			"user":   map[string]string{"email": "a@b.com", "rol": "EXTERNO"},
		})
	}))
	defer backend.Close()

	dir := t.TempDir()
	ctx := context.Background()

	open := func() (*session.Store, *storage.File) {
		st, err := storage.NewFile(nil, dir)
		if err != nil {
			t.Fatalf("failed opening storage: %v", err)
		}

		gw, err := gateway.New(nil, backend.URL, backend.Client(), nil)
		if err != nil {
			t.Fatalf("failed creating gateway: %v", err)
		}

		store, err := session.NewStore(nil, st, gw)
		if err != nil {
			t.Fatalf("failed creating store: %v", err)
		}

		if err := store.Initialize(ctx); err != nil {
			t.Fatalf("failed initializing store: %v", err)
		}

		return store, st
	}

	store, st := open()
	if err := store.Login(ctx, "a@b.com", "x"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	_ = st.Close()

	store, st = open()
	defer func() { _ = st.Close() }()

	if !store.IsAuthenticated() || !store.IsExternal() {
		t.Fatalf("session not restored")
	}
}

func TestNewStoreFromOptionsValidation(t *testing.T) {
	gw, err := gateway.New(nil, "http://localhost", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := session.NewStoreFromOptions(&session.Options{Gateway: gw}); err == nil {
		t.Fatalf("expected error without storage")
	}

	if _, err := session.NewStoreFromOptions(&session.Options{Storage: storage.NewMemory()}); err == nil {
		t.Fatalf("expected error without gateway")
	}
}
