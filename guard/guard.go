// Package guard gates the protected console routes on the state of the session.
//
// A route is Pending while the session is still restoring itself, Authorized once it holds a
// credential and Denied otherwise. Pending routes answer with a waiting response and never
// redirect, Denied routes redirect to the login entry point and Authorized routes run
// unchanged. The guard never asks the backend whether the credential is still valid.
package guard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"golang.org/x/exp/slices"
)

const (
	MessagePending   = "Verificando sesión"
	MessageDenied    = "Debe iniciar sesión"
	MessageForbidden = "No tiene permisos para realizar esta acción"

	defaultRetryAfter = time.Second
)

type State int

const (
	Pending State = iota
	Authorized
	Denied
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Session is what the guard needs to know about the current session, *session.Store
// implements it.
type Session interface {
	Initializing() bool
	IsAuthenticated() bool
	IsInRole(role adminconsole.Role) bool
}

func Evaluate(sess Session) State {
	if sess.Initializing() {
		return Pending
	} else if sess.IsAuthenticated() {
		return Authorized
	} else {
		return Denied
	}
}

type Guard struct {
	log adminconsole.Logger

	sess       Session
	loginPath  string
	retryAfter time.Duration
}

func New(log adminconsole.Logger, sess Session, loginPath string) *Guard {
	return &Guard{
		log:        adminconsole.LoggerOrNull(log),
		sess:       sess,
		loginPath:  loginPath,
		retryAfter: defaultRetryAfter,
	}
}

func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch state := Evaluate(g.sess); state {
		case Pending:
			g.pending(w, r)
		case Denied:
			g.denied(w, r)
		case Authorized:
			next.ServeHTTP(w, r)
		default:
			panic("unknown guard state: " + state.String())
		}
	})
}

// RequireRole is like Protect, but authorized sessions also need to hold one of roles.
func (g *Guard) RequireRole(next http.Handler, roles ...adminconsole.Role) http.Handler {
	return g.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.ContainsFunc(roles, g.sess.IsInRole) {
			g.log.Debugf("forbidden %s %s, missing role %v", r.Method, r.URL.Path, roles)
			writeJsonMessage(w, http.StatusForbidden, MessageForbidden)
			return
		}

		next.ServeHTTP(w, r)
	}))
}

func (g *Guard) pending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(int(g.retryAfter.Seconds())))
	w.Header().Set("Cache-Control", "no-store")

	if wantsJson(r) {
		writeJsonMessage(w, http.StatusServiceUnavailable, MessagePending)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(MessagePending))
	}
}

func (g *Guard) denied(w http.ResponseWriter, r *http.Request) {
	if wantsJson(r) {
		writeJsonMessage(w, http.StatusUnauthorized, MessageDenied)
		return
	}

	status := http.StatusFound
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		status = http.StatusSeeOther
	}

	w.Header().Set("Location", g.loginPath)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
}

func wantsJson(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJsonMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
