package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/guard"
	"github.com/devgianlu/go-adminconsole/session"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	log adminconsole.Logger

	allowOrigin string
	certFile    string
	keyFile     string

	guard *guard.Guard
	proxy *BackendProxy

	close    atomic.Bool
	listener net.Listener

	requests chan ApiRequest

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var (
	ErrBadRequest       = errors.New("bad request")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

type ApiRequestType string

const (
	ApiRequestTypeSession ApiRequestType = "session"
	ApiRequestTypeLogin   ApiRequestType = "login"
	ApiRequestTypeLogout  ApiRequestType = "logout"
)

type ApiEventType string

const (
	ApiEventTypeLogin   = ApiEventType(session.EventLogin)
	ApiEventTypeLogout  = ApiEventType(session.EventLogout)
	ApiEventTypeExpired = ApiEventType(session.EventExpired)
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	ctx  context.Context
	resp chan apiResponse
}

func (r *ApiRequest) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}

	return r.ctx
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataLogin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseSession struct {
	Initializing  bool              `json:"initializing"`
	Authenticated bool              `json:"authenticated"`
	Email         string            `json:"email,omitempty"`
	Role          adminconsole.Role `json:"rol,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

type ApiResponseError struct {
	Error string `json:"error"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

func NewApiServer(log adminconsole.Logger, address string, port int, allowOrigin, certFile, keyFile string, g *guard.Guard, proxy *BackendProxy) (_ *ApiServer, err error) {
	s := newApiServer(log, allowOrigin, g, proxy)
	s.certFile, s.keyFile = certFile, keyFile

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	go s.serve()
	return s, nil
}

// NewStubApiServer returns a server that never receives requests.
func NewStubApiServer(log adminconsole.Logger) (*ApiServer, error) {
	return newApiServer(log, "", nil, nil), nil
}

func newApiServer(log adminconsole.Logger, allowOrigin string, g *guard.Guard, proxy *BackendProxy) *ApiServer {
	return &ApiServer{
		log:         adminconsole.LoggerOrNull(log),
		allowOrigin: allowOrigin,
		guard:       g,
		proxy:       proxy,
		requests:    make(chan ApiRequest),
	}
}

func writeJson(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter) {
	req.resp = make(chan apiResponse, 1)

	select {
	case s.requests <- req:
	case <-req.Context().Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	resp := <-req.resp

	if resp.err != nil {
		var authErr *session.AuthError
		switch {
		case errors.As(resp.err, &authErr):
			status := http.StatusUnauthorized
			if authErr.Network {
				status = http.StatusBadGateway
			} else if errors.Is(authErr, session.ErrInvalidEmail) {
				status = http.StatusBadRequest
			} else if errors.Is(authErr, session.ErrLoginSuperseded) {
				status = http.StatusConflict
			}

			writeJson(w, status, ApiResponseError{Error: authErr.Message})
			return
		case errors.Is(resp.err, ErrBadRequest):
			w.WriteHeader(http.StatusBadRequest)
			return
		case errors.Is(resp.err, ErrMethodNotAllowed):
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		default:
			s.log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	if resp.data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJson(w, http.StatusOK, resp.data)
}

func (s *ApiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowOrigin) > 0 {
		allow := s.allowOrigin
		allow = strings.TrimPrefix(allow, "http://")
		allow = strings.TrimPrefix(allow, "https://")
		allow = strings.TrimSuffix(allow, "/")
		opts.OriginPatterns = []string{allow}
	}

	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.WithError(err).Errorf("failed accepting websocket connection")
		return
	}

	s.clientsLock.Lock()
	s.clients = append(s.clients, c)
	s.clientsLock.Unlock()

	s.log.Debugf("new websocket client")

	for {
		_, _, err := c.Read(context.Background())
		if err == nil {
			continue
		}

		s.clientsLock.Lock()
		for i, cc := range s.clients {
			if cc == c {
				s.clients = append(s.clients[:i], s.clients[i+1:]...)
				break
			}
		}
		s.clientsLock.Unlock()

		if !s.close.Load() && websocket.CloseStatus(err) == -1 {
			s.log.WithError(err).Errorf("websocket connection errored")
		}

		return
	}
}

func (s *ApiServer) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, map[string]string{"version": adminconsole.VersionNumberString()})
	}).Methods("GET")
	r.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: ApiRequestTypeSession, ctx: r.Context()}, w)
	}).Methods("GET")
	// the guard redirects here, browsers land on the session status and post credentials back
	r.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: ApiRequestTypeSession, ctx: r.Context()}, w)
	}).Methods("GET")
	r.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var data ApiRequestDataLogin
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeLogin, Data: data, ctx: r.Context()}, w)
	}).Methods("POST")
	r.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: ApiRequestTypeLogout, ctx: r.Context()}, w)
	}).Methods("POST")
	r.Handle("/events", s.guard.Protect(http.HandlerFunc(s.handleEvents)))

	// products and inventory are administrator only on the backend as well, companies are
	// readable by every authenticated user
	api := r.PathPrefix("/api").Subrouter()
	api.PathPrefix("/productos").Handler(s.guard.RequireRole(s.proxy, adminconsole.RoleAdministrator))
	api.PathPrefix("/inventario").Handler(s.guard.RequireRole(s.proxy, adminconsole.RoleAdministrator))
	api.PathPrefix("/").Handler(s.guard.Protect(s.proxy))

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedMethods:      []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:      []string{"Content-Type", "Accept"},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	return c.Handler(r)
}

func (s *ApiServer) serve() {
	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = http.ServeTLS(s.listener, s.handler(), s.certFile, s.keyFile)
	} else {
		err = http.Serve(s.listener, s.handler())
	}

	if s.close.Load() {
		return
	} else if err != nil {
		s.log.WithError(err).Errorf("failed serving api")
	}
}

func (s *ApiServer) Emit(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	s.log.Tracef("emitting websocket event: %s", ev.Type)

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			s.log.WithError(err).Errorf("failed communicating with websocket client")
		}
	}
}

// CloseClients disconnects every websocket client, they must authenticate again to resubscribe.
func (s *ApiServer) CloseClients(reason string) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		_ = client.Close(websocket.StatusPolicyViolation, reason)
	}
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	s.close.Store(true)

	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
}
