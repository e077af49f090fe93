package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/devgianlu/go-adminconsole/gateway"
	"github.com/devgianlu/go-adminconsole/guard"
	"github.com/devgianlu/go-adminconsole/session"
	"github.com/devgianlu/go-adminconsole/storage"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
)

type App struct {
	log adminconsole.Logger
	cfg *Config

	storage storage.Storage
	gw      *gateway.Gateway
	sess    *session.Store
	guard   *guard.Guard

	server *ApiServer
}

func NewApp(log adminconsole.Logger, cfg *Config, st storage.Storage, client *http.Client) (app *App, err error) {
	app = &App{log: log, cfg: cfg, storage: st}

	app.gw, err = gateway.New(log.WithField("module", "gateway"), cfg.BackendUrl, client, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating backend gateway: %w", err)
	}

	app.sess, err = session.NewStoreFromOptions(&session.Options{
		Log:       log.WithField("module", "session"),
		Storage:   st,
		Gateway:   app.gw,
		LoginPath: cfg.BackendLoginPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating session store: %w", err)
	}

	app.guard = guard.New(log.WithField("module", "guard"), app.sess, cfg.LoginPath)
	return app, nil
}

func openStorage(ctx context.Context, log adminconsole.Logger, cfg *Config) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "file":
		return storage.NewFile(log.WithField("module", "storage"), cfg.ConfigDir)
	case "redis":
		return storage.NewRedisFromOptions(ctx, &redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		}, cfg.Storage.Redis.Prefix)
	case "memory":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

func (app *App) handleApiRequest(req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeSession:
		return app.sessionStatus(), nil
	case ApiRequestTypeLogin:
		data := req.Data.(ApiRequestDataLogin)
		if err := app.sess.Login(req.Context(), data.Email, data.Password); err != nil {
			return nil, err
		}

		return app.sessionStatus(), nil
	case ApiRequestTypeLogout:
		app.sess.Logout(req.Context())
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown request type: %s", req.Type)
	}
}

func (app *App) sessionStatus() *ApiResponseSession {
	resp := &ApiResponseSession{
		Initializing:  app.sess.Initializing(),
		Authenticated: app.sess.IsAuthenticated(),
	}

	if identity, ok := app.sess.Identity(); ok {
		resp.Email = identity.Email
		resp.Role = identity.Role
	}

	if exp, ok := app.sess.ExpiresAt(); ok {
		resp.ExpiresAt = &exp
	}

	return resp
}

// Serve restores the stored session and answers api requests until ctx is done. The server
// is already accepting requests while the session is restored, those are held pending by
// the guard.
func (app *App) Serve(ctx context.Context) {
	events, cancel := app.sess.Subscribe()
	defer cancel()

	go func() {
		if err := app.sess.Initialize(ctx); err != nil {
			app.log.WithError(err).Errorf("failed initializing session")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			app.server.Emit(&ApiEvent{Type: ApiEventType(ev.Type), Data: ev.Identity})
			if ev.Type != session.EventLogin {
				app.server.CloseClients("session ended")
			}
		case req := <-app.server.Receive():
			go func() {
				data, err := app.handleApiRequest(req)
				req.Reply(data, err)
			}()
		}
	}
}

func (app *App) runCommand(ctx context.Context) error {
	if err := app.sess.Initialize(ctx); err != nil {
		return err
	}

	switch app.cfg.Command {
	case CommandLogin:
		if err := app.sess.Login(ctx, app.cfg.Email, app.cfg.Password); err != nil {
			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				return fmt.Errorf("%s", authErr.Message)
			}

			return err
		}

		identity, _ := app.sess.Identity()
		app.log.Infof("logged in as %s (%s)", adminconsole.ObfuscateEmail(identity.Email), identity.Role)
		return nil
	case CommandLogout:
		app.sess.Logout(ctx)
		return nil
	case CommandStatus:
		if identity, ok := app.sess.Identity(); ok {
			app.log.Infof("logged in as %s (%s)", adminconsole.ObfuscateEmail(identity.Email), identity.Role)
		} else {
			app.log.Infof("not logged in")
		}
		return nil
	default:
		return fmt.Errorf("unknown command: %s", app.cfg.Command)
	}
}

func main() {
	var cfg Config
	if err := loadConfig(os.Args[1:], &cfg); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}

		_, _ = fmt.Fprintf(os.Stderr, "failed loading configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := newLogger(&cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	log.Debugf("running %s", adminconsole.SystemInfoString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, log, &cfg)
	if errors.Is(err, storage.ErrLocked) {
		log.Errorf("another console is using %s", cfg.ConfigDir)
		os.Exit(1)
	} else if err != nil {
		log.WithError(err).Errorf("failed opening session storage")
		os.Exit(1)
	}

	defer func() { _ = st.Close() }()

	app, err := NewApp(log, &cfg, st, nil)
	if err != nil {
		log.WithError(err).Errorf("failed creating app")
		os.Exit(1)
	}

	if cfg.Command != CommandServe {
		if err := app.runCommand(ctx); err != nil {
			log.WithError(err).Errorf("%s failed", cfg.Command)
			_ = st.Close()
			os.Exit(1)
		}

		return
	}

	proxy := NewBackendProxy(log.WithField("module", "proxy"), app.gw, app.sess.Reject)
	if cfg.Server.Enabled {
		app.server, err = NewApiServer(log.WithField("module", "api"), cfg.Server.Address, cfg.Server.Port, cfg.Server.AllowOrigin, cfg.Server.CertFile, cfg.Server.KeyFile, app.guard, proxy)
		if err != nil {
			log.WithError(err).Errorf("failed creating api server")
			os.Exit(1)
		}

		defer app.server.Close()
	} else {
		app.server, _ = NewStubApiServer(log)
	}

	app.Serve(ctx)
	log.Infof("shutting down")
}
