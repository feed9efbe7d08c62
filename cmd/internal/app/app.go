// Package app wires the vigil runtime: config, logging, storage, the session
// watchdog, its HTTP surface and the UI activity channel.
package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	authapi "vigil/cmd/internal/auth/api"
	"vigil/cmd/internal/auth/remote"
	"vigil/cmd/internal/auth/session"
	"vigil/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// App is the vigil runtime. It owns the store, the watchdog and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store    *appStore
	registry *prometheus.Registry

	watchdog *session.Watchdog
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	auth     *authapi.Handler

	closeOnce sync.Once
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, st *appStore) (*App, error) {
	reg := newRegistry()
	hub := realtime.NewHub(log, reg)

	opts := []session.Option{
		session.WithLogger(log),
		session.WithNavigator(hub),
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithAuditLog(st.audit),
	}
	if cfg.RemoteBaseURL != "" {
		rc, err := remote.New(cfg.RemoteBaseURL, remote.WithHTTPClient(&http.Client{Timeout: cfg.RemoteTimeout}))
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithInvalidator(rc))
		log.Info("remote.enabled", "logout_url", rc.LogoutURL())
	} else {
		log.Warn("remote.disabled", "effect", "server-side session is never invalidated")
	}

	wd, err := session.New(cfg.Session, st, opts...)
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, wd)
	if err != nil {
		_ = wd.Close()
		return nil, err
	}

	auth, err := authapi.NewHandler(log, wd, authapi.LoadConfigFromEnv())
	if err != nil {
		_ = wd.Close()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		watchdog: wd,
		hub:      hub,
		ws:       ws,
		auth:     auth,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run resumes any persisted session, serves HTTP and blocks until ctx is
// cancelled or the server fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	resumed, err := a.watchdog.Resume(ctx)
	if err != nil {
		// The store is unreachable; serve anyway so /readyz can report it.
		a.log.Error("session.resume.fail", "err", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.store.backend,
		"config_file", a.cfg.File,
		"watchdog_id", a.watchdog.ID(),
		"session_resumed", resumed,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close disconnects tabs and stops the watchdog before the store it writes to.
// Persisted session state is left in place so the next start can resume it.
func (a *App) close() {
	a.closeOnce.Do(func() {
		a.hub.Close()
		if err := a.watchdog.Close(); err != nil {
			a.log.Error("session.close.fail", "err", err)
		}
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	})
}

// Main is the CLI entrypoint used by cmd/vigil.
// It returns an error instead of calling os.Exit to keep defers effective.
func Main() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
