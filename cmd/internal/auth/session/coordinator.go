package session

import (
	"context"
	"log/slog"
	"time"

	"vigil/cmd/internal/storage"
)

// Invalidator invalidates the server-side session (e.g. clears auth cookies).
type Invalidator interface {
	InvalidateSession(ctx context.Context) error
}

// Reason explains why a session ended.
type Reason string

const (
	// ReasonIdleTimeout is an expiry detected by evaluation.
	ReasonIdleTimeout Reason = "idle_timeout"
	// ReasonExplicit is a user-initiated logout.
	ReasonExplicit Reason = "explicit"
	// ReasonResumeExpired is a persisted session found expired at startup.
	ReasonResumeExpired Reason = "resume_expired"
)

// RemoteOutcome is the result of the remote invalidation attempt.
type RemoteOutcome string

const (
	RemoteOK      RemoteOutcome = "ok"
	RemoteFailed  RemoteOutcome = "failed"
	RemoteSkipped RemoteOutcome = "skipped"
)

// LogoutOutcome describes one completed logout sequence.
type LogoutOutcome struct {
	Reason Reason
	Remote RemoteOutcome
	// Remembered reports whether REMEMBERED_AUTH was "true" at call time,
	// in which case the remembered credential fields were kept.
	Remembered bool
	// LocalCleared is false only when the storage removal failed.
	LocalCleared bool
}

// Coordinator performs the logout sequence.
//
// Ordering guarantee: the remote call is attempted first, bounded by the
// remote timeout, and local cleanup then runs unconditionally. Neither step
// is tied to the caller's cancellation.
type Coordinator struct {
	store          storage.Store
	remote         Invalidator
	remoteTimeout  time.Duration
	storageTimeout time.Duration
	log            *slog.Logger
	metrics        *Metrics
}

// NewCoordinator constructs a Coordinator. remote may be nil, in which case
// the remote step is skipped.
func NewCoordinator(store storage.Store, remote Invalidator, cfg Config, log *slog.Logger, metrics *Metrics) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:          store,
		remote:         remote,
		remoteTimeout:  cfg.LogoutTimeout,
		storageTimeout: cfg.StorageTimeout,
		log:            log,
		metrics:        metrics,
	}
}

// Logout runs the full sequence. It never fails; problems are logged and
// reflected in the returned outcome.
func (c *Coordinator) Logout(ctx context.Context, reason Reason) LogoutOutcome {
	base := context.WithoutCancel(ctx)
	out := LogoutOutcome{Reason: reason, Remote: RemoteSkipped}

	out.Remembered = c.remembered(base)

	if c.remote != nil {
		rctx, cancel := context.WithTimeout(base, c.remoteTimeout)
		err := c.remote.InvalidateSession(rctx)
		cancel()
		if err != nil {
			out.Remote = RemoteFailed
			c.log.Warn("session.logout.remote.fail", "reason", reason, "err", err)
		} else {
			out.Remote = RemoteOK
		}
	}

	keys := append([]string(nil), sessionKeys...)
	if !out.Remembered {
		keys = append(keys, rememberedKeys...)
	}

	sctx, cancel := context.WithTimeout(base, c.storageTimeout)
	defer cancel()
	if err := c.store.Remove(sctx, keys...); err != nil {
		c.log.Error("session.logout.local.fail", "reason", reason, "err", err)
	} else {
		out.LocalCleared = true
	}

	c.metrics.logout(out)
	c.log.Info("session.logout",
		"reason", reason,
		"remote", out.Remote,
		"remembered", out.Remembered,
		"local_cleared", out.LocalCleared,
	)
	return out
}

func (c *Coordinator) remembered(ctx context.Context) bool {
	sctx, cancel := context.WithTimeout(ctx, c.storageTimeout)
	defer cancel()

	v, err := c.store.Get(sctx, KeyRememberedAuth)
	if err != nil {
		// Unknown counts as not remembered: credentials are cleared.
		return false
	}
	return v == "true"
}
