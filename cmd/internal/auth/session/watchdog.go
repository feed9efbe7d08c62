package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vigil/cmd/internal/ids"
	"vigil/cmd/internal/storage"

	"golang.org/x/sync/singleflight"
)

// State is the session lifecycle state.
type State uint8

const (
	StateUnauthenticated State = iota
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "unauthenticated"
}

// EventKind names a UI interaction delivered to the watchdog.
type EventKind string

const (
	EventPointerDown EventKind = "pointerdown"
	EventKeyDown     EventKind = "keydown"
	EventScroll      EventKind = "scroll"
	EventTouchStart  EventKind = "touchstart"

	// EventVisible and EventHidden report host visibility changes.
	EventVisible EventKind = "visible"
	EventHidden  EventKind = "hidden"
)

// ParseEventKind validates a wire event name.
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case EventPointerDown, EventKeyDown, EventScroll, EventTouchStart, EventVisible, EventHidden:
		return k, true
	default:
		return "", false
	}
}

func (k EventKind) interaction() bool {
	switch k {
	case EventPointerDown, EventKeyDown, EventScroll, EventTouchStart:
		return true
	default:
		return false
	}
}

// Outcome is what HandleEvent did with an event.
type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeRecorded
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeExpired:
		return "expired"
	default:
		return "ignored"
	}
}

// LoginInput starts a session.
type LoginInput struct {
	// User is the opaque identity blob stored as CURRENT_USER.
	User     string
	Email    string
	Extended bool
	Remember bool
}

// Status is a point-in-time view of the session. Computing it has no side effects.
type Status struct {
	WatchdogID   string
	State        State
	Verdict      Verdict
	Mode         Mode
	LastActivity time.Time
	Idle         time.Duration
	Remaining    time.Duration
	Timeout      time.Duration
}

const logoutFlightKey = "logout"

// Watchdog owns the session lifecycle.
//
// Concurrency model:
//   - mu serializes state, evaluation, and activity writes, so a tick, a
//     visibility change, and an interaction never interleave mid-operation.
//   - A visibility change evaluates before it records: a session that went
//     stale while hidden expires instead of being revived.
//   - cleanupMu is held shared for the whole of each logout sequence and
//     exclusively by Login, so a late local cleanup can never erase a newer
//     session. Lock order is cleanupMu, then mu.
//   - Concurrent logouts are coalesced into one sequence.
//   - The remote logout call never runs under mu.
type Watchdog struct {
	id    string
	cfg   Config
	store storage.Store

	recorder *Recorder
	coord    *Coordinator
	timer    *Timer

	nav     Navigator
	audit   storage.AuditLog
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	cleanupMu sync.RWMutex
	flight    singleflight.Group
	bg        sync.WaitGroup

	mu     sync.Mutex
	state  State
	hidden bool
	closed bool

	remote Invalidator
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watchdog) {
		if log != nil {
			w.log = log
		}
	}
}

// WithInvalidator sets the remote logout collaborator.
func WithInvalidator(inv Invalidator) Option {
	return func(w *Watchdog) { w.remote = inv }
}

// WithNavigator sets where redirects are delivered.
func WithNavigator(nav Navigator) Option {
	return func(w *Watchdog) {
		if nav != nil {
			w.nav = nav
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// WithAuditLog records lifecycle events (login, logout).
func WithAuditLog(a storage.AuditLog) Option {
	return func(w *Watchdog) { w.audit = a }
}

// New constructs a Watchdog in the Unauthenticated state.
// Call Resume to pick up a persisted session.
func New(cfg Config, store storage.Store, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("session: nil store")
	}

	w := &Watchdog{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	w.id = ids.MustULID(w.now())
	w.log = w.log.With("watchdog_id", w.id)
	if w.nav == nil {
		w.nav = logNavigator{log: w.log}
	}

	w.recorder = NewRecorder(store, w.now, w.log, w.metrics, cfg.StorageTimeout)
	w.coord = NewCoordinator(store, w.remote, cfg, w.log, w.metrics)
	w.timer = NewTimer(cfg.CheckInterval, w.onTick)
	w.baseCtx, w.baseCancel = context.WithCancel(context.Background())

	return w, nil
}

// ID returns the watchdog instance ID.
func (w *Watchdog) ID() string { return w.id }

// Config returns the active configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// Login persists a new session and starts the timer, replacing any previous one.
func (w *Watchdog) Login(ctx context.Context, in LoginInput) error {
	if strings.TrimSpace(in.User) == "" {
		return ErrInvalidLogin
	}
	in.Email = strings.TrimSpace(in.Email)
	if in.Remember && in.Email == "" {
		return ErrInvalidLogin
	}

	// Stop before taking locks: a tick in progress needs them to finish.
	w.timer.Stop()

	w.cleanupMu.Lock()
	defer w.cleanupMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}

	now := w.now().UTC()
	if err := w.persistLogin(ctx, in, now); err != nil {
		w.state = StateUnauthenticated
		w.mu.Unlock()
		w.discardPartialLogin(ctx)
		return err
	}
	w.recorder.reset(now)
	w.state = StateActive
	w.hidden = false
	w.mu.Unlock()

	w.metrics.setActive(true)
	w.timer.Start(w.baseCtx)

	mode := ModeStandard
	if in.Extended {
		mode = ModeExtended
	}
	w.log.Info("session.login", "mode", mode, "remember", in.Remember)
	w.appendAudit(ctx, storage.AuditEntry{
		Action: "session.login",
		At:     now,
		Meta:   map[string]any{"mode": mode.String(), "remember": in.Remember},
	})
	return nil
}

func (w *Watchdog) persistLogin(ctx context.Context, in LoginInput, now time.Time) error {
	sctx, cancel := w.storageCtx(ctx)
	defer cancel()

	if err := w.store.Set(sctx, KeyCurrentUser, in.User); err != nil {
		return err
	}
	if in.Extended {
		if err := w.store.Set(sctx, KeyExtendedSession, "true"); err != nil {
			return err
		}
	} else if err := w.store.Remove(sctx, KeyExtendedSession); err != nil {
		return err
	}
	if in.Remember {
		if err := w.store.Set(sctx, KeyRememberedEmail, in.Email); err != nil {
			return err
		}
		if err := w.store.Set(sctx, KeyRememberedAuth, "true"); err != nil {
			return err
		}
	} else if err := w.store.Remove(sctx, rememberedKeys...); err != nil {
		return err
	}
	return w.store.Set(sctx, KeyLastActivity, FormatActivity(now))
}

func (w *Watchdog) discardPartialLogin(ctx context.Context) {
	sctx, cancel := w.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := w.store.Remove(sctx, sessionKeys...); err != nil {
		w.log.Warn("session.login.rollback.fail", "err", err)
	}
}

// Resume adopts a persisted session at startup. It reports whether a valid
// session was resumed; an expired one is logged out and redirected.
func (w *Watchdog) Resume(ctx context.Context) (bool, error) {
	w.cleanupMu.RLock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return false, ErrClosed
	}

	sctx, cancel := w.storageCtx(ctx)
	_, err := w.store.Get(sctx, KeyCurrentUser)
	cancel()
	if err != nil {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	_, v := w.evaluateLocked(ctx)
	if v == VerdictValid {
		w.state = StateActive
		w.mu.Unlock()
		w.cleanupMu.RUnlock()

		w.metrics.setActive(true)
		w.timer.Start(w.baseCtx)
		w.log.Info("session.resume", "verdict", v)
		return true, nil
	}

	w.claimLocked()
	w.mu.Unlock()

	w.runLogout(ctx, ReasonResumeExpired)
	w.cleanupMu.RUnlock()

	w.redirect(ctx, ReasonResumeExpired)
	return false, nil
}

// HandleEvent applies one UI event.
//
// Interactions and a hidden->visible transition evaluate first and record
// activity only if the session is still valid; an expired session is logged
// out and redirected instead. Everything else is ignored.
func (w *Watchdog) HandleEvent(ctx context.Context, kind EventKind) Outcome {
	switch {
	case kind.interaction():
		return w.onInteraction(ctx)

	case kind == EventHidden:
		w.mu.Lock()
		w.hidden = true
		w.mu.Unlock()
		return OutcomeIgnored

	case kind == EventVisible:
		return w.onVisible(ctx)

	default:
		return OutcomeIgnored
	}
}

func (w *Watchdog) onInteraction(ctx context.Context) Outcome {
	w.cleanupMu.RLock()
	w.mu.Lock()

	if w.closed || w.state != StateActive {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		w.metrics.activity("ignored")
		return OutcomeIgnored
	}
	return w.recordOrExpireLocked(ctx)
}

func (w *Watchdog) onVisible(ctx context.Context) Outcome {
	w.cleanupMu.RLock()
	w.mu.Lock()

	wasHidden := w.hidden
	w.hidden = false
	if w.closed || w.state != StateActive || !wasHidden {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return OutcomeIgnored
	}

	return w.recordOrExpireLocked(ctx)
}

// recordOrExpireLocked evaluates the session and either records activity or
// starts an async logout and redirects. It releases mu and the caller's
// cleanupMu read hold.
func (w *Watchdog) recordOrExpireLocked(ctx context.Context) Outcome {
	_, v := w.evaluateLocked(ctx)
	if v == VerdictValid {
		w.recorder.RecordActivity(ctx)
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return OutcomeRecorded
	}

	w.claimLocked()
	w.expireAsyncLocked(ctx, ReasonIdleTimeout)
	w.mu.Unlock()

	w.redirect(ctx, ReasonIdleTimeout)
	return OutcomeExpired
}

// Check reads persisted state and evaluates it. It never logs out.
func (w *Watchdog) Check(ctx context.Context) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, v := w.evaluateLocked(ctx)
	return v
}

// Enforce performs a logout when v is expired and reports whether it did.
func (w *Watchdog) Enforce(ctx context.Context, v Verdict) bool {
	if v == VerdictValid {
		return false
	}

	w.cleanupMu.RLock()

	w.mu.Lock()
	w.claimLocked()
	w.mu.Unlock()

	w.runLogout(ctx, ReasonIdleTimeout)
	w.cleanupMu.RUnlock()

	w.redirect(ctx, ReasonIdleTimeout)
	return true
}

// IsSessionValid answers whether the session is valid and, when it is not,
// performs the logout sequence before returning false.
func (w *Watchdog) IsSessionValid(ctx context.Context) bool {
	w.cleanupMu.RLock()

	w.mu.Lock()
	_, v := w.evaluateLocked(ctx)
	if v == VerdictValid {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return true
	}
	w.claimLocked()
	w.mu.Unlock()

	w.runLogout(ctx, ReasonIdleTimeout)
	w.cleanupMu.RUnlock()

	w.redirect(ctx, ReasonIdleTimeout)
	return false
}

// Logout ends the session at the user's request and redirects clients.
func (w *Watchdog) Logout(ctx context.Context) LogoutOutcome {
	w.cleanupMu.RLock()
	w.mu.Lock()
	w.claimLocked()
	w.mu.Unlock()

	out := w.runLogout(ctx, ReasonExplicit)
	w.cleanupMu.RUnlock()

	w.redirect(ctx, ReasonExplicit)
	return out
}

// Status reports the current session view without side effects.
func (w *Watchdog) Status(ctx context.Context) Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	snap, v := w.evaluateLocked(ctx)

	st := Status{
		WatchdogID: w.id,
		State:      w.state,
		Verdict:    v,
		Mode:       snap.Mode,
		Timeout:    w.cfg.Timeout(snap.Mode),
		Remaining:  Remaining(snap, now, w.cfg),
	}
	if snap.HasActivity {
		st.LastActivity = snap.LastActivity
		if idle := now.Sub(snap.LastActivity); idle > 0 {
			st.Idle = idle
		}
	}
	return st
}

// TimerRunning reports whether the session timer is active.
func (w *Watchdog) TimerRunning() bool { return w.timer.Running() }

// Close stops the timer and waits for background logouts to finish.
// Persisted state is left untouched so the next process can Resume.
func (w *Watchdog) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.timer.Stop()
	w.baseCancel()
	w.bg.Wait()
	return nil
}

// onTick is the Timer callback: evaluate, and on expiry fire the logout
// without waiting for it and redirect immediately.
func (w *Watchdog) onTick(ctx context.Context) bool {
	w.cleanupMu.RLock()
	w.mu.Lock()

	if w.closed || w.state != StateActive {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return false
	}

	_, v := w.evaluateLocked(ctx)
	if v == VerdictValid {
		w.mu.Unlock()
		w.cleanupMu.RUnlock()
		return true
	}

	w.claimLocked()
	w.expireAsyncLocked(ctx, ReasonIdleTimeout)
	w.mu.Unlock()

	w.redirect(ctx, ReasonIdleTimeout)
	return false
}

// expireAsyncLocked hands the caller's shared cleanupMu hold to a
// background logout. Requires mu held and w.closed false.
func (w *Watchdog) expireAsyncLocked(ctx context.Context, reason Reason) {
	base := context.WithoutCancel(ctx)
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer w.cleanupMu.RUnlock()
		w.runLogout(base, reason)
	}()
}

// claimLocked moves to Unauthenticated and halts the timer. Requires mu.
func (w *Watchdog) claimLocked() {
	w.state = StateUnauthenticated
	w.timer.halt()
	w.metrics.setActive(false)
}

// evaluateLocked reads the snapshot and evaluates it. Requires mu.
func (w *Watchdog) evaluateLocked(ctx context.Context) (Snapshot, Verdict) {
	sctx, cancel := w.storageCtx(ctx)
	snap, err := ReadSnapshot(sctx, w.store)
	cancel()
	if err != nil {
		w.log.Warn("session.snapshot.read.fail", "err", err)
	}

	v := Evaluate(snap, w.now(), w.cfg)
	w.metrics.evaluated(v)
	return snap, v
}

func (w *Watchdog) runLogout(ctx context.Context, reason Reason) LogoutOutcome {
	res, _, _ := w.flight.Do(logoutFlightKey, func() (any, error) {
		out := w.coord.Logout(ctx, reason)
		action := "session.expired"
		if reason == ReasonExplicit {
			action = "session.logout"
		}
		w.appendAudit(ctx, storage.AuditEntry{
			Action: action,
			Reason: string(out.Reason),
			At:     w.now().UTC(),
			Meta: map[string]any{
				"remote":        string(out.Remote),
				"remembered":    out.Remembered,
				"local_cleared": out.LocalCleared,
			},
		})
		return out, nil
	})
	return res.(LogoutOutcome)
}

func (w *Watchdog) redirect(ctx context.Context, reason Reason) {
	w.nav.Redirect(ctx, Redirect{Path: w.cfg.LoginPath, Reason: reason})
}

func (w *Watchdog) appendAudit(ctx context.Context, e storage.AuditEntry) {
	if w.audit == nil {
		return
	}
	sctx, cancel := w.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := w.audit.AppendAudit(sctx, e); err != nil {
		w.log.Error("session.audit.append.fail", "action", e.Action, "err", err)
	}
}

func (w *Watchdog) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.cfg.StorageTimeout)
}
