package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vigil/cmd/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type harness struct {
	w      *Watchdog
	st     *flakyStore
	clock  *fakeClock
	remote *fakeRemote
	nav    *recordingNavigator
}

func newHarness(t *testing.T, interval time.Duration, opts ...Option) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CheckInterval = interval

	h := &harness{
		st:    newFlakyStore(),
		clock: newFakeClock(),
		nav:   newRecordingNavigator(),
	}
	h.remote = &fakeRemote{store: h.st}

	base := []Option{
		WithClock(h.clock.Now),
		WithLogger(discardLogger()),
		WithInvalidator(h.remote),
		WithNavigator(h.nav),
	}
	w, err := New(cfg, h.st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	h.w = w
	return h
}

func (h *harness) login(t *testing.T, in LoginInput) {
	t.Helper()
	if in.User == "" {
		in.User = `{"id":"u1"}`
	}
	if err := h.w.Login(context.Background(), in); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 0
	if _, err := New(cfg, storage.NewMemoryStore()); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestLogin_PersistsSession(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{Extended: true, Remember: true, Email: "trader@example.com"})

	if got := mustGet(t, h.st, KeyCurrentUser); got != `{"id":"u1"}` {
		t.Fatalf("CURRENT_USER = %q", got)
	}
	if got := mustGet(t, h.st, KeyExtendedSession); got != "true" {
		t.Fatalf("EXTENDED_SESSION = %q", got)
	}
	if got := mustGet(t, h.st, KeyRememberedAuth); got != "true" {
		t.Fatalf("REMEMBERED_AUTH = %q", got)
	}
	if got := mustGet(t, h.st, KeyLastActivity); got != FormatActivity(h.clock.Now()) {
		t.Fatalf("LAST_ACTIVITY = %q", got)
	}
	if !h.w.TimerRunning() {
		t.Fatalf("expected timer running after login")
	}
	if st := h.w.Status(context.Background()); st.State != StateActive || st.Mode != ModeExtended {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestLogin_StandardClearsStaleFlags(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{Extended: true, Remember: true, Email: "a@b.c"})
	h.login(t, LoginInput{})

	mustMissing(t, h.st, KeyExtendedSession)
	mustMissing(t, h.st, KeyRememberedAuth)
	mustMissing(t, h.st, KeyRememberedEmail)
}

func TestLogin_Validation(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	if err := h.w.Login(ctx, LoginInput{User: "  "}); !errors.Is(err, ErrInvalidLogin) {
		t.Fatalf("expected ErrInvalidLogin for empty user, got %v", err)
	}
	if err := h.w.Login(ctx, LoginInput{User: "u", Remember: true}); !errors.Is(err, ErrInvalidLogin) {
		t.Fatalf("expected ErrInvalidLogin for remember without email, got %v", err)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must not start on rejected login")
	}
}

func TestLogin_StorageFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.st.setFailures(true, false)

	if err := h.w.Login(context.Background(), LoginInput{User: "u"}); !errors.Is(err, errInjected) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if st := h.w.Status(context.Background()); st.State != StateUnauthenticated {
		t.Fatalf("expected unauthenticated after failed login, got %v", st.State)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must not run after failed login")
	}
}

func TestIsSessionValid_WithinTimeout(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})

	h.clock.Advance(24 * time.Hour)
	if !h.w.IsSessionValid(context.Background()) {
		t.Fatalf("expected valid at exactly the timeout")
	}
	if h.remote.Calls() != 0 {
		t.Fatalf("expected no logout, got %d remote calls", h.remote.Calls())
	}
	if got := mustGet(t, h.st, KeyCurrentUser); got == "" {
		t.Fatalf("session must be intact")
	}
}

func TestIsSessionValid_StandardExpiresAfter25h(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})

	h.clock.Advance(25 * time.Hour)
	if h.w.IsSessionValid(context.Background()) {
		t.Fatalf("expected invalid after 25h in standard mode")
	}
	if h.remote.Calls() != 1 {
		t.Fatalf("expected exactly one logout, got %d", h.remote.Calls())
	}
	for _, k := range sessionKeys {
		mustMissing(t, h.st, k)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must stop after expiry")
	}
	rs := h.nav.All()
	if len(rs) != 1 || rs[0].Reason != ReasonIdleTimeout || rs[0].Path != "/login" {
		t.Fatalf("expected one idle_timeout redirect, got %+v", rs)
	}
}

func TestIsSessionValid_ExtendedSurvives25h(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{Extended: true})

	h.clock.Advance(25 * time.Hour)
	if !h.w.IsSessionValid(context.Background()) {
		t.Fatalf("expected extended session valid after 25h")
	}
	if h.remote.Calls() != 0 {
		t.Fatalf("expected no logout")
	}

	h.clock.Advance(30 * 24 * time.Hour)
	if h.w.IsSessionValid(context.Background()) {
		t.Fatalf("expected extended session expired after 30d+25h")
	}
}

func TestIsSessionValid_MissingTimestamp(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	_ = h.st.MemoryStore.Remove(context.Background(), KeyLastActivity)

	if h.w.IsSessionValid(context.Background()) {
		t.Fatalf("missing timestamp must be invalid")
	}
	mustMissing(t, h.st, KeyCurrentUser)
}

func TestIsSessionValid_RemoteFailureStillClears(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.remote.err = errInjected
	h.login(t, LoginInput{})

	h.clock.Advance(25 * time.Hour)
	if h.w.IsSessionValid(context.Background()) {
		t.Fatalf("expected invalid")
	}
	for _, k := range sessionKeys {
		mustMissing(t, h.st, k)
	}
}

func TestIsSessionValid_ConcurrentExpiryCoalesced(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.remote.entered = make(chan struct{}, 1)
	h.remote.release = make(chan struct{})
	h.login(t, LoginInput{})
	h.clock.Advance(25 * time.Hour)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.w.IsSessionValid(context.Background())
		}()
	}

	select {
	case <-h.remote.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote logout never started")
	}
	time.Sleep(100 * time.Millisecond)
	close(h.remote.release)
	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			t.Fatalf("expected every caller to see an invalid session")
		}
	}
	if got := h.remote.Calls(); got != 1 {
		t.Fatalf("expected concurrent expirations to share one logout, got %d", got)
	}
}

func TestCheckAndEnforce(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	ctx := context.Background()

	if v := h.w.Check(ctx); v != VerdictValid {
		t.Fatalf("Check = %v", v)
	}
	if h.w.Enforce(ctx, VerdictValid) {
		t.Fatalf("Enforce(valid) must not log out")
	}

	h.clock.Advance(25 * time.Hour)
	v := h.w.Check(ctx)
	if v != VerdictExpired {
		t.Fatalf("Check = %v, want expired", v)
	}
	if h.remote.Calls() != 0 {
		t.Fatalf("Check must not log out")
	}
	if got := mustGet(t, h.st, KeyCurrentUser); got == "" {
		t.Fatalf("Check must not clear state")
	}

	if len(h.nav.All()) != 0 {
		t.Fatalf("Check must not redirect")
	}

	if !h.w.Enforce(ctx, v) {
		t.Fatalf("Enforce(expired) must log out")
	}
	if h.remote.Calls() != 1 {
		t.Fatalf("expected one logout, got %d", h.remote.Calls())
	}
	mustMissing(t, h.st, KeyCurrentUser)
	if rs := h.nav.All(); len(rs) != 1 || rs[0].Reason != ReasonIdleTimeout {
		t.Fatalf("expected one idle_timeout redirect, got %+v", rs)
	}
}

func TestTick_ExpiresAndRedirects(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond)
	h.login(t, LoginInput{})

	h.clock.Advance(25 * time.Hour)
	r := h.nav.wait(t)
	if r.Path != "/login" || r.Reason != ReasonIdleTimeout {
		t.Fatalf("unexpected redirect %+v", r)
	}

	_ = h.w.Close()

	if h.remote.Calls() != 1 {
		t.Fatalf("expected one logout from the tick, got %d", h.remote.Calls())
	}
	for _, k := range sessionKeys {
		mustMissing(t, h.st, k)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must stop after expiry")
	}
	if n := len(h.nav.All()); n != 1 {
		t.Fatalf("expected a single redirect, got %d", n)
	}
}

func TestTick_ValidSessionKeepsRunning(t *testing.T) {
	h := newHarness(t, 2*time.Millisecond)
	h.login(t, LoginInput{Extended: true})
	h.clock.Advance(25 * time.Hour)

	time.Sleep(20 * time.Millisecond)
	if !h.w.TimerRunning() {
		t.Fatalf("timer must keep running for a valid session")
	}
	if h.remote.Calls() != 0 || len(h.nav.All()) != 0 {
		t.Fatalf("valid session must not be logged out")
	}
}

func TestLogin_RepeatedCyclesKeepOneTimer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, time.Millisecond, WithMetrics(m))

	for i := 0; i < 5; i++ {
		h.login(t, LoginInput{})
		h.w.Logout(context.Background())
	}
	h.login(t, LoginInput{})
	if !h.w.TimerRunning() {
		t.Fatalf("expected timer running")
	}
	if got := testutil.ToFloat64(m.active); got != 1 {
		t.Fatalf("active gauge = %v", got)
	}
}

func TestHandleEvent_Interactions(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	if out := h.w.HandleEvent(ctx, EventKeyDown); out != OutcomeIgnored {
		t.Fatalf("interaction while unauthenticated = %v", out)
	}
	mustMissing(t, h.st, KeyLastActivity)

	h.login(t, LoginInput{})
	for _, kind := range []EventKind{EventPointerDown, EventKeyDown, EventScroll, EventTouchStart} {
		h.clock.Advance(time.Minute)
		if out := h.w.HandleEvent(ctx, kind); out != OutcomeRecorded {
			t.Fatalf("%s = %v, want recorded", kind, out)
		}
		if got := mustGet(t, h.st, KeyLastActivity); got != FormatActivity(h.clock.Now()) {
			t.Fatalf("%s did not stamp activity: %q", kind, got)
		}
	}

	if out := h.w.HandleEvent(ctx, EventKind("mousemove")); out != OutcomeIgnored {
		t.Fatalf("unknown event = %v", out)
	}
}

func TestHandleEvent_ActivityKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock.Advance(20 * time.Hour)
		h.w.HandleEvent(ctx, EventScroll)
	}
	if !h.w.IsSessionValid(ctx) {
		t.Fatalf("regular activity must keep the session valid")
	}
}

func TestHandleEvent_InteractionAfterIdleTimeoutExpires(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	ctx := context.Background()

	h.clock.Advance(25 * time.Hour)
	if out := h.w.HandleEvent(ctx, EventKeyDown); out != OutcomeExpired {
		t.Fatalf("keydown after 25h idle = %v, want expired", out)
	}

	r := h.nav.wait(t)
	if r.Reason != ReasonIdleTimeout {
		t.Fatalf("unexpected redirect %+v", r)
	}

	_ = h.w.Close()
	if h.remote.Calls() != 1 {
		t.Fatalf("expected one logout, got %d", h.remote.Calls())
	}
	mustMissing(t, h.st, KeyLastActivity)
	if h.w.IsSessionValid(ctx) {
		t.Fatalf("a stale session must not be revived by an interaction")
	}
}

func TestResume_AfterHaltRestartsTimer(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	h.login(t, LoginInput{})

	// Leaves the old loop winding down while Resume runs.
	h.w.timer.halt()
	if h.w.TimerRunning() {
		t.Fatalf("halted timer must read as stopped")
	}

	ok, err := h.w.Resume(ctx)
	if err != nil || !ok {
		t.Fatalf("Resume = %v, %v", ok, err)
	}
	if !h.w.TimerRunning() {
		t.Fatalf("resumed session must have a running timer")
	}
}

func TestHandleEvent_VisibleAfterShortHideRecords(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	ctx := context.Background()

	if out := h.w.HandleEvent(ctx, EventVisible); out != OutcomeIgnored {
		t.Fatalf("visible without prior hide = %v", out)
	}

	h.w.HandleEvent(ctx, EventHidden)
	h.clock.Advance(time.Hour)
	if out := h.w.HandleEvent(ctx, EventVisible); out != OutcomeRecorded {
		t.Fatalf("visible after short hide = %v", out)
	}
	if got := mustGet(t, h.st, KeyLastActivity); got != FormatActivity(h.clock.Now()) {
		t.Fatalf("visibility did not stamp activity: %q", got)
	}
}

func TestHandleEvent_VisibleAfterLongHideExpires(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{})
	ctx := context.Background()

	h.w.HandleEvent(ctx, EventHidden)
	h.clock.Advance(25 * time.Hour)
	if out := h.w.HandleEvent(ctx, EventVisible); out != OutcomeExpired {
		t.Fatalf("visible after long hide = %v, want expired", out)
	}

	r := h.nav.wait(t)
	if r.Reason != ReasonIdleTimeout {
		t.Fatalf("unexpected redirect %+v", r)
	}

	_ = h.w.Close()
	if h.remote.Calls() != 1 {
		t.Fatalf("expected one logout, got %d", h.remote.Calls())
	}
	mustMissing(t, h.st, KeyLastActivity)
}

func TestLogout_Explicit(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.login(t, LoginInput{Remember: true, Email: "trader@example.com"})

	out := h.w.Logout(context.Background())
	if out.Reason != ReasonExplicit || out.Remote != RemoteOK || !out.Remembered {
		t.Fatalf("unexpected outcome %+v", out)
	}

	for _, k := range sessionKeys {
		mustMissing(t, h.st, k)
	}
	if got := mustGet(t, h.st, KeyRememberedEmail); got != "trader@example.com" {
		t.Fatalf("remembered email must survive, got %q", got)
	}

	r := h.nav.wait(t)
	if r.Reason != ReasonExplicit || r.Path != "/login" {
		t.Fatalf("unexpected redirect %+v", r)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must stop on logout")
	}
	if st := h.w.Status(context.Background()); st.State != StateUnauthenticated {
		t.Fatalf("state = %v", st.State)
	}
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		ok, err := h.w.Resume(ctx)
		if err != nil || ok {
			t.Fatalf("Resume = %v, %v", ok, err)
		}
		if h.remote.Calls() != 0 {
			t.Fatalf("nothing to log out")
		}
	})

	t.Run("valid session", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		_ = h.st.Set(ctx, KeyCurrentUser, "u")
		_ = h.st.Set(ctx, KeyLastActivity, FormatActivity(h.clock.Now().Add(-time.Hour)))

		ok, err := h.w.Resume(ctx)
		if err != nil || !ok {
			t.Fatalf("Resume = %v, %v", ok, err)
		}
		if !h.w.TimerRunning() {
			t.Fatalf("expected timer running after resume")
		}
		if h.w.HandleEvent(ctx, EventKeyDown) != OutcomeRecorded {
			t.Fatalf("resumed session must accept activity")
		}
	})

	t.Run("expired session", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		_ = h.st.Set(ctx, KeyCurrentUser, "u")
		_ = h.st.Set(ctx, KeyLastActivity, FormatActivity(h.clock.Now().Add(-48*time.Hour)))

		ok, err := h.w.Resume(ctx)
		if err != nil || ok {
			t.Fatalf("Resume = %v, %v", ok, err)
		}
		if h.remote.Calls() != 1 {
			t.Fatalf("expected expired session logged out")
		}
		mustMissing(t, h.st, KeyCurrentUser)
		if r := h.nav.wait(t); r.Reason != ReasonResumeExpired {
			t.Fatalf("unexpected redirect %+v", r)
		}
	})
}

func TestStatus(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	st := h.w.Status(ctx)
	if st.State != StateUnauthenticated || st.Verdict != VerdictExpired || st.Remaining != 0 {
		t.Fatalf("unexpected idle status %+v", st)
	}
	if st.WatchdogID == "" || st.WatchdogID != h.w.ID() {
		t.Fatalf("expected watchdog id in status")
	}

	h.login(t, LoginInput{})
	h.clock.Advance(4 * time.Hour)

	st = h.w.Status(ctx)
	if st.Verdict != VerdictValid || st.Idle != 4*time.Hour || st.Remaining != 20*time.Hour {
		t.Fatalf("unexpected active status %+v", st)
	}
	if st.Timeout != 24*time.Hour {
		t.Fatalf("Timeout = %v", st.Timeout)
	}

	h.clock.Advance(30 * time.Hour)
	st = h.w.Status(ctx)
	if st.Verdict != VerdictExpired || st.State != StateActive {
		t.Fatalf("Status must not enforce: %+v", st)
	}
	if h.remote.Calls() != 0 {
		t.Fatalf("Status must not log out")
	}
}

func TestAuditTrail(t *testing.T) {
	audit := storage.NewMemoryStore()
	h := newHarness(t, time.Hour, WithAuditLog(audit))
	ctx := context.Background()

	h.login(t, LoginInput{})
	h.w.Logout(ctx)

	h.login(t, LoginInput{})
	h.clock.Advance(25 * time.Hour)
	h.w.IsSessionValid(ctx)

	entries := audit.AuditEntries()
	want := []string{"session.login", "session.logout", "session.login", "session.expired"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d audit entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i, e := range entries {
		if e.Action != want[i] {
			t.Fatalf("entry %d action = %q, want %q", i, e.Action, want[i])
		}
	}
	if entries[3].Reason != string(ReasonIdleTimeout) {
		t.Fatalf("expired entry reason = %q", entries[3].Reason)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	h.login(t, LoginInput{})

	if err := h.w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.w.TimerRunning() {
		t.Fatalf("timer must stop on Close")
	}
	if got := mustGet(t, h.st, KeyCurrentUser); got == "" {
		t.Fatalf("Close must leave persisted session for Resume")
	}
	if err := h.w.Login(context.Background(), LoginInput{User: "u"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Login after Close = %v", err)
	}
	if err := h.w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestParseEventKind(t *testing.T) {
	if k, ok := ParseEventKind(" KeyDown "); !ok || k != EventKeyDown {
		t.Fatalf("ParseEventKind = %q, %v", k, ok)
	}
	if _, ok := ParseEventKind("mousemove"); ok {
		t.Fatalf("expected mousemove rejected")
	}
}
