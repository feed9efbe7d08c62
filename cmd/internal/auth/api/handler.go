package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"vigil/cmd/internal/auth/session"
)

// Sessions is the watchdog surface the HTTP API drives.
type Sessions interface {
	Login(ctx context.Context, in session.LoginInput) error
	Logout(ctx context.Context) session.LogoutOutcome
	IsSessionValid(ctx context.Context) bool
	HandleEvent(ctx context.Context, kind session.EventKind) session.Outcome
	Status(ctx context.Context) session.Status
	Config() session.Config
}

// Handler wires HTTP session endpoints to the watchdog.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	limiter  *ipLimiter
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the clock used for rate limiting.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a session API Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil sessions")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		limiter:  newIPLimiter(cfg.ActivityRate, cfg.ActivityBurst, cfg.LimiterIdleTTL),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/session", h.handleStatus)
	mux.HandleFunc("/session/login", h.handleLogin)
	mux.HandleFunc("/session/logout", h.handleLogout)
	mux.HandleFunc("/session/check", h.handleCheck)
	mux.HandleFunc("/session/activity", h.handleActivity)
}

// ---- handlers ----

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(h.sessions.Status(r.Context())))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	ctx := r.Context()
	err := h.sessions.Login(ctx, session.LoginInput{
		User:     req.User,
		Email:    req.Email,
		Extended: req.Extended,
		Remember: req.Remember,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidLogin):
		writeError(w, http.StatusBadRequest, "invalid_request", "user is required; remember requires email")
		return
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "watchdog closed")
		return
	default:
		h.log.Error("session.login.fail", "err", err, "ip", ipString(clientIP(r, h.cfg.TrustProxy)))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(h.sessions.Status(ctx)))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	out := h.sessions.Logout(r.Context())
	writeJSON(w, http.StatusOK, logoutResponse{
		Redirect: h.sessions.Config().LoginPath,
		Remote:   string(out.Remote),
	})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.sessions.IsSessionValid(r.Context()) {
		writeJSON(w, http.StatusOK, checkResponse{Valid: true})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Redirect: h.sessions.Config().LoginPath})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	if ok, retryAfter := h.limiter.allow(ip, h.now()); !ok {
		writeRateLimited(w, retryAfter)
		return
	}

	var req activityRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, ok := session.ParseEventKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_kind", "unknown activity kind")
		return
	}

	out := h.sessions.HandleEvent(r.Context(), kind)
	resp := activityResponse{Outcome: out.String()}
	if out == session.OutcomeExpired {
		resp.Redirect = h.sessions.Config().LoginPath
	}
	writeJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
