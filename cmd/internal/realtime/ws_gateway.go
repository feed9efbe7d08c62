package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/cmd/internal/auth/session"
	v1 "vigil/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

var errBadJSON = errors.New("bad json")

// Sessions is the watchdog surface the gateway drives.
type Sessions interface {
	HandleEvent(ctx context.Context, kind session.EventKind) session.Outcome
	Status(ctx context.Context) session.Status
}

// WSGateway is the WebSocket entrypoint for UI tabs.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the watchdog. Redirects reach tabs
// through the Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	sessions Sessions

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	activityEvents int
	activityWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults read from the environment.
func NewWSGateway(log *slog.Logger, hub *Hub, sessions Sessions) (*WSGateway, error) {
	if sessions == nil {
		return nil, errors.New("realtime: nil sessions")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}

	g := &WSGateway{log: log, hub: hub, sessions: sessions}

	// Dev-only: skips websocket.Accept's own origin verification.
	g.devInsecure = envBoolWS("VIGIL_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("VIGIL_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("VIGIL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept authorizes same-host origins only; cross-origin needs
	// OriginPatterns. Derive them from the allowlist so both layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("VIGIL_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("VIGIL_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("VIGIL_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("VIGIL_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("VIGIL_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("VIGIL_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("VIGIL_WS_RATE_WINDOW", rateLimitWindow)

	g.activityEvents = envIntWS("VIGIL_WS_ACTIVITY_EVENTS", activityRecordEvents)
	g.activityWindow = envDurationWS("VIGIL_WS_ACTIVITY_WINDOW", activityRecordWindow)

	return g, nil
}

// Hub returns the gateway's hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is per-connection state owned by the read loop.
type connState struct {
	client   *Client
	activity *RateLimiter
}

// HandleWS upgrades an HTTP request to a WebSocket connection and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnectionID(time.Now())
	client := NewClient(connID, g.sendQueueSize)
	g.hub.Join(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: the hub leaves
	// first, so no broadcaster can still be writing.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Hub.Close or Leave from elsewhere; unblock the read loop too.
				shutdown(websocket.StatusGoingAway, "server shutdown")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	st := &connState{
		client:   client,
		activity: NewRateLimiter(g.activityEvents, g.activityWindow),
	}
	frames := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !frames.Allow(now) {
			// Written directly so it precedes the close frame.
			p, _ := json.Marshal(v1.ErrorPayload{Code: "rate_limited", Message: "too many events"})
			_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p, now), g.writeTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeHello:
			herr = g.onHello(ctx, st, env)
		case v1.TypeActivity:
			herr = g.onActivity(ctx, st, env, now)
		case v1.TypeVisibility:
			herr = g.onVisibility(ctx, st, env)
		default:
			herr = fmt.Errorf("unsupported type: %s", env.Type)
		}
		if herr != nil {
			g.trySendError(ctx, client, errorCode(env.Type), herr.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, st *connState, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.Visibility == v1.VisibilityHidden {
		g.sessions.HandleEvent(ctx, session.EventHidden)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID: st.client.ConnID,
		Status:       toStatusPayload(g.sessions.Status(ctx)),
	})
	if !g.enqueue(ctx, st.client, newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onActivity(ctx context.Context, st *connState, env v1.Envelope, now time.Time) error {
	var p v1.ActivityPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	kind, ok := session.ParseEventKind(p.Kind)
	if !ok || kind == session.EventVisible || kind == session.EventHidden {
		return fmt.Errorf("invalid activity kind: %q", p.Kind)
	}

	// Bursts of interactions collapse into one storage write per window.
	if !st.activity.Allow(now) {
		return nil
	}
	g.sessions.HandleEvent(ctx, kind)
	return nil
}

func (g *WSGateway) onVisibility(ctx context.Context, st *connState, env v1.Envelope) error {
	var p v1.VisibilityPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	var kind session.EventKind
	switch p.State {
	case v1.VisibilityVisible:
		kind = session.EventVisible
	case v1.VisibilityHidden:
		kind = session.EventHidden
	default:
		return fmt.Errorf("invalid visibility state: %q", p.State)
	}

	g.sessions.HandleEvent(ctx, kind)

	statusPayload, _ := json.Marshal(toStatusPayload(g.sessions.Status(ctx)))
	if !g.enqueue(ctx, st.client, newEnvelope(v1.TypeSessionStatus, statusPayload, time.Now().UTC())) {
		return errors.New("backpressure: session_status")
	}
	return nil
}

func toStatusPayload(st session.Status) v1.SessionStatusPayload {
	return v1.SessionStatusPayload{
		State:       st.State.String(),
		Valid:       st.Verdict == session.VerdictValid,
		Mode:        st.Mode.String(),
		RemainingMS: st.Remaining.Milliseconds(),
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func errorCode(typ string) string {
	switch typ {
	case v1.TypeHello:
		return "hello_failed"
	case v1.TypeActivity:
		return "activity_failed"
	case v1.TypeVisibility:
		return "visibility_failed"
	default:
		return "unsupported"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	return client.offer(env)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}

	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
