// Package main provides a CI-friendly end-to-end smoke test for a running vigil agent.
//
// It validates:
//   - login over HTTP
//   - handshake + subprotocol selection for two tabs
//   - hello/ack carries an active session view
//   - visibility round trip returns session_status
//   - explicit logout redirects every connected tab
//   - the session reads as unauthenticated afterwards
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "vigil/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8737", "Agent base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		user    = flag.String("user", `{"id":"smoke"}`, "Opaque user blob to log in with")
		email   = flag.String("email", "smoke@example.com", "Email to log in with")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFrom(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	mustPostJSON(root, hc, *baseURL+"/session/login", map[string]any{
		"user":  *user,
		"email": *email,
	}, nil)

	a := mustConnect(root, "A", wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	mustWrite(root, a.conn, newEnvelope("A-visible", v1.TypeVisibility, v1.VisibilityPayload{State: v1.VisibilityVisible}), *timeout)
	st := a.mustReadUntilType(root, v1.TypeSessionStatus, *timeout)
	var sp v1.SessionStatusPayload
	mustUnmarshal(st.Payload, &sp, "session_status")
	if !sp.Valid || sp.State != "active" {
		fatalf("visibility: expected active valid session, got %+v", sp)
	}

	mustWrite(root, b.conn, newEnvelope("B-activity", v1.TypeActivity, v1.ActivityPayload{Kind: "keydown"}), *timeout)

	var logout struct {
		Redirect string `json:"redirect"`
		Remote   string `json:"remote"`
	}
	mustPostJSON(root, hc, *baseURL+"/session/logout", nil, &logout)

	for _, c := range []*smokeClient{a, b} {
		env := c.mustReadUntilType(root, v1.TypeSessionRedirect, *timeout)
		var rp v1.SessionRedirectPayload
		mustUnmarshal(env.Payload, &rp, "session_redirect")
		if rp.Path != logout.Redirect {
			fatalf("redirect (%s): path=%q want=%q", c.name, rp.Path, logout.Redirect)
		}
	}

	var status struct {
		State string `json:"state"`
	}
	mustGetJSON(root, hc, *baseURL+"/session", &status)
	if status.State != "unauthenticated" {
		fatalf("after logout: state=%q", status.State)
	}

	fmt.Printf("OK: A=%s B=%s redirect=%s remote=%s\n", a.connID, b.connID, logout.Redirect, logout.Remote)
}

func wsURLFrom(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, newEnvelope(name+"-hello", v1.TypeHello, v1.HelloPayload{Visibility: v1.VisibilityVisible}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	mustUnmarshal(ack.Payload, &p, "hello_ack")
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	if p.Status.State != "active" {
		fatalf("hello_ack (%s): expected active session, got %+v", name, p.Status)
	}
	c.connID = p.ConnectionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntilType skips other envelopes; an error envelope is fatal.
func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", typ, c.name)
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", typ, c.name)
			}
			if env.Type == typ {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("server error (%s): code=%s message=%s", c.name, p.Code, p.Message)
			}
		}
	}
}

func newEnvelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustPostJSON(ctx context.Context, hc *http.Client, u string, body any, out any) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		fatalf("request %s: %v", u, err)
	}
	req.Header.Set("Content-Type", "application/json")
	mustDo(hc, req, out)
}

func mustGetJSON(ctx context.Context, hc *http.Client, u string, out any) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("request %s: %v", u, err)
	}
	mustDo(hc, req, out)
}

func mustDo(hc *http.Client, req *http.Request, out any) {
	resp, err := hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode/100 != 2 {
		fatalf("%s %s: status=%d body=%s", req.Method, req.URL, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		mustUnmarshal(b, out, req.URL.Path)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func mustUnmarshal(b []byte, dst any, what string) {
	if err := json.Unmarshal(b, dst); err != nil {
		fatalf("unmarshal %s: %v", what, err)
	}
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
