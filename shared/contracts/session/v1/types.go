// Package v1 defines the vigil session channel protocol v1.
//
// UI tabs connect over WebSocket (subprotocol "vigil.session.v1"), report
// interactions and visibility changes, and receive session status and
// redirect instructions. This package carries only wire types.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must negotiate.
const Subprotocol = "vigil.session.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeActivity reports a user interaction (client -> server).
	TypeActivity = "activity"
	// TypeVisibility reports a visibility change (client -> server).
	TypeVisibility = "visibility"

	// TypeSessionStatus carries the current session view (server -> client).
	TypeSessionStatus = "session_status"
	// TypeSessionRedirect tells every tab to navigate away (server -> client).
	TypeSessionRedirect = "session_redirect"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Visibility states.
const (
	VisibilityVisible = "visible"
	VisibilityHidden  = "hidden"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeHelloAck,
		TypeActivity, TypeVisibility,
		TypeSessionStatus, TypeSessionRedirect,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate the handshake.
type HelloPayload struct {
	// Visibility is the tab's visibility at connect time (optional).
	Visibility string `json:"visibility,omitempty"`
}

// HelloAckPayload returns the connection id and the current session view.
type HelloAckPayload struct {
	ConnectionID string               `json:"connection_id"`
	Status       SessionStatusPayload `json:"status"`
}

// ActivityPayload reports one interaction: pointerdown, keydown, scroll, or touchstart.
type ActivityPayload struct {
	Kind string `json:"kind"`
}

// VisibilityPayload reports the tab's visibility state.
type VisibilityPayload struct {
	State string `json:"state"`
}

// SessionStatusPayload is the session view pushed to clients.
type SessionStatusPayload struct {
	State       string `json:"state"`
	Valid       bool   `json:"valid"`
	Mode        string `json:"mode"`
	RemainingMS int64  `json:"remaining_ms"`
}

// SessionRedirectPayload instructs clients to navigate to Path.
type SessionRedirectPayload struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
