package authapi

import "time"

type loginRequest struct {
	// User is the opaque identity blob persisted as CURRENT_USER.
	User     string `json:"user"`
	Email    string `json:"email"`
	Extended bool   `json:"extended"`
	Remember bool   `json:"remember"`
}

type activityRequest struct {
	Kind string `json:"kind"`
}

type statusResponse struct {
	WatchdogID   string     `json:"watchdog_id"`
	State        string     `json:"state"`
	Verdict      string     `json:"verdict"`
	Mode         string     `json:"mode"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	IdleMS       int64      `json:"idle_ms"`
	RemainingMS  int64      `json:"remaining_ms"`
	TimeoutMS    int64      `json:"timeout_ms"`
}

type checkResponse struct {
	Valid    bool   `json:"valid"`
	Redirect string `json:"redirect,omitempty"`
}

type logoutResponse struct {
	Redirect string `json:"redirect"`
	Remote   string `json:"remote"`
}

type activityResponse struct {
	Outcome  string `json:"outcome"`
	Redirect string `json:"redirect,omitempty"`
}
