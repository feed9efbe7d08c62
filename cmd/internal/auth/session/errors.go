package session

import "errors"

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrInvalidLogin is returned when a login request lacks identity or
	// asks to remember credentials without an email.
	ErrInvalidLogin = errors.New("invalid login")

	// ErrClosed is returned by operations on a closed Watchdog.
	ErrClosed = errors.New("watchdog closed")
)
