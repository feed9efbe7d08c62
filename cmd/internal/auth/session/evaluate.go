package session

import "time"

// Verdict is the outcome of evaluating a session.
type Verdict uint8

const (
	// VerdictExpired means the session must be logged out.
	VerdictExpired Verdict = iota
	// VerdictValid means the session is within its idle timeout.
	VerdictValid
)

func (v Verdict) String() string {
	if v == VerdictValid {
		return "valid"
	}
	return "expired"
}

// Evaluate decides whether snap is still valid at now. It has no side effects.
//
// Rules:
//   - No (or unparsable) activity timestamp: expired.
//   - now - last == timeout: valid.
//   - now - last > timeout: expired.
//
// A timestamp in the future (clock moved backwards) counts as zero idle time.
func Evaluate(snap Snapshot, now time.Time, cfg Config) Verdict {
	if !snap.HasActivity {
		return VerdictExpired
	}
	if now.Sub(snap.LastActivity) > cfg.Timeout(snap.Mode) {
		return VerdictExpired
	}
	return VerdictValid
}

// Remaining returns how long snap stays valid after now (zero once expired).
func Remaining(snap Snapshot, now time.Time, cfg Config) time.Duration {
	if !snap.HasActivity {
		return 0
	}
	idle := now.Sub(snap.LastActivity)
	if idle < 0 {
		idle = 0
	}
	left := cfg.Timeout(snap.Mode) - idle
	if left < 0 {
		return 0
	}
	return left
}
