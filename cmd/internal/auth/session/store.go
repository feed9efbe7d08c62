package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"vigil/cmd/internal/storage"
)

// Persisted keys. Values are strings; CURRENT_USER and the remembered
// credential fields are opaque to the watchdog.
const (
	KeyLastActivity    = "LAST_ACTIVITY"
	KeyExtendedSession = "EXTENDED_SESSION"
	KeyCurrentUser     = "CURRENT_USER"
	KeyRememberedEmail = "REMEMBERED_EMAIL"
	KeyRememberedAuth  = "REMEMBERED_AUTH"
)

// sessionKeys are removed on every logout.
var sessionKeys = []string{KeyCurrentUser, KeyLastActivity, KeyExtendedSession}

// rememberedKeys are removed on logout unless REMEMBERED_AUTH is "true".
var rememberedKeys = []string{KeyRememberedEmail, KeyRememberedAuth}

// Mode selects the idle timeout.
type Mode uint8

const (
	// ModeStandard uses Config.StandardTimeout.
	ModeStandard Mode = iota
	// ModeExtended uses Config.ExtendedTimeout.
	ModeExtended
)

func (m Mode) String() string {
	if m == ModeExtended {
		return "extended"
	}
	return "standard"
}

// ParseMode maps a stored EXTENDED_SESSION value to a Mode.
// Only the exact string "true" selects extended mode.
func ParseMode(v string) Mode {
	if v == "true" {
		return ModeExtended
	}
	return ModeStandard
}

// ParseActivity parses an epoch-millisecond LAST_ACTIVITY value.
// ok is false for empty, non-numeric, or negative values.
func ParseActivity(v string) (t time.Time, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// FormatActivity renders t as an epoch-millisecond string.
func FormatActivity(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Snapshot is the persisted state the Evaluator needs.
type Snapshot struct {
	LastActivity time.Time
	HasActivity  bool
	Mode         Mode
}

// ReadSnapshot loads LAST_ACTIVITY and EXTENDED_SESSION from st.
//
// Read failures degrade to "no activity", which the Evaluator treats as expired.
// The returned error is informational only.
func ReadSnapshot(ctx context.Context, st storage.Store) (Snapshot, error) {
	var snap Snapshot
	var errs []error

	raw, err := st.Get(ctx, KeyLastActivity)
	switch {
	case err == nil:
		snap.LastActivity, snap.HasActivity = ParseActivity(raw)
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	mode, err := st.Get(ctx, KeyExtendedSession)
	switch {
	case err == nil:
		snap.Mode = ParseMode(mode)
	case !errors.Is(err, storage.ErrNotFound):
		errs = append(errs, err)
	}

	return snap, errors.Join(errs...)
}
