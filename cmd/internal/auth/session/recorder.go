package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vigil/cmd/internal/storage"
)

// Recorder stamps LAST_ACTIVITY on qualifying user interactions.
//
// Writes never go backwards: if the wall clock steps back, the previous
// stamp is written again so the stored timestamp stays non-decreasing.
type Recorder struct {
	store   storage.Store
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewRecorder constructs a Recorder. A nil clock means time.Now.
func NewRecorder(store storage.Store, now func() time.Time, log *slog.Logger, metrics *Metrics, storageTimeout time.Duration) *Recorder {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, now: now, log: log, metrics: metrics, timeout: storageTimeout}
}

// RecordActivity writes the current time to LAST_ACTIVITY.
// Storage failures are logged and swallowed.
func (r *Recorder) RecordActivity(ctx context.Context) {
	r.mu.Lock()
	ts := r.now().UTC()
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts
	r.mu.Unlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.store.Set(ctx, KeyLastActivity, FormatActivity(ts)); err != nil {
		r.log.Debug("session.activity.write.fail", "err", err)
		r.metrics.activity("write_failed")
		return
	}
	r.metrics.activity("recorded")
}

// reset forgets the monotonic floor; used when a new session begins.
func (r *Recorder) reset(ts time.Time) {
	r.mu.Lock()
	r.last = ts
	r.mu.Unlock()
}
