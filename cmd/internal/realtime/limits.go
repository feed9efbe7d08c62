package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Session envelopes are tiny.
	maxFrameBytes = 8 << 10 // 8 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection frame limit (events per window). Exceeding it closes the connection.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Per-connection activity recording limit. Interactions beyond it are
	// acknowledged but not written to storage.
	activityRecordEvents = 1
	activityRecordWindow = 1 * time.Second
)
