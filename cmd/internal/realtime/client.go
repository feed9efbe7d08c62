package realtime

import (
	"sync"
	"time"

	v1 "vigil/shared/contracts/session/v1"
)

// Client represents one connected UI tab.
//
// Design notes:
// - Send is never closed by the server; broadcasters may still hold it.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	ConnID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:      connID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer queues env without blocking. It reports false when the queue is full
// or the client is shutting down.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
