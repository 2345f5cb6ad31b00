package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
	seq     uint64
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// Open writes the reconnect hint that starts the stream.
func (c *SSEClient) Open(retry time.Duration) error {
	return c.write(fmt.Sprintf("retry: %d\n\n", retry.Milliseconds()), "sse open failed")
}

// Send emits a numbered data event to the stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	c.seq++
	frame := fmt.Sprintf("id: %d\ndata: %s\n\n", c.seq, payload)
	c.mu.Unlock()
	return c.write(frame, "sse send failed")
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n", "sse heartbeat failed")
}

func (c *SSEClient) write(frame, failure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closed = true
		c.log.Warn(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
