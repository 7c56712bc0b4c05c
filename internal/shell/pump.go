package shell

import (
	"bytes"
	"sync"
	"time"
)

// coalescer buffers remote terminal output and hands it downstream in
// batches, flushed either when the buffer reaches a size threshold or when a
// flush interval elapses with data pending. Batching bounds the per-event
// overhead of a chatty remote without changing byte order: stdout and stderr
// both write through the same coalescer, serialized by its mutex, so bytes
// leave in the order they arrived.
type coalescer struct {
	interval  time.Duration
	threshold int
	sink      func([]byte)

	mu     sync.Mutex
	buf    bytes.Buffer
	timer  *time.Timer
	closed bool
}

func newCoalescer(interval time.Duration, threshold int, sink func([]byte)) *coalescer {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if threshold <= 0 {
		threshold = 16 * 1024
	}
	return &coalescer{interval: interval, threshold: threshold, sink: sink}
}

// Write implements io.Writer for the remote stdout/stderr streams.
func (c *coalescer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return len(p), nil
	}

	c.buf.Write(p)
	if c.buf.Len() >= c.threshold {
		c.flushLocked()
		return len(p), nil
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.timedFlush)
	}
	return len(p), nil
}

func (c *coalescer) timedFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
}

// flushLocked delivers the buffered bytes and resets the pending timer.
// Caller holds c.mu.
func (c *coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.buf.Len() == 0 {
		return
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	c.sink(out)
}

// Close flushes whatever is pending and drops anything written afterwards.
// Called during session teardown so the final burst of output precedes the
// exit event.
func (c *coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
	c.closed = true
}
