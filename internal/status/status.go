// Package status carries human-readable progress messages ("Listening",
// "Busy", ...) from the audio components to whatever front end displays
// them. Publishing never blocks: a slow or absent consumer costs messages,
// not audio latency.
package status

import (
	"fmt"
	"log/slog"
	"sync"
)

// Notifier fans progress messages out to a single consumer channel.
// The zero value is not usable; create one with NewNotifier.
type Notifier struct {
	ch     chan string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNotifier creates a Notifier whose channel buffers up to depth messages.
func NewNotifier(depth int, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		ch:     make(chan string, depth),
		logger: logger,
	}
}

// Publish formats and delivers a message. When the consumer lags and the
// buffer is full, the message is dropped (and still logged) rather than
// blocking the caller.
func (n *Notifier) Publish(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	n.logger.Debug("status", "message", msg)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- msg:
	default:
	}
}

// Messages returns the consumer channel. It is closed by Close.
func (n *Notifier) Messages() <-chan string { return n.ch }

// Close closes the message channel. Publish after Close is a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}
