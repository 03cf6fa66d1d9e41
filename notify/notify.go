// Package notify delivers operator notifications on a best effort basis.
// Channels never block the scan loop; delivery failures are logged and
// the notification is dropped.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/softplc/telemetry"
)

// Notifier accepts a notification for delivery.
type Notifier interface {
	Send(subject, body string)
}

type noopNotifier struct{}

// Noop returns a notifier that discards all notifications.
func Noop() Notifier {
	return noopNotifier{}
}

func (noopNotifier) Send(string, string) {}

type multiNotifier []Notifier

// Multi fans every notification out to all targets.
func Multi(targets ...Notifier) Notifier {
	filtered := make(multiNotifier, 0, len(targets))
	for _, target := range targets {
		if target != nil {
			filtered = append(filtered, target)
		}
	}
	if len(filtered) == 0 {
		return Noop()
	}
	return filtered
}

func (m multiNotifier) Send(subject, body string) {
	for _, target := range m {
		target.Send(subject, body)
	}
}

const asyncQueueDepth = 16

type message struct {
	subject string
	body    string
}

// Async decouples delivery from the caller through a bounded queue. A
// full queue drops the newest notification with a warning instead of
// blocking.
type Async struct {
	name      string
	target    Notifier
	logger    zerolog.Logger
	collector telemetry.Collector

	mu     sync.RWMutex
	closed bool
	queue  chan message
	done   chan struct{}
}

// NewAsync starts the delivery goroutine for the given target channel.
func NewAsync(name string, target Notifier, logger zerolog.Logger, collector telemetry.Collector) *Async {
	if collector == nil {
		collector = telemetry.Noop()
	}
	a := &Async{
		name:      name,
		target:    target,
		logger:    logger,
		collector: collector,
		queue:     make(chan message, asyncQueueDepth),
		done:      make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) Send(subject, body string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- message{subject: subject, body: body}:
	default:
		a.logger.Warn().Str("channel", a.name).Str("subject", subject).Msg("notification queue full, dropping")
	}
}

func (a *Async) drain() {
	defer close(a.done)
	for msg := range a.queue {
		a.target.Send(msg.subject, msg.body)
		a.collector.NotificationSent(a.name)
	}
}

// Close stops accepting notifications and waits until queued ones are
// handed to the target.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
