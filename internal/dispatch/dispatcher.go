// Package dispatch queues outbound notifications and drains them in arrival
// order under the provider's rate ceiling. A throttled message goes back to
// the head of the queue; nothing is dropped silently.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"race-agents/internal/metrics"
	"race-agents/internal/retry"
)

// Options tune pacing and the per-message retry budget.
type Options struct {
	// PerSecond caps drain throughput.
	PerSecond int

	// Policy bounds delivery attempts per message.
	Policy retry.Policy
}

type item struct {
	text     string
	attempts int
}

// Dispatcher is the rate-limited delivery queue.
type Dispatcher struct {
	opts     Options
	notifier Notifier
	logger   zerolog.Logger

	mu    sync.Mutex
	queue []item
	wake  chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts Options, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	if opts.PerSecond <= 0 {
		opts.PerSecond = 1
	}
	return &Dispatcher{
		opts:     opts,
		notifier: notifier,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a message to the queue.
func (d *Dispatcher) Enqueue(text string) {
	d.mu.Lock()
	d.queue = append(d.queue, item{text: text})
	depth := len(d.queue)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.logger.Debug().Int("queue_depth", depth).Msg("notification queued")
}

// QueueDepth reports the number of undelivered messages.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run drains the queue until the context is cancelled. The pacing floor is
// enforced between consecutive send attempts, successful or not.
func (d *Dispatcher) Run(ctx context.Context) {
	pace := time.Second / time.Duration(d.opts.PerSecond)

	for {
		msg, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		d.deliver(ctx, msg)

		timer := time.NewTimer(pace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg item) {
	status, err := d.notifier.Send(ctx, msg.text)
	msg.attempts++

	switch status {
	case Delivered:
		metrics.NotificationsSent.Inc()
		return

	case RateLimited:
		metrics.NotificationsThrottled.Inc()
		d.logger.Warn().Int("attempt", msg.attempts).Msg("delivery throttled by provider")

	default:
		d.logger.Warn().Err(err).Int("attempt", msg.attempts).Msg("delivery attempt failed")
	}

	if d.opts.Policy.Exhausted(msg.attempts) {
		metrics.NotificationsFailed.Inc()
		d.logger.Error().Err(err).Int("attempts", msg.attempts).
			Msg("notification dropped after exhausting delivery attempts")
		return
	}

	// Back to the head so arrival order survives the retry.
	d.pushFront(msg)
	if sleepErr := d.opts.Policy.Sleep(ctx, msg.attempts); sleepErr != nil {
		return
	}
}

func (d *Dispatcher) pop() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return item{}, false
	}
	msg := d.queue[0]
	d.queue = d.queue[1:]
	return msg, true
}

func (d *Dispatcher) pushFront(msg item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append([]item{msg}, d.queue...)
}
