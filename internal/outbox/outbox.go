// Package outbox serializes all writers onto the send half of the
// stream.
//
// The gRPC send half is not safe for concurrent use; every producer
// funnels through a bounded FIFO drained by a single sender goroutine,
// which also gives the platform strict submission-order delivery.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/pb"
)

// ErrClosed is returned by Submit after the outbox has shut down.
var ErrClosed = errors.New("outbox: closed")

// Sender is the send half of the stream.
type Sender interface {
	Send(*pb.CloudEvent) error
}

// Outbox is a single-consumer queue in front of the stream's send half.
// One outbox lives for one session.
type Outbox struct {
	queue chan *pb.CloudEvent
	met   *metrics.Metrics

	// onSendError tells the session to reset. Called at most once.
	onSendError func(error)
	errOnce     sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	// stopped asks Run to finish sending and exit without dropping;
	// runDone is closed when Run returns.
	stopped  chan struct{}
	stopOnce sync.Once
	runDone  chan struct{}

	mu       sync.Mutex
	lastSend int64 // unix nanos of the last successful send
}

// New creates an outbox with the given capacity (default 1024).
func New(capacity int, met *metrics.Metrics, onSendError func(error)) *Outbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Outbox{
		queue:       make(chan *pb.CloudEvent, capacity),
		met:         met,
		onSendError: onSendError,
		closed:      make(chan struct{}),
		stopped:     make(chan struct{}),
		runDone:     make(chan struct{}),
	}
}

// Submit enqueues a frame, blocking until the queue accepts it, the
// context expires or the outbox closes.
func (o *Outbox) Submit(ctx context.Context, ev *pb.CloudEvent) error {
	select {
	case <-o.closed:
		return ErrClosed
	default:
	}
	select {
	case o.queue <- ev:
		o.met.OutboxDepth.Set(float64(len(o.queue)))
		return nil
	case <-o.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue onto the sender in submission order. It returns
// when the outbox closes or stops, or when a send fails; on failure it
// signals the session and drops whatever is still queued, while Stop
// lets it send the remainder first.
func (o *Outbox) Run(sender Sender) {
	defer close(o.runDone)
	for {
		select {
		case ev := <-o.queue:
			o.met.OutboxDepth.Set(float64(len(o.queue)))
			if err := sender.Send(ev); err != nil {
				o.errOnce.Do(func() {
					if o.onSendError != nil {
						o.onSendError(err)
					}
				})
				o.Close()
				o.dropQueued()
				return
			}
			o.markSent()
		case <-o.stopped:
			o.sendQueued(sender)
			return
		case <-o.closed:
			o.dropQueued()
			return
		}
	}
}

// Stop makes Run send whatever is still queued and exit, then waits for
// it. The graceful counterpart to Close; only valid once Run has been
// started.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() { close(o.stopped) })
	<-o.runDone
}

// Flush sends every queued frame synchronously. For callers that never
// started Run; draining sessions use Stop instead.
func (o *Outbox) Flush(sender Sender) {
	o.sendQueued(sender)
}

func (o *Outbox) sendQueued(sender Sender) {
	for {
		select {
		case ev := <-o.queue:
			if err := sender.Send(ev); err != nil {
				slog.Warn("outbox flush aborted", "error", err)
				o.dropQueued()
				return
			}
			o.markSent()
		default:
			o.met.OutboxDepth.Set(0)
			return
		}
	}
}

// Close stops the outbox. Queued frames are dropped; the platform will
// re-issue their requests after reconnect.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

// Idle reports whether nothing has been sent since the given unix-nano
// timestamp, used by the session to decide when a keepalive is due.
func (o *Outbox) Idle(sinceNanos int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSend <= sinceNanos
}

// Depth returns the number of queued frames.
func (o *Outbox) Depth() int { return len(o.queue) }

func (o *Outbox) markSent() {
	o.mu.Lock()
	o.lastSend = time.Now().UnixNano()
	o.mu.Unlock()
}

func (o *Outbox) dropQueued() {
	dropped := 0
	for {
		select {
		case <-o.queue:
			dropped++
		default:
			if dropped > 0 {
				o.met.OutboxDropped.Add(float64(dropped))
				o.met.OutboxDepth.Set(0)
				slog.Warn("outbox dropped queued frames on reset", "count", dropped)
			}
			return
		}
	}
}
