// Package dispatch routes inbound request frames to registered handlers.
//
// Each inbound frame becomes a work item: resolve the handler, decode the
// entity, run the handler on a kind-specific bounded pool under a
// deadline, and hand exactly one response frame to the outbox. Criteria
// and processors get separate pools because their latency profiles differ
// by an order of magnitude.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/flowrelay-go/internal/codec"
	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/internal/registry"
)

// ErrorKind is the failure discriminator echoed to the platform.
type ErrorKind string

const (
	ErrKindNone             ErrorKind = ""
	ErrKindHandlerNotFound  ErrorKind = "HandlerNotFound"
	ErrKindMalformedPayload ErrorKind = "MalformedPayload"
	ErrKindOverloaded       ErrorKind = "Overloaded"
	ErrKindTimeout          ErrorKind = "Timeout"
	ErrKindHandlerFailed    ErrorKind = "HandlerFailed"
)

// NoDeadlineHint marks a request without a deadlineMillis field.
const NoDeadlineHint = int64(-1)

// Request is a decoded inbound calculation request frame.
type Request struct {
	RequestID      string
	Kind           registry.Kind
	HandlerName    string
	HandlerVersion int // 0 = unpinned
	ModelName      string
	ModelVersion   int
	Payload        *structpb.Struct
	DeadlineMillis int64 // NoDeadlineHint when absent
}

// Response is the single outbound answer for a request frame.
type Response struct {
	RequestID    string
	Kind         registry.Kind
	Success      bool
	Payload      *structpb.Struct // processor result
	Matches      *bool            // criterion result
	ErrorKind    ErrorKind
	ErrorMessage string
}

// Sink accepts finished response frames. The outbox implements it.
type Sink interface {
	Submit(ctx context.Context, resp *Response) error
}

// Config tunes the dispatcher pools and timeouts.
type Config struct {
	ProcessorConcurrency int
	CriterionConcurrency int
	QueueDepth           int
	ProcessorTimeout     time.Duration
	CriterionTimeout     time.Duration
	GraceTimeout         time.Duration

	// OnPanic is invoked after a handler panic has been converted into
	// a failure response. Optional; the session publishes a lifecycle
	// event from it.
	OnPanic func(handlerName, requestID string, value interface{})
}

func (c Config) withDefaults() Config {
	if c.ProcessorConcurrency <= 0 {
		c.ProcessorConcurrency = 32
	}
	if c.CriterionConcurrency <= 0 {
		c.CriterionConcurrency = 128
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.ProcessorTimeout <= 0 {
		c.ProcessorTimeout = 30 * time.Second
	}
	if c.CriterionTimeout <= 0 {
		c.CriterionTimeout = 5 * time.Second
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 10 * time.Second
	}
	return c
}

type pool struct {
	slots  chan struct{}
	queued atomic.Int64
}

type workItem struct {
	req       *Request
	responded atomic.Bool
}

// Dispatcher lives for one stream session. The registry, codec and
// metrics it references are shared and immutable; the inflight map and
// the duplicate-suppression set are per session.
type Dispatcher struct {
	cfg   Config
	reg   *registry.Registry
	codec *codec.Codec
	met   *metrics.Metrics
	sink  Sink

	// ctx marks session loss; its cancellation drops all pending work
	// without responses. A graceful drain must NOT cancel it, so that
	// running handlers still resolve and respond.
	ctx context.Context

	// draining refuses new frames once the session starts to drain.
	draining atomic.Bool

	procPool pool
	critPool pool

	mu       sync.Mutex
	inflight map[string]*workItem
	seen     map[string]struct{}

	wg sync.WaitGroup
}

// New creates a dispatcher bound to one session. ctx must be the
// session-loss context: cancelled when the link dies, left alone during
// a graceful drain.
func New(ctx context.Context, cfg Config, reg *registry.Registry, cdc *codec.Codec, met *metrics.Metrics, sink Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		codec:    cdc,
		met:      met,
		sink:     sink,
		ctx:      ctx,
		procPool: pool{slots: make(chan struct{}, cfg.ProcessorConcurrency)},
		critPool: pool{slots: make(chan struct{}, cfg.CriterionConcurrency)},
		inflight: make(map[string]*workItem),
		seen:     make(map[string]struct{}),
	}
}

// HandleInbound routes one request frame. It never blocks on handler
// execution: the frame is either queued on a worker pool or answered
// with an error response immediately.
func (d *Dispatcher) HandleInbound(req *Request) {
	if d.draining.Load() {
		slog.Debug("draining, ignoring inbound frame", "request_id", req.RequestID)
		return
	}

	d.mu.Lock()
	if _, dup := d.seen[req.RequestID]; dup {
		d.mu.Unlock()
		slog.Warn("duplicate request id, dropping frame",
			"request_id", req.RequestID, "handler", req.HandlerName)
		return
	}
	d.seen[req.RequestID] = struct{}{}
	item := &workItem{req: req}
	d.inflight[req.RequestID] = item
	d.mu.Unlock()

	d.met.InflightItems.Inc()
	d.wg.Add(1)

	// A zero deadline hint can never be met; reject before touching the
	// handler.
	if req.DeadlineMillis == 0 {
		d.respondError(item, ErrKindTimeout, "deadline hint of 0 ms expired before dispatch")
		return
	}

	h, err := d.reg.Resolve(req.Kind, req.HandlerName, req.HandlerVersion)
	if err != nil {
		d.respondError(item, ErrKindHandlerNotFound,
			fmt.Sprintf("no %s named %q (version %d)", req.Kind, req.HandlerName, req.HandlerVersion))
		return
	}

	if h.Descriptor.ModelName != req.ModelName || h.Descriptor.ModelVersion != req.ModelVersion {
		d.respondError(item, ErrKindMalformedPayload,
			fmt.Sprintf("handler %s is bound to %s, request declares %s/v%d",
				h.Name, h.Descriptor.Key(), req.ModelName, req.ModelVersion))
		return
	}

	entity, err := d.codec.Decode(req.ModelName, req.ModelVersion, req.Payload)
	if err != nil {
		d.respondError(item, ErrKindMalformedPayload, err.Error())
		return
	}

	deadline := d.effectiveDeadline(req)
	p := d.poolFor(req.Kind)

	// Fast path: a slot is free right now.
	select {
	case p.slots <- struct{}{}:
		go d.run(item, h, entity, deadline, p)
		return
	default:
	}

	// Pool saturated. Queue if there is room, otherwise push back.
	if p.queued.Load() >= int64(d.cfg.QueueDepth) {
		d.respondError(item, ErrKindOverloaded,
			fmt.Sprintf("%s pool saturated and queue full", req.Kind))
		return
	}
	p.queued.Add(1)
	go d.waitAndRun(item, h, entity, deadline, p)
}

func (d *Dispatcher) waitAndRun(item *workItem, h *registry.Handler, entity codec.Entity, deadline time.Time, p *pool) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		p.queued.Add(-1)
		d.run(item, h, entity, deadline, p)
	case <-timer.C:
		p.queued.Add(-1)
		d.respondError(item, ErrKindTimeout, "deadline elapsed while queued")
	case <-d.ctx.Done():
		p.queued.Add(-1)
		d.drop(item)
	}
}

// run executes the handler on a worker goroutine. The slot is released
// when the handler returns, not when the response is submitted, so a
// timed-out handler keeps holding its slot until it actually exits.
func (d *Dispatcher) run(item *workItem, h *registry.Handler, entity codec.Entity, deadline time.Time, p *pool) {
	req := item.req
	start := time.Now()

	hctx, cancel := context.WithDeadline(d.ctx, deadline)
	defer cancel()

	done := make(chan *Response, 1)
	go func() {
		defer func() { <-p.slots }()
		done <- d.invoke(hctx, h, entity, req)
	}()

	select {
	case resp := <-done:
		d.met.DispatchLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
		d.respond(item, resp)
	case <-hctx.Done():
		if d.ctx.Err() != nil {
			// Session reset: the platform re-requests, discard silently.
			d.drop(item)
			return
		}
		d.met.DispatchLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
		d.respondError(item, ErrKindTimeout,
			fmt.Sprintf("%s %s did not finish before the deadline", req.Kind, h.Name))
		// The worker is not killed; log if it ignores cancellation.
		go d.watchGrace(item, h, done)
	}
}

func (d *Dispatcher) watchGrace(item *workItem, h *registry.Handler, done <-chan *Response) {
	timer := time.NewTimer(d.cfg.GraceTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("handler still running after cancellation grace period",
			"kind", h.Kind, "handler", h.Name, "request_id", item.req.RequestID,
			"grace", d.cfg.GraceTimeout)
	}
}

// invoke calls the user handler, converting panics and errors into
// failure responses at the boundary.
func (d *Dispatcher) invoke(ctx context.Context, h *registry.Handler, entity codec.Entity, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked",
				"kind", h.Kind, "handler", h.Name, "request_id", req.RequestID,
				"panic", r, "stack", string(debug.Stack()))
			resp = &Response{
				RequestID:    req.RequestID,
				Kind:         req.Kind,
				ErrorKind:    ErrKindHandlerFailed,
				ErrorMessage: fmt.Sprintf("panic: %v", r),
			}
			if d.cfg.OnPanic != nil {
				d.cfg.OnPanic(h.Name, req.RequestID, r)
			}
		}
	}()

	switch h.Kind {
	case registry.KindProcessor:
		result, err := (*h.Process)(ctx, entity)
		if err != nil {
			return d.failureFrom(req, err)
		}
		payload, err := d.codec.Encode(req.ModelName, req.ModelVersion, result)
		if err != nil {
			return &Response{
				RequestID: req.RequestID, Kind: req.Kind,
				ErrorKind: ErrKindHandlerFailed, ErrorMessage: err.Error(),
			}
		}
		return &Response{RequestID: req.RequestID, Kind: req.Kind, Success: true, Payload: payload}

	case registry.KindCriterion:
		matches, err := (*h.Check)(ctx, entity)
		if err != nil {
			return d.failureFrom(req, err)
		}
		return &Response{RequestID: req.RequestID, Kind: req.Kind, Success: true, Matches: &matches}

	default:
		return &Response{
			RequestID: req.RequestID, Kind: req.Kind,
			ErrorKind: ErrKindHandlerFailed, ErrorMessage: fmt.Sprintf("unknown handler kind %q", h.Kind),
		}
	}
}

func (d *Dispatcher) failureFrom(req *Request, err error) *Response {
	kind := ErrKindHandlerFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	}
	return &Response{
		RequestID:    req.RequestID,
		Kind:         req.Kind,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	}
}

func (d *Dispatcher) effectiveDeadline(req *Request) time.Time {
	def := d.cfg.ProcessorTimeout
	if req.Kind == registry.KindCriterion {
		def = d.cfg.CriterionTimeout
	}
	deadline := time.Now().Add(def)
	if req.DeadlineMillis > 0 {
		hinted := time.Now().Add(time.Duration(req.DeadlineMillis) * time.Millisecond)
		if hinted.Before(deadline) {
			deadline = hinted
		}
	}
	return deadline
}

func (d *Dispatcher) poolFor(kind registry.Kind) *pool {
	if kind == registry.KindCriterion {
		return &d.critPool
	}
	return &d.procPool
}

// respond delivers the single response for a work item. Repeated calls
// for the same item are ignored, which is what enforces the one-response
// invariant against races between timeout and completion.
func (d *Dispatcher) respond(item *workItem, resp *Response) {
	if !item.responded.CompareAndSwap(false, true) {
		return
	}
	d.finish(item)

	result := "ok"
	if resp.ErrorKind != ErrKindNone {
		resp.Success = false
		result = counterLabel(resp.ErrorKind)
	}
	d.met.DispatchTotal.WithLabelValues(string(item.req.Kind), result).Inc()

	if err := d.sink.Submit(d.ctx, resp); err != nil {
		// Session lost before the response made it out; the platform
		// re-requests after reconnect.
		slog.Debug("response dropped, session gone",
			"request_id", resp.RequestID, "error", err)
	}
}

func (d *Dispatcher) respondError(item *workItem, kind ErrorKind, msg string) {
	d.respond(item, &Response{
		RequestID:    item.req.RequestID,
		Kind:         item.req.Kind,
		ErrorKind:    kind,
		ErrorMessage: msg,
	})
}

// drop abandons a work item without a response (session loss).
func (d *Dispatcher) drop(item *workItem) {
	if !item.responded.CompareAndSwap(false, true) {
		return
	}
	d.finish(item)
}

func (d *Dispatcher) finish(item *workItem) {
	d.mu.Lock()
	delete(d.inflight, item.req.RequestID)
	d.mu.Unlock()
	d.met.InflightItems.Dec()
	d.wg.Done()
}

// StopIntake makes the dispatcher ignore new frames. Running and
// queued work is unaffected; the session calls this when a drain
// begins.
func (d *Dispatcher) StopIntake() {
	d.draining.Store(true)
}

// InflightCount returns the number of unanswered work items.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Drain blocks until every work item has resolved or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func counterLabel(kind ErrorKind) string {
	switch kind {
	case ErrKindHandlerNotFound:
		return "handler_not_found"
	case ErrKindMalformedPayload:
		return "malformed_payload"
	case ErrKindOverloaded:
		return "overloaded"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindHandlerFailed:
		return "handler_failed"
	default:
		return "error"
	}
}
