// Package stream owns the bidirectional event stream to the platform:
// dialing, the Join/Greet handshake, the running receive/send/keepalive
// loops, mid-stream token refresh and draining on shutdown.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/flowrelay/flowrelay-go/internal/auth"
	"github.com/flowrelay/flowrelay-go/internal/codec"
	"github.com/flowrelay/flowrelay-go/internal/dispatch"
	"github.com/flowrelay/flowrelay-go/internal/fabric"
	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/internal/outbox"
	"github.com/flowrelay/flowrelay-go/internal/registry"
	"github.com/flowrelay/flowrelay-go/pb"
)

var (
	// ErrConnectFailed covers dial and transport failures; the
	// supervisor reconnects with backoff.
	ErrConnectFailed = errors.New("stream: connect failed")

	// ErrHandshakeMismatch is a protocol-level disagreement with the
	// server during handshake. Terminal: the process exits rather than
	// retrying into the same wall.
	ErrHandshakeMismatch = errors.New("stream: handshake mismatch")

	// ErrLinkFailure is raised when keepalive acks stop arriving.
	ErrLinkFailure = errors.New("stream: link failure")
)

// State is the session lifecycle.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnecting
	StateHandshaking
	StateRunning
	StateDraining
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Opener establishes one stream, with the bearer token attached as
// request metadata.
type Opener func(ctx context.Context, bearer string) (pb.EventStream_StartStreamingClient, error)

// GRPCOpener dials the platform endpoint and returns an Opener over the
// real stub. The returned close func releases the client connection.
// creds selects the transport security; nil means TLS with system
// roots, since bearer tokens ride the metadata. Pass
// insecure.NewCredentials() explicitly for plaintext dev setups.
func GRPCOpener(endpoint string, creds credentials.TransportCredentials, client func(grpc.ClientConnInterface) pb.EventStreamClient) (Opener, func() error, error) {
	if creds == nil {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	stub := client(conn)
	opener := func(ctx context.Context, bearer string) (pb.EventStream_StartStreamingClient, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+bearer)
		return stub.StartStreaming(ctx)
	}
	return opener, conn.Close, nil
}

// Config tunes one session.
type Config struct {
	Source        string // CloudEvents source stamped on outbound frames
	ProcessID     string
	SchemaVersion string

	// ReAuthEventType is the wire name used for mid-stream token
	// refresh frames. Configurable until the platform pins it down.
	ReAuthEventType string

	HandshakeTimeout   time.Duration
	KeepaliveInterval  time.Duration
	TokenRenewalMargin time.Duration
	DrainTimeout       time.Duration
	OutboxCapacity     int

	Dispatch dispatch.Config
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "flowrelay-client"
	}
	if c.ProcessID == "" {
		c.ProcessID = uuid.NewString()
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0"
	}
	if c.ReAuthEventType == "" {
		c.ReAuthEventType = pb.EventReAuth
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.TokenRenewalMargin <= 0 {
		c.TokenRenewalMargin = 60 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Session drives one handshake-to-close lifecycle at a time. Connect may
// be called again after a failure; the registry and codec it references
// are immutable, so a reconnected session advertises the same handlers.
type Session struct {
	cfg   Config
	open  Opener
	authp auth.Provider
	reg   *registry.Registry
	cdc   *codec.Codec
	met   *metrics.Metrics
	bus   fabric.Bus

	state     atomic.Int32
	onState   func(State)
	sessionID atomic.Value // string, assigned by the Greet frame
}

// New assembles a session. bus may be nil.
func New(cfg Config, open Opener, authp auth.Provider, reg *registry.Registry, cdc *codec.Codec, met *metrics.Metrics, bus fabric.Bus, onState func(State)) *Session {
	if bus == nil {
		bus = fabric.Nop{}
	}
	return &Session{
		cfg:     cfg.withDefaults(),
		open:    open,
		authp:   authp,
		reg:     reg,
		cdc:     cdc,
		met:     met,
		bus:     bus,
		onState: onState,
	}
}

// SetStateFunc installs the state change callback. Must be called
// before Connect; the supervisor uses it to track readiness.
func (s *Session) SetStateFunc(fn func(State)) { s.onState = fn }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SessionID returns the platform-assigned id from the last Greet, or "".
func (s *Session) SessionID() string {
	if v, ok := s.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.met.SessionState.Set(float64(st))
	if s.onState != nil {
		s.onState(st)
	}
}

// Connect runs one full session lifetime: authenticate, open the
// stream, handshake, serve until ctx is cancelled (clean drain, nil
// return) or the link fails (typed error for the supervisor).
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateAuthenticating)
	token, expiry, err := s.authp.Token(ctx)
	if err != nil {
		return err // carries auth.ErrAuthFailed
	}

	s.setState(StateConnecting)
	openCtx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	st, err := s.open(openCtx, token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	s.setState(StateHandshaking)
	start := time.Now()
	if err := s.handshake(ctx, st); err != nil {
		return err
	}
	s.met.HandshakeLatency.Observe(time.Since(start).Seconds())

	return s.serve(ctx, st, expiry)
}

// handshake sends Join and waits for Greet. A timeout resets the
// connection; a frame of the wrong type is a protocol disagreement.
func (s *Session) handshake(ctx context.Context, st pb.EventStream_StartStreamingClient) error {
	join, err := joinEvent(s.cfg.Source, s.cfg.ProcessID, s.cfg.SchemaVersion, s.reg.List())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := st.Send(join); err != nil {
		return fmt.Errorf("%w: sending join: %v", ErrConnectFailed, err)
	}

	type recvResult struct {
		ev  *pb.CloudEvent
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		ev, err := st.Recv()
		recvCh <- recvResult{ev: ev, err: err}
	}()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-recvCh:
		if r.err != nil {
			return fmt.Errorf("%w: awaiting greet: %v", ErrConnectFailed, r.err)
		}
		if r.ev.Type != pb.EventGreet {
			return fmt.Errorf("%w: expected %s, got %q", ErrHandshakeMismatch, pb.EventGreet, r.ev.Type)
		}
		data := pb.DataMap(r.ev)
		s.sessionID.Store(pb.StringField(data, "sessionId"))
		slog.Info("session established",
			"session_id", pb.StringField(data, "sessionId"),
			"server_version", pb.StringField(data, "serverVersion"))
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no greet within %s", ErrConnectFailed, s.cfg.HandshakeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the Running loop: receive, send, keepalive and token
// refresh, until the parent context drains us or the link dies. The
// loops report failure through the session context's cancel cause; they
// unwind on their own once the stream unblocks, so teardown never waits
// on a blocked Recv.
func (s *Session) serve(parent context.Context, st pb.EventStream_StartStreamingClient, tokenExpiry time.Time) error {
	sctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// Handler contexts must survive a graceful drain, so the dispatcher
	// hangs off its own context that falls only on session loss.
	lossCtx, lossCancel := context.WithCancel(context.Background())
	defer lossCancel()

	ob := outbox.New(s.cfg.OutboxCapacity, s.met, func(err error) {
		cancel(fmt.Errorf("%w: send failed: %v", ErrConnectFailed, err))
	})
	dcfg := s.cfg.Dispatch
	dcfg.OnPanic = func(handler, requestID string, value interface{}) {
		s.publish(fabric.EventHandlerPanic, map[string]interface{}{
			"handler":   handler,
			"requestId": requestID,
			"panic":     fmt.Sprint(value),
		})
	}
	disp := dispatch.New(lossCtx, dcfg, s.reg, s.cdc, s.met, &responseSink{outbox: ob, source: s.cfg.Source})

	s.setState(StateRunning)
	s.publish(fabric.EventSessionConnected, map[string]interface{}{"sessionId": s.SessionID()})

	ka := &keepaliveTracker{}

	// Receive pump.
	go func() {
		for {
			ev, err := st.Recv()
			if err != nil {
				if sctx.Err() == nil && !errors.Is(err, io.EOF) {
					cancel(fmt.Errorf("%w: recv: %v", ErrConnectFailed, err))
				} else {
					cancel(nil)
				}
				return
			}
			s.handleInbound(sctx, ev, disp, ob, ka)
		}
	}()

	// Send pump: the outbox owns the send half while running.
	go ob.Run(st)

	// Keepalive and token refresh.
	go s.keepaliveLoop(sctx, ob, ka, cancel)
	go s.tokenRefreshLoop(sctx, ob, tokenExpiry, cancel)

	<-sctx.Done()

	if parent.Err() != nil {
		// Graceful shutdown: drain before closing.
		s.drain(disp, ob, st)
		s.setState(StateClosed)
		s.publish(fabric.EventSessionDisconnected, map[string]interface{}{"reason": "shutdown"})
		return nil
	}

	// Link-level failure: tear down, the supervisor reconnects.
	cause := context.Cause(sctx)
	s.setState(StateReconnecting)
	lossCancel()
	ob.Close()
	_ = st.CloseSend()
	s.publish(fabric.EventSessionDisconnected, map[string]interface{}{"reason": "error"})
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return fmt.Errorf("%w: session ended", ErrConnectFailed)
}

func (s *Session) handleInbound(ctx context.Context, ev *pb.CloudEvent, disp *dispatch.Dispatcher, ob *outbox.Outbox, ka *keepaliveTracker) {
	switch ev.Type {
	case pb.EventProcessorRequest, pb.EventCriteriaRequest:
		req, err := parseRequest(ev)
		if err != nil {
			slog.Warn("discarding malformed request frame", "frame_id", ev.Id, "error", err)
			return
		}
		disp.HandleInbound(req)

	case pb.EventKeepAliveAck:
		ka.ack()

	case pb.EventKeepAlive:
		// Server-initiated keepalive: answer it.
		ack, err := keepAliveAckEvent(s.cfg.Source)
		if err == nil {
			_ = ob.Submit(ctx, ack)
		}

	case pb.EventGreet:
		slog.Warn("unexpected greet while running", "frame_id", ev.Id)

	default:
		slog.Warn("unhandled event type", "type", ev.Type, "frame_id", ev.Id)
	}
}

func (s *Session) keepaliveLoop(ctx context.Context, ob *outbox.Outbox, ka *keepaliveTracker, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if waited, ok := ka.pendingFor(); ok && waited >= 2*s.cfg.KeepaliveInterval {
				s.met.KeepaliveMisses.Inc()
				cancel(fmt.Errorf("%w: no keepalive ack for %s", ErrLinkFailure, waited.Round(time.Millisecond)))
				return
			}
			if !ob.Idle(time.Now().Add(-s.cfg.KeepaliveInterval).UnixNano()) {
				continue // real traffic is proof of life
			}
			ev, err := keepAliveEvent(s.cfg.Source)
			if err != nil {
				continue
			}
			if err := ob.Submit(ctx, ev); err != nil {
				return
			}
			ka.sent()
		}
	}
}

func (s *Session) tokenRefreshLoop(ctx context.Context, ob *outbox.Outbox, expiry time.Time, cancel context.CancelCauseFunc) {
	for {
		// Inside the margin the refresh fires right away; the small
		// floor only keeps a misbehaving provider from spinning.
		wait := time.Until(expiry.Add(-s.cfg.TokenRenewalMargin))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if time.Until(expiry) > s.cfg.TokenRenewalMargin {
			continue // expiry moved out from under us, re-evaluate
		}

		token, newExpiry, err := s.authp.Token(ctx)
		if err != nil {
			s.met.TokenRefreshes.WithLabelValues("error").Inc()
			cancel(err)
			return
		}
		ev, err := reAuthEvent(s.cfg.Source, s.cfg.ReAuthEventType, token)
		if err != nil {
			cancel(err)
			return
		}
		if err := ob.Submit(ctx, ev); err != nil {
			return
		}
		s.met.TokenRefreshes.WithLabelValues("ok").Inc()
		s.publish(fabric.EventAuthRefreshed, map[string]interface{}{"expiry": newExpiry.Format(time.RFC3339)})
		expiry = newExpiry
	}
}

// drain stops intake, waits for inflight items to resolve or hit their
// deadlines, lets the outbox finish sending, then closes the send half.
func (s *Session) drain(disp *dispatch.Dispatcher, ob *outbox.Outbox, st pb.EventStream_StartStreamingClient) {
	s.setState(StateDraining)
	s.publish(fabric.EventSessionDraining, nil)

	disp.StopIntake()
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	if err := disp.Drain(drainCtx); err != nil {
		slog.Warn("drain timed out with work still inflight", "inflight", disp.InflightCount())
	}
	ob.Stop()
	ob.Close()
	_ = st.CloseSend()
}

func (s *Session) publish(t fabric.EventType, payload map[string]interface{}) {
	_ = s.bus.Publish(context.Background(), &fabric.Event{
		ID:      uuid.NewString(),
		Type:    t,
		Source:  s.cfg.Source,
		Payload: payload,
	})
}

// responseSink adapts the outbox to the dispatcher's Sink.
type responseSink struct {
	outbox *outbox.Outbox
	source string
}

func (r *responseSink) Submit(ctx context.Context, resp *dispatch.Response) error {
	ev, err := responseEvent(r.source, resp)
	if err != nil {
		return err
	}
	return r.outbox.Submit(ctx, ev)
}

// keepaliveTracker remembers the oldest unacknowledged keepalive.
type keepaliveTracker struct {
	pendingSince atomic.Int64 // unix nanos, 0 = nothing pending
}

func (k *keepaliveTracker) sent() {
	k.pendingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (k *keepaliveTracker) ack() {
	k.pendingSince.Store(0)
}

func (k *keepaliveTracker) pendingFor() (time.Duration, bool) {
	since := k.pendingSince.Load()
	if since == 0 {
		return 0, false
	}
	return time.Duration(time.Now().UnixNano() - since), true
}
