package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/flowrelay/flowrelay-go/internal/auth"
	"github.com/flowrelay/flowrelay-go/internal/codec"
	"github.com/flowrelay/flowrelay-go/internal/fabric"
	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/internal/registry"
	"github.com/flowrelay/flowrelay-go/pb"
)

type parcel struct {
	codec.Base

	Label  string
	Weight float64
}

func (p *parcel) FromFields(fields map[string]interface{}) error {
	p.Label, _ = fields["label"].(string)
	p.Weight, _ = fields["weight"].(float64)
	return nil
}

func (p *parcel) Fields() map[string]interface{} {
	return map[string]interface{}{"label": p.Label, "weight": p.Weight}
}

func parcelDescriptor() *codec.Descriptor {
	return &codec.Descriptor{
		ModelName:    "Parcel",
		ModelVersion: 1,
		Schema: []codec.Field{
			{Name: "label", Required: true},
			{Name: "weight"},
		},
		New: func() codec.Entity { return &parcel{} },
	}
}

type sessionHarness struct {
	session *Session
	client  *pb.MockStreamClient
	done    chan error
}

func newSessionHarness(t *testing.T, cfg Config, authp auth.Provider) *sessionHarness {
	t.Helper()

	cdc := codec.New()
	desc := parcelDescriptor()
	require.NoError(t, cdc.Register(desc))

	reg := registry.New()
	require.NoError(t, reg.RegisterProcessor("Relabel", 1, desc, func(ctx context.Context, e codec.Entity) (codec.Entity, error) {
		p := e.(*parcel)
		p.Label = "seen:" + p.Label
		return p, nil
	}))
	require.NoError(t, reg.RegisterCriterion("IsHeavy", 1, desc, func(ctx context.Context, e codec.Entity) (bool, error) {
		return e.(*parcel).Weight > 10, nil
	}))
	reg.Freeze()

	client := pb.NewMockStreamClient(32)
	opener := func(ctx context.Context, bearer string) (pb.EventStream_StartStreamingClient, error) {
		return client.StartStreaming(ctx)
	}
	if authp == nil {
		authp = &auth.Static{Value: "test-token"}
	}

	met := metrics.New(prometheus.NewRegistry())
	return &sessionHarness{
		session: New(cfg, opener, authp, reg, cdc, met, nil, nil),
		client:  client,
		done:    make(chan error, 1),
	}
}

// newCustomHarness is for tests that need their own handlers or a bus
// instead of the stock Relabel/IsHeavy pair.
func newCustomHarness(t *testing.T, cfg Config, bus fabric.Bus, build func(reg *registry.Registry, desc *codec.Descriptor)) *sessionHarness {
	t.Helper()

	cdc := codec.New()
	desc := parcelDescriptor()
	require.NoError(t, cdc.Register(desc))

	reg := registry.New()
	build(reg, desc)
	reg.Freeze()

	client := pb.NewMockStreamClient(32)
	opener := func(ctx context.Context, bearer string) (pb.EventStream_StartStreamingClient, error) {
		return client.StartStreaming(ctx)
	}

	met := metrics.New(prometheus.NewRegistry())
	return &sessionHarness{
		session: New(cfg, opener, &auth.Static{Value: "test-token"}, reg, cdc, met, bus, nil),
		client:  client,
		done:    make(chan error, 1),
	}
}

func (h *sessionHarness) connect(ctx context.Context) {
	go func() { h.done <- h.session.Connect(ctx) }()
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish within 5s")
		return nil
	}
}

func (h *sessionHarness) openedStream(t *testing.T) *pb.MockStream {
	t.Helper()
	select {
	case st := <-h.client.Opened():
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("no stream opened within 5s")
		return nil
	}
}

func greetFrame(t *testing.T, sessionID string) *pb.CloudEvent {
	t.Helper()
	ev, err := newEvent("platform", pb.EventGreet, map[string]interface{}{
		"sessionId":     sessionID,
		"serverVersion": "test",
	})
	require.NoError(t, err)
	return ev
}

func processorRequestFrame(t *testing.T, requestID, label string) *pb.CloudEvent {
	t.Helper()
	ev, err := newEvent("platform", pb.EventProcessorRequest, map[string]interface{}{
		"requestId":     requestID,
		"processorName": "Relabel",
		"modelName":     "Parcel",
		"modelVersion":  1,
		"payload": map[string]interface{}{
			"label":  label,
			"weight": 3,
			"slot":   "A4", // passthrough field
		},
	})
	require.NoError(t, err)
	return ev
}

func serverRecv(t *testing.T, st *pb.MockStream) *pb.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := st.ServerRecv(ctx)
	require.NoError(t, err)
	return ev
}

func TestHandshakeAndProcessorRoundTrip(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)

	// Join advertises the public handlers.
	join := serverRecv(t, st)
	require.Equal(t, pb.EventJoin, join.Type)
	data := pb.DataMap(join)
	assert.NotEmpty(t, data["processId"])
	handlers, ok := data["handlers"].([]interface{})
	require.True(t, ok)
	assert.Len(t, handlers, 2)

	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	// A processor request comes back answered with the transformed
	// payload, passthrough fields intact.
	require.NoError(t, st.ServerSend(processorRequestFrame(t, "req-1", "box")))

	resp := serverRecv(t, st)
	require.Equal(t, pb.EventProcessorResponse, resp.Type)
	respData := pb.DataMap(resp)
	assert.Equal(t, "req-1", respData["requestId"])
	assert.Equal(t, true, respData["success"])
	payload, ok := respData["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "seen:box", payload["label"])
	assert.Equal(t, "A4", payload["slot"])

	assert.Equal(t, "sess-1", h.session.SessionID())
	assert.Equal(t, StateRunning, h.session.State())

	cancel()
	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.session.State())
}

func TestCriterionRequestAnswersMatches(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	ev, err := newEvent("platform", pb.EventCriteriaRequest, map[string]interface{}{
		"requestId":     "crit-1",
		"criterionName": "IsHeavy",
		"modelName":     "Parcel",
		"modelVersion":  1,
		"payload":       map[string]interface{}{"label": "anvil", "weight": 90},
	})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(ev))

	resp := serverRecv(t, st)
	require.Equal(t, pb.EventCriteriaResponse, resp.Type)
	data := pb.DataMap(resp)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, true, data["matches"])
}

func TestUnknownHandlerYieldsErrorResponse(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	ev, err := newEvent("platform", pb.EventProcessorRequest, map[string]interface{}{
		"requestId":     "req-x",
		"processorName": "DoesNotExist",
		"modelName":     "Parcel",
		"modelVersion":  1,
		"payload":       map[string]interface{}{"label": "box"},
	})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(ev))

	resp := serverRecv(t, st)
	data := pb.DataMap(resp)
	assert.Equal(t, false, data["success"])
	assert.Equal(t, "HandlerNotFound", data["errorKind"])
}

func TestHandshakeWrongFrameTypeIsTerminal(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.connect(context.Background())

	st := h.openedStream(t)
	serverRecv(t, st) // Join

	wrong, err := newEvent("platform", pb.EventKeepAlive, map[string]interface{}{"timestamp": 1})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(wrong))

	require.ErrorIs(t, h.wait(t), ErrHandshakeMismatch)
}

func TestHandshakeTimeoutIsRetryable(t *testing.T) {
	h := newSessionHarness(t, Config{HandshakeTimeout: 60 * time.Millisecond}, nil)
	h.connect(context.Background())

	st := h.openedStream(t)
	serverRecv(t, st) // Join, never answered

	require.ErrorIs(t, h.wait(t), ErrConnectFailed)
}

func TestAuthFailurePropagates(t *testing.T) {
	h := newSessionHarness(t, Config{}, &auth.Static{}) // empty token fails
	h.connect(context.Background())
	require.ErrorIs(t, h.wait(t), auth.ErrAuthFailed)
}

func TestServerDropMidSessionReturnsConnectFailed(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.connect(context.Background())

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	time.Sleep(20 * time.Millisecond) // let the session reach Running
	st.Close()

	require.ErrorIs(t, h.wait(t), ErrConnectFailed)
	assert.Equal(t, StateReconnecting, h.session.State(),
		"a lost link hands over in the reconnecting state")
}

func TestDrainDeliversInflightResponseBeforeClose(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newCustomHarness(t, Config{DrainTimeout: 2 * time.Second}, nil, func(reg *registry.Registry, desc *codec.Descriptor) {
		require.NoError(t, reg.RegisterProcessor("Hold", 1, desc, func(ctx context.Context, e codec.Entity) (codec.Entity, error) {
			close(entered)
			<-release
			p := e.(*parcel)
			p.Label = "held:" + p.Label
			return p, nil
		}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	req, err := newEvent("platform", pb.EventProcessorRequest, map[string]interface{}{
		"requestId":     "req-hold",
		"processorName": "Hold",
		"modelName":     "Parcel",
		"modelVersion":  1,
		"payload":       map[string]interface{}{"label": "box"},
	})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(req))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// Shutdown arrives while the handler is still working. The drain
	// must let it resolve and push its response out before closing.
	cancel()
	close(release)

	resp := serverRecv(t, st)
	require.Equal(t, pb.EventProcessorResponse, resp.Type)
	data := pb.DataMap(resp)
	assert.Equal(t, "req-hold", data["requestId"])
	assert.Equal(t, true, data["success"])
	payload, ok := data["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "held:box", payload["label"])

	require.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.session.State())
}

func TestHandlerPanicPublishesLifecycleEvent(t *testing.T) {
	bus := fabric.NewLocalBus()
	defer bus.Close()
	events := make(chan *fabric.Event, 1)
	bus.Subscribe(fabric.EventHandlerPanic, func(ctx context.Context, ev *fabric.Event) error {
		events <- ev
		return nil
	})

	h := newCustomHarness(t, Config{}, bus, func(reg *registry.Registry, desc *codec.Descriptor) {
		require.NoError(t, reg.RegisterProcessor("Explode", 1, desc, func(ctx context.Context, e codec.Entity) (codec.Entity, error) {
			panic("kaboom")
		}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	req, err := newEvent("platform", pb.EventProcessorRequest, map[string]interface{}{
		"requestId":     "req-p",
		"processorName": "Explode",
		"modelName":     "Parcel",
		"modelVersion":  1,
		"payload":       map[string]interface{}{"label": "box"},
	})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(req))

	resp := serverRecv(t, st)
	data := pb.DataMap(resp)
	assert.Equal(t, "HandlerFailed", data["errorKind"])

	select {
	case ev := <-events:
		assert.Equal(t, "Explode", ev.Payload["handler"])
		assert.Equal(t, "req-p", ev.Payload["requestId"])
	case <-time.After(5 * time.Second):
		t.Fatal("no handler panic event on the bus")
	}
}

func TestGRPCOpenerCredentialChoices(t *testing.T) {
	opener, closeConn, err := GRPCOpener("127.0.0.1:0", nil, pb.NewEventStreamClient)
	require.NoError(t, err)
	require.NotNil(t, opener)
	require.NoError(t, closeConn())

	opener, closeConn, err = GRPCOpener("127.0.0.1:0", insecure.NewCredentials(), pb.NewEventStreamClient)
	require.NoError(t, err)
	require.NotNil(t, opener)
	require.NoError(t, closeConn())
}

func TestMissedKeepaliveAcksResetTheLink(t *testing.T) {
	h := newSessionHarness(t, Config{KeepaliveInterval: 30 * time.Millisecond}, nil)
	h.connect(context.Background())

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	// The server never acks; the session must give up on the link.
	err := h.wait(t)
	require.ErrorIs(t, err, ErrLinkFailure)
}

func TestServerKeepaliveGetsAcked(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	ka, err := newEvent("platform", pb.EventKeepAlive, map[string]interface{}{"timestamp": time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, st.ServerSend(ka))

	ack := serverRecv(t, st)
	assert.Equal(t, pb.EventKeepAliveAck, ack.Type)
}

// renewingProvider hands out a short-lived first token, then
// long-lived ones, so the refresh loop fires quickly in tests.
type renewingProvider struct {
	calls atomic.Int64
}

func (p *renewingProvider) Token(ctx context.Context) (string, time.Time, error) {
	n := p.calls.Add(1)
	if n == 1 {
		return "tok-1", time.Now().Add(100 * time.Millisecond), nil
	}
	return "tok-2", time.Now().Add(time.Hour), nil
}

func TestTokenRefreshSendsReAuthFrame(t *testing.T) {
	h := newSessionHarness(t, Config{TokenRenewalMargin: 50 * time.Millisecond}, &renewingProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))

	for {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		ev, err := st.ServerRecv(ctx2)
		cancel2()
		require.NoError(t, err)
		if ev.Type == pb.EventKeepAlive {
			continue // heartbeat noise while we wait for the refresh
		}
		require.Equal(t, pb.EventReAuth, ev.Type)
		assert.Equal(t, "tok-2", pb.DataMap(ev)["token"])
		return
	}
}

func TestTokenRefreshFiresPromptlyInsideMargin(t *testing.T) {
	// The first token has less life left than the renewal margin, so
	// the refresh must fire immediately rather than after a fixed wait.
	h := newSessionHarness(t, Config{TokenRenewalMargin: 10 * time.Second}, &renewingProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.connect(ctx)

	st := h.openedStream(t)
	serverRecv(t, st) // Join
	require.NoError(t, st.ServerSend(greetFrame(t, "sess-1")))
	start := time.Now()

	for {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		ev, err := st.ServerRecv(ctx2)
		cancel2()
		require.NoError(t, err)
		if ev.Type == pb.EventKeepAlive {
			continue
		}
		require.Equal(t, pb.EventReAuth, ev.Type)
		assert.Equal(t, "tok-2", pb.DataMap(ev)["token"])
		assert.Less(t, time.Since(start), time.Second,
			"refresh must not idle while the token is about to expire")
		return
	}
}

func TestParseRequestRejectsMissingRequestID(t *testing.T) {
	ev, err := newEvent("platform", pb.EventProcessorRequest, map[string]interface{}{
		"processorName": "Relabel",
		"modelName":     "Parcel",
	})
	require.NoError(t, err)
	_, err = parseRequest(ev)
	require.Error(t, err)
}

func TestParseRequestDefaultsDeadlineHint(t *testing.T) {
	ev, err := newEvent("platform", pb.EventCriteriaRequest, map[string]interface{}{
		"requestId":     "r1",
		"criterionName": "IsHeavy",
		"modelName":     "Parcel",
		"modelVersion":  1,
	})
	require.NoError(t, err)
	req, err := parseRequest(ev)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), req.DeadlineMillis)
	assert.Equal(t, registry.KindCriterion, req.Kind)
}
