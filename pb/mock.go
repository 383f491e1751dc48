package pb

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
)

// ErrStreamClosed is returned by the mock stream once either half has
// been torn down.
var ErrStreamClosed = errors.New("pb: stream closed")

// MockStream is an in-memory bidirectional stream used by tests and by
// standalone runs without a platform. The client half implements
// EventStream_StartStreamingClient; tests drive the server half through
// ServerRecv/ServerSend.
type MockStream struct {
	c2s chan *CloudEvent
	s2c chan *CloudEvent

	mu       sync.Mutex
	sendErr  error
	closed   chan struct{}
	closeOne sync.Once
}

// NewMockStream creates a mock stream with the given buffer depth per
// direction.
func NewMockStream(buffer int) *MockStream {
	return &MockStream{
		c2s:    make(chan *CloudEvent, buffer),
		s2c:    make(chan *CloudEvent, buffer),
		closed: make(chan struct{}),
	}
}

func (m *MockStream) Send(ev *CloudEvent) error {
	m.mu.Lock()
	err := m.sendErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case m.c2s <- ev:
		return nil
	case <-m.closed:
		return ErrStreamClosed
	}
}

func (m *MockStream) Recv() (*CloudEvent, error) {
	select {
	case ev := <-m.s2c:
		return ev, nil
	case <-m.closed:
		return nil, ErrStreamClosed
	}
}

func (m *MockStream) CloseSend() error {
	return nil
}

// FailSends makes every subsequent Send return err.
func (m *MockStream) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Close tears down both halves. Safe to call more than once.
func (m *MockStream) Close() {
	m.closeOne.Do(func() { close(m.closed) })
}

// Done is closed when the stream has been torn down.
func (m *MockStream) Done() <-chan struct{} { return m.closed }

// ServerRecv reads the next client frame, as the platform would.
func (m *MockStream) ServerRecv(ctx context.Context) (*CloudEvent, error) {
	select {
	case ev := <-m.c2s:
		return ev, nil
	case <-m.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServerSend pushes a frame to the client, as the platform would.
func (m *MockStream) ServerSend(ev *CloudEvent) error {
	select {
	case m.s2c <- ev:
		return nil
	case <-m.closed:
		return ErrStreamClosed
	}
}

// MockStreamClient hands out MockStreams, one per StartStreaming call.
// Streams() exposes the opened streams in order so tests can observe
// reconnects.
type MockStreamClient struct {
	mu      sync.Mutex
	buffer  int
	openErr error
	streams []*MockStream
	opened  chan *MockStream
}

func NewMockStreamClient(buffer int) *MockStreamClient {
	return &MockStreamClient{
		buffer: buffer,
		opened: make(chan *MockStream, 16),
	}
}

func (c *MockStreamClient) StartStreaming(ctx context.Context, opts ...grpc.CallOption) (EventStream_StartStreamingClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := NewMockStream(c.buffer)
	c.streams = append(c.streams, s)
	select {
	case c.opened <- s:
	default:
	}
	return s, nil
}

// FailOpens makes every subsequent StartStreaming return err.
func (c *MockStreamClient) FailOpens(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// Opened delivers each stream as it is created.
func (c *MockStreamClient) Opened() <-chan *MockStream { return c.opened }

// Streams returns all streams opened so far.
func (c *MockStreamClient) Streams() []*MockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MockStream, len(c.streams))
	copy(out, c.streams)
	return out
}
