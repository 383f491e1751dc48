// Package supervisor owns the runtime lifecycle: it brings up the
// session, restarts it with backoff on failure, and reports readiness.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flowrelay/flowrelay-go/internal/auth"
	"github.com/flowrelay/flowrelay-go/internal/metrics"
	"github.com/flowrelay/flowrelay-go/internal/stream"
)

// ErrAuthExhausted means authentication kept failing past the retry
// budget. The hosting process exits with code 2.
var ErrAuthExhausted = errors.New("supervisor: authentication retries exhausted")

// Config tunes the restart policy.
type Config struct {
	// AuthRetryLimit is the number of consecutive AuthFailed session
	// attempts tolerated before giving up.
	AuthRetryLimit int

	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthRetryLimit <= 0 {
		c.AuthRetryLimit = 5
	}
	return c
}

// Supervisor restarts the stream session until shut down.
type Supervisor struct {
	cfg     Config
	session *stream.Session
	met     *metrics.Metrics
	backoff *stream.Backoff

	ready   atomic.Bool
	lastErr atomic.Value // error
}

// New wires a supervisor around a session. The session must have been
// created with s.OnState as its state callback; use Build for the
// common case.
func New(cfg Config, session *stream.Session, met *metrics.Metrics) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:     cfg,
		session: session,
		met:     met,
		backoff: stream.NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
	}
}

// OnState is the session state callback: readiness tracks Running, and
// reaching Running resets the restart schedule.
func (s *Supervisor) OnState(st stream.State) {
	running := st == stream.StateRunning
	s.ready.Store(running)
	if running {
		s.backoff.Reset()
	}
}

// Ready reports whether a session is currently Running.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// LastError returns the most recent session failure, if any.
func (s *Supervisor) LastError() error {
	if err, ok := s.lastErr.Load().(error); ok {
		return err
	}
	return nil
}

// Run drives connect/serve/reconnect until ctx is cancelled (returns
// nil) or a terminal condition is hit: ErrAuthExhausted after the retry
// budget, or stream.ErrHandshakeMismatch immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	authFailures := 0

	for {
		err := s.session.Connect(ctx)
		s.ready.Store(false)

		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err == nil:
			// Sessions only end cleanly on shutdown; treat anything
			// else as a link failure and reconnect.
			err = stream.ErrConnectFailed

		case errors.Is(err, stream.ErrHandshakeMismatch):
			s.lastErr.Store(err)
			slog.Error("protocol disagreement during handshake, giving up", "error", err)
			return err

		case errors.Is(err, auth.ErrAuthFailed):
			authFailures++
			s.lastErr.Store(err)
			if authFailures >= s.cfg.AuthRetryLimit {
				slog.Error("giving up on authentication",
					"attempts", authFailures, "error", err)
				return errors.Join(ErrAuthExhausted, err)
			}

		default:
			authFailures = 0
			s.lastErr.Store(err)
		}

		s.met.Reconnects.Inc()
		delay := s.backoff.Next()
		slog.Warn("session ended, reconnecting", "error", err, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
