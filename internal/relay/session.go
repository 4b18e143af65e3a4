// Package relay pairs one client connection with one upstream call and moves
// the upstream body to the client without re-framing it.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-gateway/internal/model"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// ErrSessionClosed is returned when a body is attached to a finished session.
var ErrSessionClosed = errors.New("relay session already finished")

// errSessionDone cancels the upstream context once a session has finished.
var errSessionDone = errors.New("relay session finished")

// Session ties one client connection to one upstream call. It owns the
// upstream body exclusively and releases it, together with the upstream
// context, on the first terminal transition.
type Session struct {
	ID    string
	Route string
	Mode  model.Mode

	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	state      State
	upstream   io.Closer
	err        error
	started    time.Time
	ended      time.Time
	firstChunk time.Time
	chunks     int
	bytes      int64
}

// NewSession creates an Idle session whose upstream context derives from
// parent, so a client disconnect cancels the upstream call.
func NewSession(parent context.Context, route string, mode model.Mode) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		ID:      uuid.NewString(),
		Route:   route,
		Mode:    mode,
		parent:  parent,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		started: time.Now(),
	}
}

// Context is the upstream call context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Connect moves an Idle session to Connecting.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.state = StateConnecting
	}
}

// Attach hands the upstream body to the session once response headers have
// arrived and moves it to Streaming. If the session already finished, the
// body is closed and ErrSessionClosed returned.
func (s *Session) Attach(body io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		_ = body.Close()
		return ErrSessionClosed
	}
	s.upstream = body
	s.state = StateStreaming
	return nil
}

// Finish moves the session to the terminal state implied by err: nil means
// Completed, a client disconnect means Cancelled, anything else Failed.
// Only the first call has an effect. It returns the resulting state.
func (s *Session) Finish(err error) State {
	switch {
	case err == nil:
		return s.finish(StateCompleted, nil)
	case model.IsKind(err, model.KindClientDisconnected):
		return s.finish(StateCancelled, err)
	default:
		return s.finish(StateFailed, err)
	}
}

func (s *Session) finish(state State, err error) State {
	s.mu.Lock()
	if s.state.Terminal() {
		state = s.state
		s.mu.Unlock()
		return state
	}
	s.state = state
	s.err = err
	s.ended = time.Now()
	upstream := s.upstream
	s.upstream = nil
	s.mu.Unlock()

	// Cancel before closing so a blocked read returns immediately.
	s.cancel(errSessionDone)
	if upstream != nil {
		_ = upstream.Close()
	}
	return state
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClientGone reports whether the client side of the session has gone away.
func (s *Session) ClientGone() bool {
	return s.parent.Err() != nil
}

// Delivered reports whether any byte has reached the client.
func (s *Session) Delivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks > 0
}

// Record counts n bytes as delivered to the client in one chunk.
func (s *Session) Record(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks == 0 {
		s.firstChunk = time.Now()
	}
	s.chunks++
	s.bytes += int64(n)
}

// Stats summarizes a session for logs and metrics.
type Stats struct {
	Chunks     int
	Bytes      int64
	Duration   time.Duration
	FirstChunk time.Duration // zero when nothing was relayed
}

// Stats returns the counters recorded so far.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.ended
	if end.IsZero() {
		end = time.Now()
	}
	st := Stats{
		Chunks:   s.chunks,
		Bytes:    s.bytes,
		Duration: end.Sub(s.started),
	}
	if !s.firstChunk.IsZero() {
		st.FirstChunk = s.firstChunk.Sub(s.started)
	}
	return st
}
