package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"agent-gateway/internal/model"
)

// DefaultChunkSize is the upstream read buffer size.
const DefaultChunkSize = 32 * 1024

// Sink is the client side of a stream. Flush must not return before the
// written bytes have been handed to the connection.
type Sink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// StreamRelay copies an upstream body to a client one chunk at a time.
type StreamRelay struct {
	chunkSize  int
	inactivity time.Duration
}

// NewStreamRelay creates a StreamRelay. A zero inactivity window disables the
// inactivity watchdog.
func NewStreamRelay(chunkSize int, inactivity time.Duration) *StreamRelay {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamRelay{chunkSize: chunkSize, inactivity: inactivity}
}

// Pump reads a chunk from src, writes and flushes it to dst, and only then
// reads the next one. Chunks are never merged, split or reordered. It returns
// nil when src reaches EOF, otherwise a *model.ProxyError:
//   - KindClientDisconnected when dst fails or the session context is canceled
//   - KindTimeout when no chunk arrives within the inactivity window
//   - KindUpstreamProtocol when src fails
//
// Pump does not finish the session; the caller does that with the result.
func (r *StreamRelay) Pump(s *Session, src io.Reader, dst Sink) error {
	w := newWatchdog(r.inactivity, func() { s.cancel(model.ErrInactivityTimeout) })
	defer w.stop()

	buf := make([]byte, r.chunkSize)
	for {
		w.arm()
		n, readErr := src.Read(buf)
		w.disarm()

		if n > 0 {
			if err := writeChunk(dst, buf[:n]); err != nil {
				return model.NewProxyError(model.KindClientDisconnected, err, s.Delivered())
			}
			s.Record(n)
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		delivered := s.Delivered()
		switch {
		case w.fired():
			return model.NewProxyError(model.KindTimeout, model.ErrInactivityTimeout, delivered)
		case s.ClientGone():
			return model.NewProxyError(model.KindClientDisconnected, readErr, delivered)
		default:
			return model.NewProxyError(model.KindUpstreamProtocol, fmt.Errorf("read upstream chunk: %w", readErr), delivered)
		}
	}
}

func writeChunk(dst Sink, p []byte) error {
	if _, err := dst.Write(p); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := dst.Flush(); err != nil {
		return fmt.Errorf("flush chunk: %w", err)
	}
	return nil
}

// watchdog runs onStall when it stays armed longer than the window. It is
// armed only while waiting on the upstream, so a slow client never trips it.
type watchdog struct {
	window  time.Duration
	timer   *time.Timer
	tripped atomic.Bool
}

func newWatchdog(window time.Duration, onStall func()) *watchdog {
	w := &watchdog{window: window}
	if window > 0 {
		w.timer = time.AfterFunc(window, func() {
			w.tripped.Store(true)
			onStall()
		})
		w.timer.Stop()
	}
	return w
}

func (w *watchdog) arm() {
	if w.timer != nil && !w.tripped.Load() {
		w.timer.Reset(w.window)
	}
}

func (w *watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) stop() { w.disarm() }

func (w *watchdog) fired() bool { return w.tripped.Load() }

// ResponseSink writes chunks to an HTTP response as an event stream. The
// status line and headers are committed together with the first chunk, so a
// failure before any chunk can still produce a clean error response.
type ResponseSink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	committed    bool
}

// NewResponseSink wraps w. A positive writeTimeout bounds every chunk write.
func NewResponseSink(w http.ResponseWriter, writeTimeout time.Duration) *ResponseSink {
	return &ResponseSink{
		w:            w,
		rc:           http.NewResponseController(innermost(w)),
		writeTimeout: writeTimeout,
	}
}

// Write commits the stream headers if needed and writes p.
func (s *ResponseSink) Write(p []byte) (int, error) {
	s.Commit()
	if s.writeTimeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return 0, err
		}
	}
	return s.w.Write(p)
}

// Flush pushes buffered bytes to the connection and reports write failures.
func (s *ResponseSink) Flush() error {
	return s.rc.Flush()
}

// Commit sends the event-stream status and headers once.
func (s *ResponseSink) Commit() {
	if s.committed {
		return
	}
	s.committed = true
	h := s.w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Committed reports whether headers have been sent.
func (s *ResponseSink) Committed() bool {
	return s.committed
}

// innermost unwraps middleware writers so flush errors surface instead of
// being swallowed by a wrapper's Flush method.
func innermost(w http.ResponseWriter) http.ResponseWriter {
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return w
		}
		w = u.Unwrap()
	}
}
