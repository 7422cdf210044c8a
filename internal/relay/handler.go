package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/events"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/session"
)

// ErrConnClosed is returned by a Conn once the peer or the network has gone.
var ErrConnClosed = protocol.ErrConnClosed

// ErrStopped is returned by Serve once Stop has been called.
var ErrStopped = errors.New("relay: handler stopped")

// Conn is one client connection as seen by the handler.
type Conn interface {
	// Receive blocks for the next inbound message.
	Receive(ctx context.Context) (protocol.Inbound, error)
	// Send writes one outbound text message.
	Send(ctx context.Context, payload []byte) error
	Close() error
	RemoteAddr() string
	Transport() string
}

type Config struct {
	SampleRate   int
	WordsEnabled bool
	Workers      int
}

// Handler runs one session per connection. Recognizer calls of all
// connections share a bounded worker pool.
type Handler struct {
	cfg      Config
	model    asr.Model
	pool     *workerpool.WorkerPool
	observer events.Observer
	logger   *slog.Logger
	active   atomic.Int64

	mu       sync.Mutex
	stopping bool
	serving  sync.WaitGroup
}

func NewHandler(cfg Config, model asr.Model, observer events.Observer, logger *slog.Logger) *Handler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if observer == nil {
		observer = events.Nop{}
	}
	return &Handler{
		cfg:      cfg,
		model:    model,
		pool:     workerpool.New(cfg.Workers),
		observer: observer,
		logger:   logger,
	}
}

// Active is the number of connections being served.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Stop refuses new connections, waits for running ones to finish, then
// releases the worker pool. Callers cancel the serve contexts first.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	h.serving.Wait()
	h.pool.StopWait()
}

// begin registers a connection unless the handler is stopping.
func (h *Handler) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.serving.Add(1)
	return true
}

// Serve runs the receive, process, send loop until the connection closes or
// fails. Transport closure returns nil; recognizer and send failures are
// returned after the connection has been closed. After Stop the connection
// is closed right away and ErrStopped is returned.
func (h *Handler) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()
	if !h.begin() {
		return ErrStopped
	}
	defer h.serving.Done()

	sess, err := session.New(h.model, session.Config{
		SampleRate:   h.cfg.SampleRate,
		WordsEnabled: h.cfg.WordsEnabled,
	})
	if err != nil {
		h.logger.Error("create session failed", "remote", conn.RemoteAddr(), "error", err)
		return err
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	info := events.SessionInfo{
		ID:         sess.ID(),
		Engine:     h.model.Name(),
		Transport:  conn.Transport(),
		RemoteAddr: conn.RemoteAddr(),
		SampleRate: h.cfg.SampleRate,
		OpenedAt:   time.Now().UTC(),
	}
	logger := h.logger.With("session_id", info.ID, "remote", info.RemoteAddr, "transport", info.Transport)
	logger.Info("client connected")
	h.observer.SessionOpened(ctx, info)

	loopErr := h.loop(ctx, conn, sess, info, logger)

	if err := sess.Close(); err != nil {
		logger.Warn("release recognizer failed", "error", err)
	}
	stats := sess.Stats()
	h.observer.SessionClosed(context.WithoutCancel(ctx), info, stats, loopErr)

	switch {
	case loopErr == nil, errors.Is(loopErr, ErrConnClosed), errors.Is(loopErr, context.Canceled):
		logger.Info("connection closed", "frames", stats.Frames, "results", stats.Results())
		return nil
	default:
		logger.Error("connection terminated", "error", loopErr, "frames", stats.Frames, "results", stats.Results())
		return loopErr
	}
}

func (h *Handler) loop(ctx context.Context, conn Conn, sess *session.Session, info events.SessionInfo, logger *slog.Logger) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return err
		}

		var res asr.Result
		switch m := msg.(type) {
		case protocol.Audio:
			res, err = h.dispatch(func() (asr.Result, error) { return sess.Feed(m.PCM) })
		case protocol.EndOfStream:
			res, err = h.dispatch(sess.Flush)
		case protocol.Ignored:
			logger.Debug("ignored message", "reason", m.Reason)
			continue
		default:
			logger.Debug("ignored message", "type", fmt.Sprintf("%T", msg))
			continue
		}
		if err != nil {
			return fmt.Errorf("recognizer: %w", err)
		}

		// the connection may have gone while the recognizer was busy
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, err := protocol.Encode(res)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if err := conn.Send(ctx, payload); err != nil {
			return fmt.Errorf("%w: send result: %v", ErrConnClosed, err)
		}
		h.observer.ResultProduced(ctx, info, res)
	}
}

// dispatch runs fn on the shared pool and waits for it.
func (h *Handler) dispatch(fn func() (asr.Result, error)) (asr.Result, error) {
	var (
		res asr.Result
		err error
	)
	h.pool.SubmitWait(func() {
		res, err = fn()
	})
	return res, err
}
