package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/session"
)

const (
	ledgerTimeout   = 3 * time.Second
	ledgerQueueSize = 256
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type ledgerWrite struct {
	op        string
	sessionID string
	sql       string
	args      []any
}

// Ledger records one row per session: who connected, for how long and how
// much audio went through. Transcript text is never stored.
//
// Writes are queued and applied in order by one goroutine, so a slow
// database never holds up a connection. When the queue is full the write is
// dropped with a warning.
type Ledger struct {
	pool   *pgxpool.Pool
	db     execer
	logger *slog.Logger

	writes chan ledgerWrite
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func NewLedger(ctx context.Context, dsn string, logger *slog.Logger) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	l := newLedger(pool, logger)
	l.pool = pool
	return l, nil
}

func newLedger(db execer, logger *slog.Logger) *Ledger {
	l := &Ledger{
		db:     db,
		logger: logger,
		writes: make(chan ledgerWrite, ledgerQueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Close applies the queued writes, then closes the pool.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.writes)
	l.mu.Unlock()

	<-l.done
	if l.pool != nil {
		l.pool.Close()
	}
}

func (l *Ledger) run() {
	defer close(l.done)
	for w := range l.writes {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		if _, err := l.db.Exec(ctx, w.sql, w.args...); err != nil {
			l.logger.Warn("ledger "+w.op+" failed", "session_id", w.sessionID, "error", err)
		}
		cancel()
	}
}

func (l *Ledger) enqueue(w ledgerWrite) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.writes <- w:
	default:
		l.logger.Warn("ledger queue full, dropping "+w.op, "session_id", w.sessionID)
	}
}

func (l *Ledger) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			session_id TEXT PRIMARY KEY,
			engine TEXT NOT NULL,
			transport TEXT NOT NULL,
			remote_addr TEXT NOT NULL DEFAULT '',
			sample_rate INTEGER NOT NULL,
			frames INTEGER NOT NULL DEFAULT 0,
			audio_bytes BIGINT NOT NULL DEFAULT 0,
			partials INTEGER NOT NULL DEFAULT 0,
			finals INTEGER NOT NULL DEFAULT 0,
			flushes INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_opened ON relay_sessions(opened_at);`,
	}
	for _, q := range queries {
		if _, err := l.db.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const (
	insertSessionSQL = `
		INSERT INTO relay_sessions (session_id, engine, transport, remote_addr, sample_rate, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO NOTHING`
	closeSessionSQL = `
		UPDATE relay_sessions
		SET frames = $2, audio_bytes = $3, partials = $4, finals = $5, flushes = $6,
			close_reason = $7, closed_at = NOW()
		WHERE session_id = $1`
)

func (l *Ledger) SessionOpened(_ context.Context, info SessionInfo) {
	l.enqueue(ledgerWrite{
		op:        "insert",
		sessionID: info.ID,
		sql:       insertSessionSQL,
		args:      []any{info.ID, info.Engine, info.Transport, info.RemoteAddr, info.SampleRate, info.OpenedAt},
	})
}

func (l *Ledger) ResultProduced(context.Context, SessionInfo, asr.Result) {}

func (l *Ledger) SessionClosed(_ context.Context, info SessionInfo, stats session.Stats, cause error) {
	l.enqueue(ledgerWrite{
		op:        "update",
		sessionID: info.ID,
		sql:       closeSessionSQL,
		args:      []any{info.ID, stats.Frames, stats.Bytes, stats.Partials, stats.Finals, stats.Flushes, CloseReason(cause)},
	})
}

// CloseReason classifies why a session ended.
func CloseReason(cause error) string {
	switch {
	case cause == nil:
		return "closed"
	case errors.Is(cause, context.Canceled):
		return "shutdown"
	case errors.Is(cause, protocol.ErrConnClosed):
		return "closed"
	default:
		return "error: " + cause.Error()
	}
}
