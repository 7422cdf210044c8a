package events

import (
	"context"
	"time"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/session"
)

type SessionInfo struct {
	ID         string
	Engine     string
	Transport  string
	RemoteAddr string
	SampleRate int
	OpenedAt   time.Time
}

// Observer is told about session lifecycle and results. Implementations must
// not block for long and must not fail the connection.
type Observer interface {
	SessionOpened(ctx context.Context, info SessionInfo)
	ResultProduced(ctx context.Context, info SessionInfo, res asr.Result)
	SessionClosed(ctx context.Context, info SessionInfo, stats session.Stats, cause error)
}

type Nop struct{}

func (Nop) SessionOpened(context.Context, SessionInfo)                       {}
func (Nop) ResultProduced(context.Context, SessionInfo, asr.Result)          {}
func (Nop) SessionClosed(context.Context, SessionInfo, session.Stats, error) {}

// Fanout forwards every event to each observer in order.
type Fanout []Observer

func (f Fanout) SessionOpened(ctx context.Context, info SessionInfo) {
	for _, o := range f {
		o.SessionOpened(ctx, info)
	}
}

func (f Fanout) ResultProduced(ctx context.Context, info SessionInfo, res asr.Result) {
	for _, o := range f {
		o.ResultProduced(ctx, info, res)
	}
}

func (f Fanout) SessionClosed(ctx context.Context, info SessionInfo, stats session.Stats, cause error) {
	for _, o := range f {
		o.SessionClosed(ctx, info, stats, cause)
	}
}
