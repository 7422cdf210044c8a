package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr/asrtest"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
)

// pipeConn is an in-memory Conn. Closing the inbox simulates the peer
// hanging up.
type pipeConn struct {
	inbox   chan protocol.Inbound
	sendErr error

	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbox: make(chan protocol.Inbound, 16)}
}

func (c *pipeConn) Receive(ctx context.Context) (protocol.Inbound, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.inbox:
		if !ok {
			return nil, ErrConnClosed
		}
		return msg, nil
	}
}

func (c *pipeConn) Send(_ context.Context, payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *pipeConn) RemoteAddr() string { return "pipe" }
func (c *pipeConn) Transport() string  { return "pipe" }

func (c *pipeConn) transcripts(t *testing.T) []asr.Transcript {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]asr.Transcript, 0, len(c.sent))
	for _, payload := range c.sent {
		var tr asr.Transcript
		if err := json.Unmarshal(payload, &tr); err != nil {
			t.Fatalf("decode %s: %v", payload, err)
		}
		out = append(out, tr)
	}
	return out
}

func newTestHandler(t *testing.T, model asr.Model) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(Config{SampleRate: 16000, Workers: 2}, model, nil, logger)
	t.Cleanup(h.Stop)
	return h
}

func TestServeOneResultPerFrameAndFlush(t *testing.T) {
	h := newTestHandler(t, &asrtest.Model{})
	conn := newPipeConn()

	conn.inbox <- protocol.Audio{PCM: []byte("a")}
	conn.inbox <- protocol.Audio{PCM: []byte("b")}
	conn.inbox <- protocol.Ignored{Reason: "not an object"}
	conn.inbox <- protocol.EndOfStream{}
	conn.inbox <- protocol.EndOfStream{}
	conn.inbox <- protocol.Audio{PCM: nil}
	close(conn.inbox)

	if err := h.Serve(context.Background(), conn); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	got := conn.transcripts(t)
	if len(got) != 5 {
		t.Fatalf("results=%d, want 5 (3 frames + 2 flushes)", len(got))
	}
	want := []asr.Transcript{
		{Partial: "a"},
		{Partial: "a b"},
		{Text: "a b"},
		{Text: ""},
		{Partial: ""},
	}
	for i := range want {
		if got[i].Text != want[i].Text || got[i].Partial != want[i].Partial {
			t.Fatalf("result %d got=%+v, want=%+v", i, got[i], want[i])
		}
	}
	if conn.closed == 0 {
		t.Fatalf("connection was not closed")
	}
	if h.Active() != 0 {
		t.Fatalf("active=%d, want 0", h.Active())
	}
}

func TestServeDiscardsResultAfterCancel(t *testing.T) {
	model := &asrtest.Model{Delay: 200 * time.Millisecond}
	started := model.Started()
	h := newTestHandler(t, model)
	conn := newPipeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, conn) }()

	conn.inbox <- protocol.Audio{PCM: []byte("late")}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("recognizer never started")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve err=%v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	if got := conn.transcripts(t); len(got) != 0 {
		t.Fatalf("sent=%+v, want nothing after cancel", got)
	}
	if model.Closed() != 1 {
		t.Fatalf("recognizers released=%d, want 1", model.Closed())
	}
}

func TestServeRecognizerFailure(t *testing.T) {
	h := newTestHandler(t, &asrtest.Model{FailOn: "bad"})
	conn := newPipeConn()
	conn.inbox <- protocol.Audio{PCM: []byte("ok")}
	conn.inbox <- protocol.Audio{PCM: []byte("bad")}
	conn.inbox <- protocol.Audio{PCM: []byte("never")}

	err := h.Serve(context.Background(), conn)
	if !errors.Is(err, asrtest.ErrInjected) {
		t.Fatalf("err=%v, want injected failure", err)
	}
	if got := conn.transcripts(t); len(got) != 1 {
		t.Fatalf("results=%d, want 1 before the failure", len(got))
	}
	if conn.closed == 0 {
		t.Fatalf("connection was not closed")
	}
}

func TestServeSendFailureIsTransportClose(t *testing.T) {
	h := newTestHandler(t, &asrtest.Model{})
	conn := newPipeConn()
	conn.sendErr = errors.New("broken pipe")
	conn.inbox <- protocol.Audio{PCM: []byte("a")}

	if err := h.Serve(context.Background(), conn); err != nil {
		t.Fatalf("Serve err=%v, want nil for a dead peer", err)
	}
}

func TestServeAfterStopRefusesConnection(t *testing.T) {
	model := &asrtest.Model{}
	h := newTestHandler(t, model)
	h.Stop()

	conn := newPipeConn()
	conn.inbox <- protocol.Audio{PCM: []byte("late")}
	if err := h.Serve(context.Background(), conn); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
	if conn.closed != 1 {
		t.Fatalf("closed=%d, want 1", conn.closed)
	}
	if model.Created() != 0 || len(conn.transcripts(t)) != 0 {
		t.Fatalf("stopped handler created a session")
	}
}

func TestStopRacesWithNewConnections(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(Config{SampleRate: 16000, Workers: 2}, &asrtest.Model{}, nil, logger)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newPipeConn()
			conn.inbox <- protocol.Audio{PCM: []byte("x")}
			conn.inbox <- protocol.EndOfStream{}
			close(conn.inbox)
			errs <- h.Serve(context.Background(), conn)
		}()
	}
	h.Stop()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrStopped) {
			t.Fatalf("Serve err=%v, want nil or ErrStopped", err)
		}
	}
	if h.Active() != 0 {
		t.Fatalf("active=%d, want 0", h.Active())
	}
}
