package ws

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr/asrtest"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/events"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/relay"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/session"
)

type closedSession struct {
	stats session.Stats
	cause error
}

type recordingObserver struct {
	events.Nop
	closed chan closedSession
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(chan closedSession, 8)}
}

func (o *recordingObserver) SessionClosed(_ context.Context, _ events.SessionInfo, stats session.Stats, cause error) {
	o.closed <- closedSession{stats: stats, cause: cause}
}

func (o *recordingObserver) waitClosed(t *testing.T) closedSession {
	t.Helper()
	select {
	case c := <-o.closed:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("session was not closed")
		return closedSession{}
	}
}

func startRelay(t *testing.T, model asr.Model, observer events.Observer) (string, *relay.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := relay.NewHandler(relay.Config{SampleRate: 48000, WordsEnabled: true, Workers: 4}, model, observer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewServer(ctx, handler, 1<<20, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		handler.Stop()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), handler
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, messageType int, payload []byte) {
	t.Helper()
	if err := conn.WriteMessage(messageType, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) asr.Transcript {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type=%d, want text", mt)
	}
	var tr asr.Transcript
	if err := json.Unmarshal(payload, &tr); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return tr
}

func pcmTone(seconds float64) []byte {
	n := int(48000 * seconds)
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/48000)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

func pcmSilence(seconds float64) []byte {
	return make([]byte, 2*int(48000*seconds))
}

func TestSilenceYieldsEmptyPartials(t *testing.T) {
	url, _ := startRelay(t, &asr.MockModel{}, nil)
	conn := dial(t, url)

	for i := 0; i < 3; i++ {
		send(t, conn, websocket.BinaryMessage, pcmSilence(0.25))
		got := read(t, conn)
		if got.Text != "" || got.Partial != "" {
			t.Fatalf("frame %d: got=%+v, want empty partial", i, got)
		}
	}
}

func TestUtteranceEndsWithFinal(t *testing.T) {
	url, _ := startRelay(t, &asr.MockModel{}, nil)
	conn := dial(t, url)

	for i := 0; i < 3; i++ {
		send(t, conn, websocket.BinaryMessage, pcmTone(0.25))
		got := read(t, conn)
		if got.Text != "" {
			t.Fatalf("frame %d: unexpected final %q", i, got.Text)
		}
	}
	send(t, conn, websocket.BinaryMessage, pcmSilence(0.6))
	got := read(t, conn)
	if got.Text == "" {
		t.Fatalf("expected final with text on 4th frame")
	}
	if len(got.Words) == 0 {
		t.Fatalf("expected word details on final")
	}

	// back to empty: flush has nothing to finalize
	send(t, conn, websocket.TextMessage, []byte(`{"eof": 1}`))
	if got := read(t, conn); got.Text != "" {
		t.Fatalf("flush after final text=%q, want empty", got.Text)
	}
}

func TestEOFWithoutAudioKeepsConnectionOpen(t *testing.T) {
	model := &asrtest.Model{}
	url, _ := startRelay(t, model, nil)
	conn := dial(t, url)

	send(t, conn, websocket.TextMessage, []byte(`{"eof": 1}`))
	if got := read(t, conn); got.Text != "" || got.Partial != "" {
		t.Fatalf("empty flush got=%+v", got)
	}

	send(t, conn, websocket.BinaryMessage, []byte("still"))
	if got := read(t, conn); got.Partial != "still" {
		t.Fatalf("partial=%q, want still", got.Partial)
	}
	send(t, conn, websocket.TextMessage, []byte(`{"eof": 1}`))
	if got := read(t, conn); got.Text != "still" {
		t.Fatalf("flush text=%q, want still", got.Text)
	}
}

func TestResultsKeepFrameOrder(t *testing.T) {
	url, _ := startRelay(t, &asrtest.Model{Delay: 5 * time.Millisecond}, nil)
	conn := dial(t, url)

	frames := []string{"one", "two", "three"}
	for _, f := range frames {
		send(t, conn, websocket.BinaryMessage, []byte(f))
	}
	want := []string{"one", "one two", "one two three"}
	for i, w := range want {
		if got := read(t, conn); got.Partial != w {
			t.Fatalf("result %d partial=%q, want %q", i, got.Partial, w)
		}
	}
}

func TestIgnoredControlMessagesGetNoReply(t *testing.T) {
	url, _ := startRelay(t, &asrtest.Model{}, nil)
	conn := dial(t, url)

	send(t, conn, websocket.TextMessage, []byte("garbage"))
	send(t, conn, websocket.TextMessage, []byte(`{"eof": 0}`))
	send(t, conn, websocket.TextMessage, []byte(`{"hello": "world"}`))
	send(t, conn, websocket.BinaryMessage, []byte("audio"))

	if got := read(t, conn); got.Partial != "audio" {
		t.Fatalf("first reply=%+v, want partial for the audio frame", got)
	}
}

func TestConnectionsAreIsolated(t *testing.T) {
	url, _ := startRelay(t, &asrtest.Model{Boundary: "."}, nil)
	a := dial(t, url)
	b := dial(t, url)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, tc := range []struct {
		conn  *websocket.Conn
		words []string
	}{
		{conn: a, words: []string{"alpha", "apple", "."}},
		{conn: b, words: []string{"bravo", "banana", "."}},
	} {
		wg.Add(1)
		go func(i int, conn *websocket.Conn, words []string) {
			defer wg.Done()
			var last asr.Transcript
			for _, w := range words {
				if err := conn.WriteMessage(websocket.BinaryMessage, []byte(w)); err != nil {
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				_, payload, err := conn.ReadMessage()
				if err != nil {
					return
				}
				_ = json.Unmarshal(payload, &last)
			}
			results[i] = last.Text
		}(i, tc.conn, tc.words)
	}
	wg.Wait()

	if results[0] != "alpha apple" || results[1] != "bravo banana" {
		t.Fatalf("results=%q, want [alpha apple, bravo banana]", results)
	}
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	model := &asrtest.Model{}
	observer := newRecordingObserver()
	url, handler := startRelay(t, model, observer)
	conn := dial(t, url)

	for _, f := range []string{"f1", "f2"} {
		send(t, conn, websocket.BinaryMessage, []byte(f))
		read(t, conn)
	}
	_ = conn.Close()

	closed := observer.waitClosed(t)
	if closed.stats.Frames != 2 || closed.stats.Results() != 2 {
		t.Fatalf("stats=%+v, want 2 frames and 2 results", closed.stats)
	}
	if events.CloseReason(closed.cause) != "closed" {
		t.Fatalf("close cause=%v, want transport closed", closed.cause)
	}
	if model.Closed() != 1 {
		t.Fatalf("recognizers released=%d, want 1", model.Closed())
	}
	deadline := time.Now().Add(2 * time.Second)
	for handler.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.Active() != 0 {
		t.Fatalf("active=%d, want 0", handler.Active())
	}
}

func TestRecognizerFailureClosesConnection(t *testing.T) {
	model := &asrtest.Model{FailOn: "bad"}
	observer := newRecordingObserver()
	url, _ := startRelay(t, model, observer)
	conn := dial(t, url)

	send(t, conn, websocket.BinaryMessage, []byte("bad"))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}

	closed := observer.waitClosed(t)
	if closed.cause == nil || !strings.Contains(events.CloseReason(closed.cause), "injected") {
		t.Fatalf("close cause=%v, want recognizer failure", closed.cause)
	}

	// other connections keep working
	other := dial(t, url)
	send(t, other, websocket.BinaryMessage, []byte("fine"))
	if got := read(t, other); got.Partial != "fine" {
		t.Fatalf("partial=%q, want fine", got.Partial)
	}
}
