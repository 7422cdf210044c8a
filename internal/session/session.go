package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
)

var ErrClosed = errors.New("session closed")

// State is the utterance state of a session.
type State int

const (
	// Empty: nothing accumulated since creation, the last boundary or the last flush.
	Empty State = iota
	// Accumulating: audio fed without an utterance boundary yet.
	Accumulating
)

func (s State) String() string {
	if s == Accumulating {
		return "accumulating"
	}
	return "empty"
}

type Config struct {
	SampleRate   int
	WordsEnabled bool
}

type Stats struct {
	Frames   int
	Bytes    int64
	Partials int
	Finals   int
	Flushes  int
}

// Results is the number of results produced so far.
func (s Stats) Results() int {
	return s.Partials + s.Finals + s.Flushes
}

// Session owns one recognizer for the lifetime of one connection.
// It is not safe for concurrent use.
type Session struct {
	id         string
	recognizer asr.Recognizer
	sampleRate int
	words      bool
	state      State
	stats      Stats
	closed     bool
}

func New(model asr.Model, cfg Config) (*Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	rec, err := model.NewRecognizer(cfg.SampleRate, cfg.WordsEnabled)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	return &Session{
		id:         uuid.NewString(),
		recognizer: rec,
		sampleRate: cfg.SampleRate,
		words:      cfg.WordsEnabled,
	}, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) SampleRate() int    { return s.sampleRate }
func (s *Session) WordsEnabled() bool { return s.words }
func (s *Session) State() State       { return s.state }
func (s *Session) Stats() Stats       { return s.stats }

// Feed pushes one audio frame. It returns a Final result when the recognizer
// crossed an utterance boundary and a Partial result otherwise.
func (s *Session) Feed(frame []byte) (asr.Result, error) {
	if s.closed {
		return asr.Result{}, ErrClosed
	}
	boundary, raw, err := s.recognizer.Accept(frame)
	if err != nil {
		return asr.Result{}, fmt.Errorf("accept waveform: %w", err)
	}
	s.stats.Frames++
	s.stats.Bytes += int64(len(frame))

	if boundary {
		s.state = Empty
		s.stats.Finals++
		return asr.Result{Kind: asr.KindFinal, Raw: raw}, nil
	}
	s.state = Accumulating
	s.stats.Partials++
	return asr.Result{Kind: asr.KindPartial, Raw: raw}, nil
}

// Flush forces a final result for the accumulated audio and resets the
// recognizer, so the session accepts new audio right away.
func (s *Session) Flush() (asr.Result, error) {
	if s.closed {
		return asr.Result{}, ErrClosed
	}
	// the recognizer may hold speech that started after the last boundary,
	// so it is asked even when the session state is Empty
	raw, err := s.recognizer.Flush()
	if err != nil {
		return asr.Result{}, fmt.Errorf("final result: %w", err)
	}
	if err := s.recognizer.Reset(); err != nil {
		return asr.Result{}, fmt.Errorf("reset recognizer: %w", err)
	}
	s.state = Empty
	s.stats.Flushes++
	return asr.Result{Kind: asr.KindFinalOnFlush, Raw: raw}, nil
}

// Close releases the recognizer. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.recognizer.Close()
}
