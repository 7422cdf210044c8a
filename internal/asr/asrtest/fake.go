// Package asrtest provides a scripted recognizer for tests.
package asrtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
)

var ErrInjected = errors.New("injected recognizer failure")

// Model builds Recognizers that treat every frame as one word, the frame
// bytes read as text. A frame equal to Boundary ends the utterance.
type Model struct {
	Boundary string
	// FailOn makes Accept fail when the frame equals it.
	FailOn string
	Delay  time.Duration

	mu      sync.Mutex
	created int
	closed  int
	started chan struct{}
}

func (m *Model) Name() string { return "fake" }

func (m *Model) NewRecognizer(sampleRate int, words bool) (asr.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return &Recognizer{model: m, words: words}, nil
}

func (m *Model) Close() error { return nil }

// Created and Closed count recognizer lifecycles.
func (m *Model) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func (m *Model) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Started returns a channel that receives once per Accept call, before any Delay.
func (m *Model) Started() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started == nil {
		m.started = make(chan struct{}, 64)
	}
	return m.started
}

func (m *Model) notifyStart() {
	m.mu.Lock()
	ch := m.started
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

type Recognizer struct {
	model  *Model
	words  bool
	buffer []string
	resets int
}

func (r *Recognizer) Accept(pcm []byte) (bool, []byte, error) {
	r.model.notifyStart()
	if r.model.Delay > 0 {
		time.Sleep(r.model.Delay)
	}
	frame := string(pcm)
	if r.model.FailOn != "" && frame == r.model.FailOn {
		return false, nil, ErrInjected
	}
	if r.model.Boundary != "" && frame == r.model.Boundary {
		out := r.final()
		r.buffer = nil
		return true, out, nil
	}
	if strings.TrimSpace(frame) != "" {
		r.buffer = append(r.buffer, frame)
	}
	return false, []byte(fmt.Sprintf(`{"partial" : %q}`, strings.Join(r.buffer, " "))), nil
}

func (r *Recognizer) final() []byte {
	text := strings.Join(r.buffer, " ")
	if !r.words || len(r.buffer) == 0 {
		return []byte(fmt.Sprintf(`{"text" : %q}`, text))
	}
	parts := make([]string, 0, len(r.buffer))
	for i, w := range r.buffer {
		parts = append(parts, fmt.Sprintf(`{"conf" : 1.0, "end" : %d.5, "start" : %d.0, "word" : %q}`, i, i, w))
	}
	return []byte(fmt.Sprintf(`{"result" : [%s], "text" : %q}`, strings.Join(parts, ", "), text))
}

func (r *Recognizer) Flush() ([]byte, error) {
	return r.final(), nil
}

func (r *Recognizer) Reset() error {
	r.buffer = nil
	r.resets++
	return nil
}

func (r *Recognizer) Resets() int { return r.resets }

func (r *Recognizer) Close() error {
	r.model.mu.Lock()
	defer r.model.mu.Unlock()
	r.model.closed++
	return nil
}
