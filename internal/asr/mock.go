package asr

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/goccy/go-json"
)

const (
	mockVADThreshold   = 0.015
	mockWindowMillis   = 20
	mockHangoverMillis = 500
)

// MockModel builds energy-VAD recognizers. They find utterance boundaries
// from RMS energy and label each utterance instead of recognizing words.
type MockModel struct{}

func (m *MockModel) Name() string {
	return "mock"
}

func (m *MockModel) NewRecognizer(sampleRate int, words bool) (Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	window := sampleRate * mockWindowMillis / 1000
	if window == 0 {
		window = 1
	}
	return &mockRecognizer{
		sampleRate: sampleRate,
		words:      words,
		window:     window,
		hangover:   sampleRate * mockHangoverMillis / 1000,
	}, nil
}

func (m *MockModel) Close() error {
	return nil
}

type utterance struct {
	index int
	start int
	end   int
}

type mockRecognizer struct {
	mu         sync.Mutex
	sampleRate int
	words      bool
	window     int
	hangover   int

	pending    []byte
	samples    []int16
	pos        int
	inSpeech   bool
	start      int
	lastVoice  int
	silenceRun int
	segments   int
	completed  []utterance
	closed     bool
}

func (r *mockRecognizer) Accept(pcm []byte) (bool, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil, ErrEngineUnavailable
	}

	r.pending = append(r.pending, pcm...)
	n := len(r.pending) / 2
	for i := 0; i < n; i++ {
		r.samples = append(r.samples, int16(binary.LittleEndian.Uint16(r.pending[2*i:])))
	}
	r.pending = r.pending[2*n:]

	for len(r.samples) >= r.window {
		r.analyze(r.samples[:r.window])
		r.samples = r.samples[r.window:]
	}

	if len(r.completed) > 0 {
		u := r.completed[0]
		r.completed = r.completed[1:]
		out, err := r.final(u)
		return true, out, err
	}
	return false, r.partial(), nil
}

func (r *mockRecognizer) analyze(window []int16) {
	var sum float64
	for _, s := range window {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(window)))

	if rms > mockVADThreshold {
		if !r.inSpeech {
			r.inSpeech = true
			r.start = r.pos
		}
		r.silenceRun = 0
		r.lastVoice = r.pos + len(window)
	} else if r.inSpeech {
		r.silenceRun += len(window)
		if r.silenceRun >= r.hangover {
			r.closeUtterance()
		}
	}
	r.pos += len(window)
}

func (r *mockRecognizer) closeUtterance() {
	r.segments++
	r.completed = append(r.completed, utterance{index: r.segments, start: r.start, end: r.lastVoice})
	r.inSpeech = false
	r.silenceRun = 0
}

func (r *mockRecognizer) label(index int) string {
	return fmt.Sprintf("utterance %d", index)
}

func (r *mockRecognizer) partial() []byte {
	if !r.inSpeech {
		return EmptyPartial
	}
	out, err := json.Marshal(Transcript{Partial: r.label(r.segments + 1)})
	if err != nil {
		return EmptyPartial
	}
	return out
}

func (r *mockRecognizer) final(u utterance) ([]byte, error) {
	type payload struct {
		Words []Word `json:"result,omitempty"`
		Text  string `json:"text"`
	}
	p := payload{Text: r.label(u.index)}
	if r.words {
		start := float64(u.start) / float64(r.sampleRate)
		end := float64(u.end) / float64(r.sampleRate)
		mid := start + (end-start)/2
		p.Words = []Word{
			{Word: "utterance", Start: start, End: mid, Conf: 1},
			{Word: fmt.Sprint(u.index), Start: mid, End: end, Conf: 1},
		}
	}
	return json.Marshal(p)
}

func (r *mockRecognizer) Flush() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrEngineUnavailable
	}
	if len(r.completed) > 0 {
		u := r.completed[0]
		r.completed = r.completed[1:]
		return r.final(u)
	}
	if r.inSpeech {
		r.closeUtterance()
		u := r.completed[0]
		r.completed = r.completed[1:]
		return r.final(u)
	}
	return EmptyFinal, nil
}

func (r *mockRecognizer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.samples = nil
	r.inSpeech = false
	r.silenceRun = 0
	r.completed = nil
	return nil
}

func (r *mockRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
