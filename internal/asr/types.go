package asr

import (
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

var ErrEngineUnavailable = errors.New("asr engine unavailable")

// Kind tags a transcription result.
type Kind int

const (
	KindPartial Kind = iota
	KindFinal
	KindFinalOnFlush
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindFinalOnFlush:
		return "final_on_flush"
	default:
		return "unknown"
	}
}

// IsFinal reports whether results of this kind carry stable text.
func (k Kind) IsFinal() bool {
	return k == KindFinal || k == KindFinalOnFlush
}

// Result is one transcription result. Raw holds the recognizer's native JSON
// and is relayed to the client unchanged.
type Result struct {
	Kind Kind
	Raw  []byte
}

type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Transcript is the parsed view of a native result payload.
type Transcript struct {
	Text    string `json:"text,omitempty"`
	Partial string `json:"partial,omitempty"`
	Words   []Word `json:"result,omitempty"`
}

// Transcript decodes Raw. Partial payloads fill Partial, finals fill Text.
func (r Result) Transcript() (Transcript, error) {
	var t Transcript
	if len(r.Raw) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(r.Raw, &t); err != nil {
		return Transcript{}, err
	}
	return t, nil
}

// Body returns the text of a final or the hypothesis of a partial.
func (t Transcript) Body() string {
	if t.Text != "" {
		return strings.TrimSpace(t.Text)
	}
	return strings.TrimSpace(t.Partial)
}

// Recognizer is one stateful recognition stream. Implementations are not safe
// for concurrent use; a session owns its recognizer exclusively.
type Recognizer interface {
	// Accept pushes PCM s16le mono audio. When the engine detects an utterance
	// boundary it returns true and the final result for the completed utterance,
	// otherwise false and the current partial hypothesis.
	Accept(pcm []byte) (bool, []byte, error)
	// Flush returns a final result for whatever audio has accumulated.
	Flush() ([]byte, error)
	// Reset discards recognizer state and starts a fresh utterance.
	Reset() error
	Close() error
}

// Model is the shared, read-only engine resource recognizers are built from.
type Model interface {
	Name() string
	NewRecognizer(sampleRate int, words bool) (Recognizer, error)
	Close() error
}

// EmptyFinal is the payload of a final result with no recognized speech.
var EmptyFinal = []byte(`{"text": ""}`)

// EmptyPartial is the payload of a partial result with no hypothesis.
var EmptyPartial = []byte(`{"partial": ""}`)
