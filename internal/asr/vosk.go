//go:build vosk

package asr

import (
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// VoskAvailable reports whether the binary was built with libvosk support.
const VoskAvailable = true

// voskModel wraps one loaded Kaldi model. It is loaded once and shared
// read-only by every recognizer created from it.
type voskModel struct {
	path  string
	model *vosk.VoskModel

	closeOnce sync.Once
}

func openVosk(path string) (Model, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("load vosk model %q: %w", path, err)
	}
	return &voskModel{path: path, model: model}, nil
}

func (m *voskModel) Name() string {
	return "vosk"
}

func (m *voskModel) NewRecognizer(sampleRate int, words bool) (Recognizer, error) {
	rec, err := vosk.NewRecognizer(m.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	if words {
		rec.SetWords(1)
	}
	return &voskRecognizer{rec: rec}, nil
}

func (m *voskModel) Close() error {
	m.closeOnce.Do(func() {
		m.model.Free()
	})
	return nil
}

type voskRecognizer struct {
	rec *vosk.VoskRecognizer
}

func (r *voskRecognizer) Accept(pcm []byte) (bool, []byte, error) {
	switch r.rec.AcceptWaveform(pcm) {
	case 1:
		return true, []byte(r.rec.Result()), nil
	case 0:
		return false, []byte(r.rec.PartialResult()), nil
	default:
		return false, nil, fmt.Errorf("vosk rejected waveform")
	}
}

func (r *voskRecognizer) Flush() ([]byte, error) {
	return []byte(r.rec.FinalResult()), nil
}

func (r *voskRecognizer) Reset() error {
	r.rec.Reset()
	return nil
}

func (r *voskRecognizer) Close() error {
	r.rec.Free()
	return nil
}
