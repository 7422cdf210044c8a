//go:build !vosk

package asr

import "fmt"

const VoskAvailable = false

func openVosk(path string) (Model, error) {
	return nil, fmt.Errorf("%w: vosk support not compiled in (build with -tags vosk), model %q", ErrEngineUnavailable, path)
}
