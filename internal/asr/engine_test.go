package asr

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestOpenEngines(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		engine  string
		want    string
		wantErr bool
	}{
		{engine: "mock", want: "mock"},
		{engine: " MOCK ", want: "mock"},
		{engine: "bridge", want: "bridge"},
		{engine: "whisper", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			model, err := Open(EngineConfig{Engine: tt.engine, BridgeURL: "ws://localhost:2700"}, logger)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for engine %q", tt.engine)
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer model.Close()
			if model.Name() != tt.want {
				t.Fatalf("name=%s, want %s", model.Name(), tt.want)
			}
		})
	}
}

func TestOpenAutoWithoutVosk(t *testing.T) {
	if VoskAvailable {
		t.Skip("built with vosk")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	model, err := Open(EngineConfig{Engine: "auto"}, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if model.Name() != "mock" {
		t.Fatalf("auto engine=%s, want mock", model.Name())
	}

	_, err = Open(EngineConfig{Engine: "vosk", ModelPath: "model"}, logger)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("vosk err=%v, want ErrEngineUnavailable", err)
	}
}
