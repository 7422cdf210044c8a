package asr

import (
	"fmt"
	"log/slog"
	"strings"
)

type EngineConfig struct {
	Engine    string
	ModelPath string
	BridgeURL string
}

// Open loads the model for the configured engine. The returned model is
// shared by every session and must be closed on shutdown.
func Open(cfg EngineConfig, logger *slog.Logger) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Engine)) {
	case "mock":
		return &MockModel{}, nil
	case "bridge":
		return &WSBridgeModel{BaseURL: cfg.BridgeURL}, nil
	case "vosk":
		return openVosk(cfg.ModelPath)
	case "", "auto":
		if !VoskAvailable {
			logger.Warn("vosk not compiled in, falling back to mock engine")
			return &MockModel{}, nil
		}
		return openVosk(cfg.ModelPath)
	default:
		return nil, fmt.Errorf("unsupported ASR engine: %s", cfg.Engine)
	}
}
