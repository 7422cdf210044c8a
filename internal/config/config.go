package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

type RelayConfig struct {
	HTTPAddr        string
	ModelPath       string
	SampleRate      int
	Engine          string
	WordsEnabled    bool
	BridgeURL       string
	Workers         int
	MaxMessageBytes int64
	LogLevel        slog.Level
	RTCEnabled      bool
	ICEUDPPort      int
	ICEPublicIP     string
	DBDSN           string
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
}

type StreamConfig struct {
	URL        string
	ChunkBytes int
	Realtime   bool
}

func LoadRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:        getenvDefault("RELAY_HTTP_ADDR", ":8765"),
		ModelPath:       getenvDefault("MODEL_PATH", "model"),
		SampleRate:      getenvIntDefault("SAMPLE_RATE", 48000),
		Engine:          strings.ToLower(getenvDefault("ASR_ENGINE", "auto")),
		WordsEnabled:    getenvBoolDefault("ASR_WORDS", true),
		BridgeURL:       getenvDefault("ASR_BRIDGE_URL", "ws://127.0.0.1:2700"),
		Workers:         getenvIntDefault("WORKER_POOL_SIZE", runtime.NumCPU()),
		MaxMessageBytes: int64(getenvIntDefault("MAX_MESSAGE_BYTES", 1<<20)),
		LogLevel:        parseLevel(getenvDefault("LOG_LEVEL", "info")),
		RTCEnabled:      getenvBoolDefault("RTC_ENABLED", false),
		ICEUDPPort:      getenvIntDefault("ICE_UDP_PORT", 0),
		ICEPublicIP:     os.Getenv("ICE_PUBLIC_IP"),
		DBDSN:           os.Getenv("DB_DSN"),
		MQTTBrokerURL:   os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "transcriptor"),
		MQTTUsername:    os.Getenv("MQTT_USERNAME"),
		MQTTPassword:    os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "transcriptor"),
	}
}

// Validate checks a config after env and flags have been applied.
func (c RelayConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.Workers)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("RELAY_HTTP_ADDR is required")
	}
	switch c.Engine {
	case "auto", "mock", "vosk":
	case "bridge":
		if c.BridgeURL == "" {
			return fmt.Errorf("ASR_BRIDGE_URL is required when ASR_ENGINE=bridge")
		}
	default:
		return fmt.Errorf("unsupported ASR_ENGINE %q", c.Engine)
	}
	return nil
}

func LoadStreamConfig() StreamConfig {
	return StreamConfig{
		URL:        getenvDefault("RELAY_URL", "ws://localhost:8765"),
		ChunkBytes: getenvIntDefault("STREAM_CHUNK_BYTES", 8000),
		Realtime:   getenvBoolDefault("STREAM_REALTIME", false),
	}
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}

func getenvBoolDefault(key string, val bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return val
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return val
	}
	return b
}
