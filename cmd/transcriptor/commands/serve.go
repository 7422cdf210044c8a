package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/config"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/events"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/relay"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/transport/rtc"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription relay",
	Long: `Run the transcription relay.

Websocket clients connect on / or /ws. When RTC_ENABLED is set, WebRTC
clients POST an SDP offer to /offer and stream over a data channel
labelled "audio".

Examples:
  transcriptor serve
  transcriptor serve --engine mock --sample-rate 16000
  ASR_ENGINE=bridge ASR_BRIDGE_URL=ws://127.0.0.1:2700 transcriptor serve`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.LoadRelayConfig()
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", "", "listen address (RELAY_HTTP_ADDR)")
	f.String("model", "", "model directory (MODEL_PATH)")
	f.Int("sample-rate", 0, "PCM sample rate in Hz (SAMPLE_RATE)")
	f.String("engine", "", "recognizer engine: auto, vosk, bridge or mock (ASR_ENGINE)")
	f.Bool("words", true, "include per-word details in finals (ASR_WORDS)")
	f.Int("workers", 0, "recognizer worker pool size (WORKER_POOL_SIZE)")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.RelayConfig) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.HTTPAddr, _ = f.GetString("addr")
	}
	if f.Changed("model") {
		cfg.ModelPath, _ = f.GetString("model")
	}
	if f.Changed("sample-rate") {
		cfg.SampleRate, _ = f.GetInt("sample-rate")
	}
	if f.Changed("engine") {
		engine, _ := f.GetString("engine")
		cfg.Engine = strings.ToLower(engine)
	}
	if f.Changed("words") {
		cfg.WordsEnabled, _ = f.GetBool("words")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
}

func runServe(cfg config.RelayConfig) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model, err := asr.Open(asr.EngineConfig{
		Engine:    cfg.Engine,
		ModelPath: cfg.ModelPath,
		BridgeURL: cfg.BridgeURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("open asr model: %w", err)
	}
	defer model.Close()

	observer, closeObservers, err := buildObservers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeObservers()

	handler := relay.NewHandler(relay.Config{
		SampleRate:   cfg.SampleRate,
		WordsEnabled: cfg.WordsEnabled,
		Workers:      cfg.Workers,
	}, model, observer, logger)

	wsServer := ws.NewServer(ctx, handler, cfg.MaxMessageBytes, logger)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"engine":   model.Name(),
			"sessions": handler.Active(),
		})
	})
	r.Get("/", wsServer.ServeHTTP)
	r.Get("/ws", wsServer.ServeHTTP)

	if cfg.RTCEnabled {
		rtcServer, err := rtc.NewServer(ctx, rtc.Config{
			ICEUDPPort:  cfg.ICEUDPPort,
			ICEPublicIP: cfg.ICEPublicIP,
		}, handler, logger)
		if err != nil {
			return fmt.Errorf("init webrtc: %w", err)
		}
		defer rtcServer.Close()
		r.Post("/offer", rtcServer.HandleOffer)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("transcriptor started",
			"addr", cfg.HTTPAddr,
			"engine", model.Name(),
			"sample_rate", cfg.SampleRate,
			"workers", cfg.Workers,
			"rtc", cfg.RTCEnabled,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	// hijacked websocket connections are not tracked by Shutdown
	cancel()
	handler.Stop()
	logger.Info("transcriptor stopped")
	return nil
}

// buildObservers wires the optional session observers. Each one is enabled
// only when its endpoint is configured.
func buildObservers(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (events.Observer, func(), error) {
	var fanout events.Fanout
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DBDSN != "" {
		ledger, err := events.NewLedger(ctx, cfg.DBDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		closers = append(closers, ledger.Close)
		if err := ledger.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate db: %w", err)
		}
		fanout = append(fanout, ledger)
		logger.Info("session ledger enabled")
	}

	if cfg.MQTTBrokerURL != "" {
		publisher := events.NewMQTTPublisher(events.MQTTConfig{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, logger)
		if err := publisher.Start(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("start mqtt publisher: %w", err)
		}
		fanout = append(fanout, publisher)
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTTBrokerURL, "topic_prefix", cfg.MQTTTopicPrefix)
	}

	if len(fanout) == 0 {
		return events.Nop{}, closeAll, nil
	}
	return fanout, closeAll, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
