package asr

import (
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	bridgeDialMaxAttempts = 5
	bridgeDialRetryDelay  = 1 * time.Second
	bridgeIOTimeout       = 30 * time.Second
)

// WSBridgeModel forwards audio to a vosk-server compatible websocket endpoint.
// Each recognizer owns one upstream stream, opened on first use.
type WSBridgeModel struct {
	BaseURL     string
	Dialer      *websocket.Dialer
	MaxAttempts int
	RetryDelay  time.Duration
}

func (m *WSBridgeModel) Name() string {
	return "bridge"
}

func (m *WSBridgeModel) NewRecognizer(sampleRate int, words bool) (Recognizer, error) {
	if m.BaseURL == "" {
		return nil, fmt.Errorf("ASR bridge URL is empty")
	}
	if _, err := url.Parse(m.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid ASR bridge URL: %w", err)
	}
	return &wsBridgeRecognizer{
		model:      m,
		sampleRate: sampleRate,
		words:      words,
	}, nil
}

func (m *WSBridgeModel) Close() error {
	return nil
}

func (m *WSBridgeModel) dial() (*websocket.Conn, error) {
	dialer := m.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	attempts := m.MaxAttempts
	if attempts <= 0 {
		attempts = bridgeDialMaxAttempts
	}
	delay := m.RetryDelay
	if delay <= 0 {
		delay = bridgeDialRetryDelay
	}

	var (
		conn *websocket.Conn
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, _, err = dialer.Dial(m.BaseURL, nil)
		if err == nil {
			return conn, nil
		}
		if attempt < attempts {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf(
		"connect ASR bridge failed after %d attempts (%s): %w",
		attempts,
		delay,
		err,
	)
}

type bridgeConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
		Words      int `json:"words"`
	} `json:"config"`
}

type wsBridgeRecognizer struct {
	model      *WSBridgeModel
	sampleRate int
	words      bool
	conn       *websocket.Conn
}

func (r *wsBridgeRecognizer) ensureConn() (*websocket.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := r.model.dial()
	if err != nil {
		return nil, err
	}
	var cfg bridgeConfig
	cfg.Config.SampleRate = r.sampleRate
	if r.words {
		cfg.Config.Words = 1
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(bridgeIOTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send bridge config: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func (r *wsBridgeRecognizer) roundTrip(messageType int, payload []byte) ([]byte, error) {
	conn, err := r.ensureConn()
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(bridgeIOTimeout))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		r.drop()
		return nil, fmt.Errorf("write to ASR bridge: %w", err)
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(bridgeIOTimeout))
		mt, reply, err := conn.ReadMessage()
		if err != nil {
			r.drop()
			return nil, fmt.Errorf("read from ASR bridge: %w", err)
		}
		if mt == websocket.TextMessage {
			return reply, nil
		}
	}
}

func (r *wsBridgeRecognizer) Accept(pcm []byte) (bool, []byte, error) {
	reply, err := r.roundTrip(websocket.BinaryMessage, pcm)
	if err != nil {
		return false, nil, err
	}
	var fields struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(reply, &fields); err != nil {
		return false, nil, fmt.Errorf("decode ASR bridge reply: %w", err)
	}
	return fields.Text != nil, reply, nil
}

func (r *wsBridgeRecognizer) Flush() ([]byte, error) {
	if r.conn == nil {
		return EmptyFinal, nil
	}
	return r.roundTrip(websocket.TextMessage, []byte(`{"eof" : 1}`))
}

// Reset ends the upstream stream; the next Accept dials a fresh one.
func (r *wsBridgeRecognizer) Reset() error {
	// the upstream usually hangs up after eof already
	_ = r.drop()
	return nil
}

func (r *wsBridgeRecognizer) Close() error {
	return r.drop()
}

func (r *wsBridgeRecognizer) drop() error {
	if r.conn == nil {
		return nil
	}
	conn := r.conn
	r.conn = nil
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}
