package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/asr"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/session"
)

const publishTimeout = 2 * time.Second

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// FinalEvent is published for every final transcript.
type FinalEvent struct {
	SessionID string     `json:"session_id"`
	Kind      string     `json:"kind"`
	Text      string     `json:"text"`
	Words     []asr.Word `json:"result,omitempty"`
	TsMS      int64      `json:"ts_ms"`
}

// MQTTPublisher relays session presence and final transcripts to a broker.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client paho.Client
	logger *slog.Logger
}

func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg, logger: logger}
}

func (p *MQTTPublisher) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Error("mqtt connection lost", "error", err)
	})

	p.client = paho.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	go func() {
		<-ctx.Done()
		p.client.Disconnect(100)
	}()
	return nil
}

func (p *MQTTPublisher) SessionOpened(_ context.Context, info SessionInfo) {
	p.publish(TopicOnline(p.cfg.TopicPrefix, info.ID), []byte("1"))
}

func (p *MQTTPublisher) ResultProduced(_ context.Context, info SessionInfo, res asr.Result) {
	if !res.Kind.IsFinal() {
		return
	}
	body, err := finalEventPayload(info, res, time.Now())
	if err != nil {
		p.logger.Warn("skip undecodable final", "session_id", info.ID, "error", err)
		return
	}
	p.publish(TopicFinal(p.cfg.TopicPrefix, info.ID), body)
}

func finalEventPayload(info SessionInfo, res asr.Result, now time.Time) ([]byte, error) {
	t, err := res.Transcript()
	if err != nil {
		return nil, err
	}
	return json.Marshal(FinalEvent{
		SessionID: info.ID,
		Kind:      res.Kind.String(),
		Text:      t.Body(),
		Words:     t.Words,
		TsMS:      now.UnixMilli(),
	})
}

func (p *MQTTPublisher) SessionClosed(_ context.Context, info SessionInfo, _ session.Stats, _ error) {
	p.publish(TopicOnline(p.cfg.TopicPrefix, info.ID), []byte("0"))
}

// publish hands the message to the client and returns at once. The client
// keeps publish order; the delivery outcome is only logged.
func (p *MQTTPublisher) publish(topic string, body []byte) {
	if p.client == nil {
		return
	}
	token := p.client.Publish(topic, 1, false, body)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}

func TopicOnline(prefix, sessionID string) string {
	return fmt.Sprintf("%s/session/%s/online", prefix, sessionID)
}

func TopicFinal(prefix, sessionID string) string {
	return fmt.Sprintf("%s/session/%s/final", prefix, sessionID)
}
