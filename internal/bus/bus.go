// Package bus publishes signal and decision events to NATS. Publishing
// is best-effort: the trading loop never fails because the bus is down.
package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fibflow/fibflow/internal/config"
)

// Publisher fans trading events out to NATS subjects.
type Publisher struct {
	conn            *nats.Conn
	signalSubject   string
	decisionSubject string
	logger          zerolog.Logger
}

// SignalEvent is the wire form of an executed signal.
type SignalEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Signal    interface{} `json:"signal"`
}

// DecisionEvent is the wire form of a pipeline decision, including
// rejections and trade closures.
type DecisionEvent struct {
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Connect dials NATS. A disabled configuration yields a nil Publisher,
// which is safe to call.
func Connect(cfg config.NATSConfig, logger zerolog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		logger.Debug().Msg("NATS bus disabled")
		return nil, nil
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("url", cfg.URL).
		Str("signal_subject", cfg.SignalSubject).
		Msg("Connected to NATS")

	return &Publisher{
		conn:            conn,
		signalSubject:   cfg.SignalSubject,
		decisionSubject: cfg.DecisionTopic,
		logger:          logger,
	}, nil
}

// PublishSignal emits an executed signal. Failures are logged, never
// returned.
func (p *Publisher) PublishSignal(signal interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	p.publish(p.signalSubject, SignalEvent{
		Type:      "signal_executed",
		Timestamp: time.Now().UTC(),
		Signal:    signal,
	})
}

// PublishDecision emits a pipeline decision event.
func (p *Publisher) PublishDecision(eventType, symbol string, details map[string]interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	p.publish(p.decisionSubject, DecisionEvent{
		Type:      eventType,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}

func (p *Publisher) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to marshal bus event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish bus event")
		return
	}
	p.logger.Debug().Str("subject", subject).Msg("Event published")
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
