package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/domain/security"
)

const (
	// DefaultAlertSubject is used when no subject is configured
	DefaultAlertSubject = "security.alerts"
	ConnectTimeout      = 5 * time.Second
	ReconnectWait       = 2 * time.Second
	// MaxReconnects of -1 retries forever
	MaxReconnects = -1
)

// AlertPublisher fans new alerts out to downstream consumers
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *security.Alert) error
	Close() error
}

// NATSAlertPublisher publishes alerts as JSON on a NATS subject
type NATSAlertPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSAlertPublisher connects to url; reconnection is handled by the client
func NewNATSAlertPublisher(url, subject string, logger *zap.Logger) (*NATSAlertPublisher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if subject == "" {
		subject = DefaultAlertSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("threatguard-alerts"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("nats alert publisher initialized", zap.String("url", url), zap.String("subject", subject))

	return &NATSAlertPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// PublishAlert sends one alert; it never blocks on the network beyond the client's buffer
func (p *NATSAlertPublisher) PublishAlert(ctx context.Context, alert *security.Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("x-alert-id", alert.ID)
	msg.Header.Set("x-alert-type", string(alert.Type))
	msg.Header.Set("x-alert-severity", string(alert.Severity))

	if err := p.conn.PublishMsg(msg); err != nil {
		p.logger.Error("failed to publish alert", zap.String("alert_id", alert.ID), zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Debug("alert published", zap.String("alert_id", alert.ID), zap.String("subject", p.subject))
	return nil
}

// IsReady reports whether the connection is up
func (p *NATSAlertPublisher) IsReady() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains buffered alerts and closes the connection
func (p *NATSAlertPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("nats drain failed: %w", err)
	}
	p.logger.Info("nats alert publisher closed")
	return nil
}

// NoopPublisher discards alerts
type NoopPublisher struct{}

func (NoopPublisher) PublishAlert(context.Context, *security.Alert) error { return nil }
func (NoopPublisher) Close() error                                        { return nil }
