// Package events publishes purchase token lifecycle events for downstream
// entitlement consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

const DefaultSubject = "billing.purchase.acknowledged"

// Acknowledged is the payload published once per acknowledged purchase token.
type Acknowledged struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	PurchaseTokenID string    `json:"purchase_token_id"`
	ExpiryAt        time.Time `json:"expiry_at"`
	AcknowledgedAt  time.Time `json:"acknowledged_at"`
}

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher implements lifecycle.Notifier on a NATS subject.
type NATSPublisher struct {
	conn    conn
	subject string
	log     *zap.Logger
	newID   func() string
}

// Connect dials url with reconnect handling and returns the connection.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("purchase-tokens"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

func NewNATSPublisher(c conn, subject string, log *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{conn: c, subject: subject, log: log, newID: uuid.NewString}
}

func (p *NATSPublisher) Acknowledged(ctx context.Context, rec tokens.PurchaseToken) error {
	if rec.Status != tokens.StatusAcknowledged {
		return errors.New("events: record is not acknowledged")
	}
	data, err := json.Marshal(Acknowledged{
		ID:              p.newID(),
		UserID:          rec.UserID,
		PurchaseTokenID: rec.ID,
		ExpiryAt:        rec.ExpiryAt,
		AcknowledgedAt:  rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal acknowledged event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	p.log.Debug("published acknowledged event",
		zap.String("subject", p.subject), zap.String("purchase_token_id", rec.ID))
	return nil
}
