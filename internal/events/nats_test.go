package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

type fakeConn struct {
	subject string
	data    []byte
	err     error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestAcknowledged(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	fc := &fakeConn{}
	p := NewNATSPublisher(fc, "", nil)
	p.newID = func() string { return "evt-1" }

	err := p.Acknowledged(context.Background(), tokens.PurchaseToken{
		ID: "id-1", UserID: "u1", PurchaseToken: "raw", Status: tokens.StatusAcknowledged,
		ExpiryAt: now.Add(time.Hour), UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, fc.subject)
	assert.NotContains(t, string(fc.data), "raw")

	var evt Acknowledged
	require.NoError(t, json.Unmarshal(fc.data, &evt))
	assert.Equal(t, Acknowledged{
		ID: "evt-1", UserID: "u1", PurchaseTokenID: "id-1",
		ExpiryAt: now.Add(time.Hour), AcknowledgedAt: now,
	}, evt)
}

func TestAcknowledged_Errors(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNATSPublisher(fc, "custom.subject", nil)

	err := p.Acknowledged(context.Background(), tokens.PurchaseToken{ID: "id-1", Status: tokens.StatusAcknowledged})
	assert.ErrorIs(t, err, fc.err)
	assert.Equal(t, "custom.subject", fc.subject)

	err = p.Acknowledged(context.Background(), tokens.PurchaseToken{ID: "id-1", Status: tokens.StatusExpired})
	assert.Error(t, err)
}
