package tokens

import (
	"context"
	"iter"
	"time"
)

// Store is the single authority over purchase token records. It is the only
// component that writes status; every mutation goes through Transition.
type Store interface {
	// CreatePending inserts a pending record. Returns ErrConflict if the raw
	// token already exists; the uniqueness check is atomic with the insert.
	CreatePending(ctx context.Context, userID, purchaseToken string, expiryAt time.Time) (*PurchaseToken, error)
	// FindByToken returns (nil, nil) if the raw token is unknown.
	FindByToken(ctx context.Context, purchaseToken string) (*PurchaseToken, error)
	// Transition is a compare-and-set on status. Returns ErrStaleState if the
	// current status is not t.From and ErrNotFound if the id is unknown.
	Transition(ctx context.Context, t Transition) (*PurchaseToken, error)
	// ListExpiredCandidates yields pending records with expiry_at <= now.
	// Each call starts a fresh scan.
	ListExpiredCandidates(ctx context.Context, now time.Time) iter.Seq2[PurchaseToken, error]
	// ListByUser returns every record for userID, oldest first.
	ListByUser(ctx context.Context, userID string) ([]PurchaseToken, error)
}
