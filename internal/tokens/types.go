package tokens

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a purchase token.
type Status string

// Purchase token statuses
const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusExpired      Status = "expired"
)

var (
	// ErrConflict is returned by CreatePending when the raw purchase token already exists.
	ErrConflict = errors.New("purchase token already exists")
	// ErrStaleState is returned by Transition when the record is no longer in the expected status.
	ErrStaleState = errors.New("stale state: status changed concurrently")
	// ErrNotFound is returned by Transition when the id is unknown.
	ErrNotFound = errors.New("purchase token not found")
	// ErrIllegalTransition is returned for any transition other than pending -> acknowledged|expired.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrInvalidStatus is returned when a stored or requested status is outside the enumeration.
	ErrInvalidStatus = errors.New("invalid purchase token status")
)

// ParseStatus validates s against the closed status enumeration.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusAcknowledged, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusAcknowledged || s == StatusExpired
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is one of the permitted monotonic transitions.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// PurchaseToken is the persisted record for one raw provider purchase token.
// Timestamps are stored as epoch seconds in DynamoDB.
type PurchaseToken struct {
	ID            string    `dynamodbav:"id" db:"id" json:"id"` // PK
	UserID        string    `dynamodbav:"user_id" db:"user_id" json:"user_id"`
	PurchaseToken string    `dynamodbav:"purchase_token" db:"purchase_token" json:"purchase_token"` // unique
	Status        Status    `dynamodbav:"status" db:"status" json:"status"`
	CreatedAt     time.Time `dynamodbav:"created_at,unixtime" db:"created_at" json:"created_at"`
	ExpiryAt      time.Time `dynamodbav:"expiry_at,unixtime" db:"expiry_at" json:"expiry_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at,unixtime" db:"updated_at" json:"updated_at"`
}

// Active reports whether the token currently grants entitlement.
func (t PurchaseToken) Active(now time.Time) bool {
	return t.Status == StatusAcknowledged && t.ExpiryAt.After(now)
}

// Transition is a compare-and-set request: the record with ID moves From -> To
// only if its current status is From. A non-zero ExpiryAt is applied as
// max(current expiry_at, ExpiryAt) unless ReplaceExpiry is set.
type Transition struct {
	ID       string
	From     Status
	To       Status
	ExpiryAt time.Time
	// ReplaceExpiry overwrites the provisional expiry with the provider's
	// authoritative one. Only valid for pending -> acknowledged.
	ReplaceExpiry bool
}

// Validate checks that the transition is monotonic.
func (t Transition) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrIllegalTransition)
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	if t.ReplaceExpiry && (t.To != StatusAcknowledged || t.ExpiryAt.IsZero()) {
		return fmt.Errorf("%w: expiry replacement needs an acknowledgment with an expiry", ErrIllegalTransition)
	}
	return nil
}

// LaterOf returns the later of two expiry timestamps, so expiry_at never decreases.
func LaterOf(current, requested time.Time) time.Time {
	if requested.After(current) {
		return requested
	}
	return current
}
