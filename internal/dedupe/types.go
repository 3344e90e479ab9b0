package dedupe

import "time"

// Status values for delivery entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Delivery is the shape persisted in the dedupe DynamoDB table, one item per
// Pub/Sub message id.
type Delivery struct {
	MessageID   string    `dynamodbav:"message_id"` // PK
	Status      string    `dynamodbav:"status"`
	PackageName string    `dynamodbav:"package_name,omitempty"`
	CreatedAt   time.Time `dynamodbav:"created_at,unixtime"`
	UpdatedAt   time.Time `dynamodbav:"updated_at,unixtime"`
	ExpiresAt   int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note        string    `dynamodbav:"note,omitempty"`
}
