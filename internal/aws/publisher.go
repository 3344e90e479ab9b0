package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message kinds carried on the work queue.
const (
	KindReverify = "reverify"
	KindRTDN     = "rtdn"
)

// maxDelay is the SQS DelaySeconds ceiling.
const maxDelay = 15 * time.Minute

// Message is the payload sent from API -> SQS -> Worker.
type Message struct {
	Kind          string          `json:"kind"`
	UserID        string          `json:"user_id,omitempty"`
	PurchaseToken string          `json:"purchase_token,omitempty"`
	Notification  json.RawMessage `json:"notification,omitempty"` // decoded developer notification
	Attempt       int             `json:"attempt,omitempty"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// EnqueueReverify schedules another verification attempt for a token the
// provider could not confirm yet.
func (p *Publisher) EnqueueReverify(ctx context.Context, userID, purchaseToken string, attempt int, delay time.Duration) error {
	return p.send(ctx, Message{
		Kind:          KindReverify,
		UserID:        userID,
		PurchaseToken: purchaseToken,
		Attempt:       attempt,
	}, delay)
}

// EnqueueNotification forwards a decoded developer notification to the worker.
func (p *Publisher) EnqueueNotification(ctx context.Context, notification json.RawMessage) error {
	return p.send(ctx, Message{Kind: KindRTDN, Notification: notification}, 0)
}

func (p *Publisher) send(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Kind, err)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	input := &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  awsString(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    awsString("String"),
				StringValue: awsString(msg.Kind),
			},
		},
	}

	_, err = p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
