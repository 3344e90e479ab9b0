package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/aws"
	"github.com/imrishuroy/go-purchase-tokens/internal/lifecycle"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
	"github.com/imrishuroy/go-purchase-tokens/internal/rtdn"
	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
)

// defaultMaxAttempts bounds reverification of a token the provider keeps
// failing on. Past it the record stays pending until the sweeper expires it.
const defaultMaxAttempts = 5

// Lifecycle is the part of lifecycle.Engine the worker drives.
type Lifecycle interface {
	Submit(ctx context.Context, userID, purchaseToken string) (*tokens.PurchaseToken, error)
	Expire(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error)
	Lookup(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error)
}

// Processor handles SQS messages and drives purchase token transitions.
type Processor struct {
	lifecycle   Lifecycle
	packageName string
	maxAttempts int
	log         *zap.Logger
}

// NewProcessor creates a worker processor. packageName, when set, drops
// notifications for other applications.
func NewProcessor(l Lifecycle, packageName string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		lifecycle:   l,
		packageName: packageName,
		maxAttempts: defaultMaxAttempts,
		log:         log,
	}
}

// Handle processes each record independently and reports the ones to retry
// as batch item failures; the rest of the batch is deleted by Lambda.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Warn("message will be retried", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg aws.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	switch msg.Kind {
	case aws.KindReverify:
		return p.reverify(ctx, msg, receiveCount(rec))
	case aws.KindRTDN:
		return p.notification(ctx, msg.Notification, receiveCount(rec))
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
}

func (p *Processor) reverify(ctx context.Context, msg aws.Message, received int) error {
	attempt := max(msg.Attempt, 1) + received - 1
	log := p.log.With(zap.String("user_id", msg.UserID), logger.Token(msg.PurchaseToken), zap.Int("attempt", attempt))

	rec, err := p.lifecycle.Submit(ctx, msg.UserID, msg.PurchaseToken)
	switch {
	case err == nil:
		log.Info("reverification settled", zap.Stringer("status", rec.Status))
		return nil
	case verify.IsTransient(err):
		return p.retryTransient(log, attempt, err)
	case errors.Is(err, lifecycle.ErrTokenOwnedByOtherUser), errors.Is(err, lifecycle.ErrInvalidSubmission):
		log.Warn("dropping reverification", zap.Error(err))
		return nil
	default:
		return err
	}
}

// retryTransient hands a transient failure back to SQS until the attempt
// budget is spent; past it the record stays pending for the sweeper.
func (p *Processor) retryTransient(log *zap.Logger, attempt int, err error) error {
	if attempt < p.maxAttempts {
		return err
	}
	log.Error("giving up on verification; token stays pending", zap.Int("attempt", attempt), zap.Error(err))
	return nil
}

func (p *Processor) notification(ctx context.Context, raw json.RawMessage, received int) error {
	n, err := rtdn.Parse(raw)
	if err != nil {
		// redelivery cannot fix a malformed payload
		p.log.Error("dropping malformed developer notification", zap.Error(err))
		return nil
	}
	if p.packageName != "" && n.PackageName != p.packageName {
		p.log.Warn("dropping notification for another package", zap.String("package_name", n.PackageName))
		return nil
	}

	action, token := n.Classify()
	log := p.log.With(zap.Stringer("action", action), logger.Token(token))

	switch action {
	case rtdn.ActionResubmit:
		cur, err := p.lifecycle.Lookup(ctx, token)
		if errors.Is(err, tokens.ErrNotFound) {
			// the client has not submitted it yet; its own submission will verify it
			log.Info("notification for unknown purchase token")
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := p.lifecycle.Submit(ctx, cur.UserID, token)
		if verify.IsTransient(err) {
			return p.retryTransient(log, received, err)
		}
		if err != nil {
			return err
		}
		log.Info("notification applied", zap.Stringer("status", rec.Status))
	case rtdn.ActionExpire:
		rec, err := p.lifecycle.Expire(ctx, token)
		if errors.Is(err, tokens.ErrNotFound) {
			log.Info("notification for unknown purchase token")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("notification applied", zap.Stringer("status", rec.Status))
	case rtdn.ActionTest:
		log.Info("test notification received", zap.String("package_name", n.PackageName))
	default:
		log.Debug("notification ignored")
	}
	return nil
}

func receiveCount(rec events.SQSMessage) int {
	n, err := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
