// Package lifecycle drives a purchase token from submission to its terminal
// state. All coordination between concurrent submissions, provider callbacks
// and the expiry sweeper goes through the store's compare-and-set transition;
// the engine holds no locks of its own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
)

const (
	DefaultProvisionalTTL = 72 * time.Hour
	DefaultVerifyTimeout  = 10 * time.Second
)

var (
	ErrInvalidSubmission     = errors.New("invalid submission")
	ErrTokenOwnedByOtherUser = errors.New("purchase token already used by a different user")
)

// Submission outcomes reported to the Recorder.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeExpired      = "expired"
	OutcomeReplayed     = "replayed"
	OutcomeTransient    = "transient"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

// Notifier is told about every record this engine moved to acknowledged.
// It is called once per token: only the compare-and-set winner notifies.
type Notifier interface {
	Acknowledged(ctx context.Context, rec tokens.PurchaseToken) error
}

// Recorder receives submission metrics.
type Recorder interface {
	Submission(outcome string)
	VerifyDuration(d time.Duration)
}

type Config struct {
	// ProvisionalTTL is the expiry given to a freshly created pending record.
	ProvisionalTTL time.Duration
	// VerifyTimeout bounds a single provider call.
	VerifyTimeout time.Duration
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithNotifier(n Notifier) Option        { return func(e *Engine) { e.notifier = n } }
func WithRecorder(r Recorder) Option        { return func(e *Engine) { e.recorder = r } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.nowFunc = now } }

type Engine struct {
	store    tokens.Store
	verifier verify.Verifier
	notifier Notifier
	recorder Recorder
	log      *zap.Logger
	validate *validator.Validate

	provisionalTTL time.Duration
	verifyTimeout  time.Duration
	nowFunc        func() time.Time
}

func New(store tokens.Store, verifier verify.Verifier, cfg Config, opts ...Option) *Engine {
	if cfg.ProvisionalTTL <= 0 {
		cfg.ProvisionalTTL = DefaultProvisionalTTL
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	e := &Engine{
		store:          store,
		verifier:       verifier,
		log:            zap.NewNop(),
		validate:       validator.New(),
		provisionalTTL: cfg.ProvisionalTTL,
		verifyTimeout:  cfg.VerifyTimeout,
		nowFunc:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type submission struct {
	UserID        string `validate:"required,max=128"`
	PurchaseToken string `validate:"required,max=4096"`
}

// Submit verifies purchaseToken on behalf of userID and returns the persisted
// record.
//
// A token that already reached acknowledged or expired is returned as stored
// without calling the provider. When the provider rejects the token the
// expired record is returned with a nil error. When the provider cannot be
// reached the pending record is returned together with an error wrapping
// verify.ErrTransient; the caller decides whether to resubmit.
func (e *Engine) Submit(ctx context.Context, userID, purchaseToken string) (*tokens.PurchaseToken, error) {
	rec, outcome, err := e.submit(ctx, userID, purchaseToken)
	if e.recorder != nil {
		e.recorder.Submission(outcome)
	}
	return rec, err
}

func (e *Engine) submit(ctx context.Context, userID, purchaseToken string) (*tokens.PurchaseToken, string, error) {
	if err := e.validate.Struct(submission{UserID: userID, PurchaseToken: purchaseToken}); err != nil {
		return nil, OutcomeRejected, fmt.Errorf("%w: %w", ErrInvalidSubmission, err)
	}
	log := e.log.With(zap.String("user_id", userID), logger.Token(purchaseToken))

	rec, err := e.findOrCreate(ctx, userID, purchaseToken)
	if err != nil {
		return nil, OutcomeError, err
	}
	log = log.With(zap.String("purchase_token_id", rec.ID))

	if rec.UserID != userID {
		log.Warn("purchase token submitted by a different user", zap.String("owner_id", rec.UserID))
		return nil, OutcomeRejected, ErrTokenOwnedByOtherUser
	}
	if rec.Status.Terminal() {
		log.Debug("replaying terminal purchase token", zap.Stringer("status", rec.Status))
		return rec, OutcomeReplayed, nil
	}

	// A pending record past its window is never honoured, whatever the provider says.
	if !rec.ExpiryAt.After(e.nowFunc()) {
		log.Info("pending purchase token outlived its window")
		rec, err = e.settle(ctx, rec, tokens.StatusExpired, time.Time{})
		return rec, outcomeOf(rec, err), err
	}

	out, verr := e.verify(ctx, purchaseToken)
	switch {
	case verr == nil && out.Valid && !out.ExpiresAt.IsZero() && !out.ExpiresAt.After(e.nowFunc()):
		log.Info("provider confirmed a purchase token that has already lapsed", zap.Time("provider_expiry", out.ExpiresAt))
		rec, err = e.settle(ctx, rec, tokens.StatusExpired, time.Time{})
	case verr == nil && out.Valid:
		rec, err = e.settle(ctx, rec, tokens.StatusAcknowledged, out.ExpiresAt)
	case verr == nil, verify.IsInvalid(verr):
		log.Info("purchase token rejected by provider", zap.NamedError("reason", verr))
		rec, err = e.settle(ctx, rec, tokens.StatusExpired, time.Time{})
	default:
		log.Warn("provider verification failed, token left pending", zap.Error(verr))
		return rec, OutcomeTransient, fmt.Errorf("verify purchase token: %w", verr)
	}
	if err != nil {
		log.Error("failed to settle purchase token", zap.Error(err))
		return nil, OutcomeError, err
	}
	log.Info("purchase token settled", zap.Stringer("status", rec.Status), zap.Time("expiry_at", rec.ExpiryAt))
	return rec, outcomeOf(rec, nil), nil
}

// findOrCreate returns the record for purchaseToken, creating a pending one
// when none exists. Losing the creation race to a concurrent submission is
// resolved by reading the winner's record.
func (e *Engine) findOrCreate(ctx context.Context, userID, purchaseToken string) (*tokens.PurchaseToken, error) {
	rec, err := e.store.FindByToken(ctx, purchaseToken)
	if err != nil {
		return nil, fmt.Errorf("find purchase token: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec, err = e.store.CreatePending(ctx, userID, purchaseToken, e.nowFunc().Add(e.provisionalTTL))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, tokens.ErrConflict) {
		return nil, fmt.Errorf("create pending purchase token: %w", err)
	}

	rec, err = e.store.FindByToken(ctx, purchaseToken)
	if err != nil {
		return nil, fmt.Errorf("re-read after conflict: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("re-read after conflict: %w", tokens.ErrNotFound)
	}
	return rec, nil
}

func (e *Engine) verify(ctx context.Context, purchaseToken string) (verify.Outcome, error) {
	vctx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.verifier.Verify(vctx, purchaseToken)
	if e.recorder != nil {
		e.recorder.VerifyDuration(time.Since(start))
	}
	return out, verify.Classify(err)
}

// settle moves rec out of pending. Losing the compare-and-set means another
// actor already resolved the token, so the current record is returned instead.
func (e *Engine) settle(ctx context.Context, rec *tokens.PurchaseToken, to tokens.Status, expiryAt time.Time) (*tokens.PurchaseToken, error) {
	// the provisional expiry is a placeholder; the provider's expiry replaces it
	updated, err := e.store.Transition(ctx, tokens.Transition{
		ID:            rec.ID,
		From:          tokens.StatusPending,
		To:            to,
		ExpiryAt:      expiryAt,
		ReplaceExpiry: to == tokens.StatusAcknowledged && !expiryAt.IsZero(),
	})
	if err == nil {
		if to == tokens.StatusAcknowledged {
			e.notify(ctx, *updated)
		}
		return updated, nil
	}
	if !errors.Is(err, tokens.ErrStaleState) {
		return nil, fmt.Errorf("transition %s -> %s: %w", tokens.StatusPending, to, err)
	}

	cur, ferr := e.store.FindByToken(ctx, rec.PurchaseToken)
	if ferr != nil {
		return nil, fmt.Errorf("re-read after stale state: %w", ferr)
	}
	if cur == nil {
		return nil, fmt.Errorf("re-read after stale state: %w", tokens.ErrNotFound)
	}
	e.log.Debug("lost transition race",
		zap.String("purchase_token_id", cur.ID), zap.Stringer("status", cur.Status))
	return cur, nil
}

func (e *Engine) notify(ctx context.Context, rec tokens.PurchaseToken) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Acknowledged(ctx, rec); err != nil {
		// the record is the source of truth; downstream can reconcile from it
		e.log.Error("failed to publish acknowledgment",
			zap.String("purchase_token_id", rec.ID), zap.String("user_id", rec.UserID), zap.Error(err))
	}
}

// Expire moves a pending token to expired on the provider's word (a revoked,
// canceled or expired notification). Terminal records are returned untouched.
func (e *Engine) Expire(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error) {
	rec, err := e.Lookup(ctx, purchaseToken)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	return e.settle(ctx, rec, tokens.StatusExpired, time.Time{})
}

// Lookup returns the record for a raw purchase token or tokens.ErrNotFound.
func (e *Engine) Lookup(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error) {
	rec, err := e.store.FindByToken(ctx, purchaseToken)
	if err != nil {
		return nil, fmt.Errorf("find purchase token: %w", err)
	}
	if rec == nil {
		return nil, tokens.ErrNotFound
	}
	return rec, nil
}

// Entitlement summarises a user's purchase tokens at the current time.
type Entitlement struct {
	UserID    string                 `json:"user_id"`
	Active    bool                   `json:"active"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	Tokens    []tokens.PurchaseToken `json:"tokens"`
}

func (e *Engine) Entitlement(ctx context.Context, userID string) (Entitlement, error) {
	recs, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("list purchase tokens: %w", err)
	}
	ent := Entitlement{UserID: userID, Tokens: recs}
	if ent.Tokens == nil {
		ent.Tokens = []tokens.PurchaseToken{}
	}
	now := e.nowFunc()
	for _, rec := range recs {
		if !rec.Active(now) {
			continue
		}
		ent.Active = true
		if ent.ExpiresAt == nil || rec.ExpiryAt.After(*ent.ExpiresAt) {
			exp := rec.ExpiryAt
			ent.ExpiresAt = &exp
		}
	}
	return ent, nil
}

func outcomeOf(rec *tokens.PurchaseToken, err error) string {
	switch {
	case err != nil || rec == nil:
		return OutcomeError
	case rec.Status == tokens.StatusAcknowledged:
		return OutcomeAcknowledged
	case rec.Status == tokens.StatusExpired:
		return OutcomeExpired
	default:
		return OutcomeError
	}
}
