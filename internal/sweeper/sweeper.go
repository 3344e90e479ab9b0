// Package sweeper expires pending purchase tokens whose validity window has
// elapsed without a successful verification.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

// Result counts what one tick did. Skipped records were resolved by someone
// else between the candidate read and the transition.
type Result struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
}

// Recorder receives the result of every completed tick.
type Recorder interface {
	SweepCompleted(ctx context.Context, res Result, took time.Duration)
}

// Recorders fans a result out to several recorders.
type Recorders []Recorder

func (rs Recorders) SweepCompleted(ctx context.Context, res Result, took time.Duration) {
	for _, r := range rs {
		r.SweepCompleted(ctx, res, took)
	}
}

type Sweeper struct {
	store    tokens.Store
	recorder Recorder
	log      *zap.Logger
	nowFunc  func() time.Time
}

func New(store tokens.Store, log *zap.Logger, recorder Recorder) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, recorder: recorder, log: log, nowFunc: time.Now}
}

// Sweep runs one tick. It is safe to run concurrently with itself and with
// live submissions: every expiry is a pending -> expired compare-and-set, and
// losing that race is not an error.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.nowFunc()
	var res Result

	for rec, err := range s.store.ListExpiredCandidates(ctx, now) {
		if err != nil {
			return res, fmt.Errorf("list expired candidates: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		_, err = s.store.Transition(ctx, tokens.Transition{
			ID:   rec.ID,
			From: tokens.StatusPending,
			To:   tokens.StatusExpired,
		})
		switch {
		case err == nil:
			res.Expired++
			s.log.Info("expired pending purchase token",
				zap.String("purchase_token_id", rec.ID),
				zap.String("user_id", rec.UserID),
				zap.Time("expiry_at", rec.ExpiryAt))
		case errors.Is(err, tokens.ErrStaleState):
			res.Skipped++
		case errors.Is(err, tokens.ErrNotFound):
			res.Skipped++
			s.log.Error("expired candidate vanished", zap.String("purchase_token_id", rec.ID), zap.Error(err))
		default:
			return res, fmt.Errorf("expire %s: %w", rec.ID, err)
		}
	}

	took := time.Since(start)
	if s.recorder != nil {
		s.recorder.SweepCompleted(ctx, res, took)
	}
	s.log.Info("sweep completed",
		zap.Int("scanned", res.Scanned),
		zap.Int("expired", res.Expired),
		zap.Int("skipped", res.Skipped),
		zap.Duration("took", took))
	return res, nil
}
