// Package postgres is the PostgreSQL backend of tokens.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

const uniqueViolation = pq.ErrorCode("23505")

const defaultBatchSize = 500

const columns = `id, user_id, purchase_token, status, created_at, expiry_at, updated_at`

type Store struct {
	db        *sqlx.DB
	nowFunc   func() time.Time
	newID     func() string
	batchSize int
}

var _ tokens.Store = (*Store)(nil)

// Open connects to dsn with the lib/pq driver and pings the server.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:        db,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
		batchSize: defaultBatchSize,
	}
}

// CreatePending relies on the unique constraint on purchase_token: a conflicting
// insert returns no row and is reported as tokens.ErrConflict.
func (s *Store) CreatePending(ctx context.Context, userID, purchaseToken string, expiryAt time.Time) (*tokens.PurchaseToken, error) {
	now := s.nowFunc().UTC().Truncate(time.Microsecond)
	var rec tokens.PurchaseToken
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO purchase_tokens (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $5)
		ON CONFLICT (purchase_token) DO NOTHING
		RETURNING `+columns,
		s.newID(), userID, purchaseToken, tokens.StatusPending, now, expiryAt.UTC().Truncate(time.Microsecond),
	).StructScan(&rec)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, tokens.ErrConflict
	case isUniqueViolation(err):
		return nil, fmt.Errorf("%w: %w", tokens.ErrConflict, err)
	case err != nil:
		return nil, fmt.Errorf("insert purchase token: %w", err)
	}
	return normalize(&rec)
}

func (s *Store) FindByToken(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error) {
	var rec tokens.PurchaseToken
	err := s.db.GetContext(ctx, &rec, `SELECT `+columns+` FROM purchase_tokens WHERE purchase_token = $1`, purchaseToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select purchase token: %w", err)
	}
	return normalize(&rec)
}

// Transition is a single conditional UPDATE. GREATEST ignores a NULL expiry,
// so the stored expiry_at is kept when none is requested and never decreases,
// except when $6 asks to replace the provisional expiry.
func (s *Store) Transition(ctx context.Context, t tokens.Transition) (*tokens.PurchaseToken, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var expiry sql.NullTime
	if !t.ExpiryAt.IsZero() {
		expiry = sql.NullTime{Time: t.ExpiryAt.UTC().Truncate(time.Microsecond), Valid: true}
	}

	var rec tokens.PurchaseToken
	err := s.db.QueryRowxContext(ctx, `
		UPDATE purchase_tokens
		SET status = $3,
		    expiry_at = CASE WHEN $6::boolean THEN $4::timestamptz ELSE GREATEST(expiry_at, $4::timestamptz) END,
		    updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+columns,
		t.ID, t.From, t.To, expiry, s.nowFunc().UTC().Truncate(time.Microsecond), t.ReplaceExpiry,
	).StructScan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.transitionMiss(ctx, t)
	}
	if err != nil {
		return nil, fmt.Errorf("update purchase token: %w", err)
	}
	return normalize(&rec)
}

// transitionMiss tells an unknown id from a lost compare-and-set.
func (s *Store) transitionMiss(ctx context.Context, t tokens.Transition) error {
	var current tokens.Status
	err := s.db.GetContext(ctx, &current, `SELECT status FROM purchase_tokens WHERE id = $1`, t.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", tokens.ErrNotFound, t.ID)
	case err != nil:
		return fmt.Errorf("select purchase token status: %w", err)
	default:
		return fmt.Errorf("%w: id=%s is %s, expected %s", tokens.ErrStaleState, t.ID, current, t.From)
	}
}

// ListExpiredCandidates pages through overdue pending records ordered by
// (expiry_at, id), one batch per round trip.
func (s *Store) ListExpiredCandidates(ctx context.Context, now time.Time) iter.Seq2[tokens.PurchaseToken, error] {
	return func(yield func(tokens.PurchaseToken, error) bool) {
		var (
			afterExpiry time.Time
			afterID     string
		)
		for {
			var batch []tokens.PurchaseToken
			err := s.db.SelectContext(ctx, &batch, `
				SELECT `+columns+`
				FROM purchase_tokens
				WHERE status = $1 AND expiry_at <= $2 AND (expiry_at, id) > ($3, $4)
				ORDER BY expiry_at, id
				LIMIT $5`,
				tokens.StatusPending, now.UTC(), afterExpiry, afterID, s.batchSize,
			)
			if err != nil {
				yield(tokens.PurchaseToken{}, fmt.Errorf("select expired candidates: %w", err))
				return
			}
			for i := range batch {
				rec, err := normalize(&batch[i])
				if err != nil {
					yield(tokens.PurchaseToken{}, err)
					return
				}
				if !yield(*rec, nil) {
					return
				}
			}
			if len(batch) < s.batchSize {
				return
			}
			last := batch[len(batch)-1]
			afterExpiry, afterID = last.ExpiryAt, last.ID
		}
	}
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]tokens.PurchaseToken, error) {
	var recs []tokens.PurchaseToken
	err := s.db.SelectContext(ctx, &recs,
		`SELECT `+columns+` FROM purchase_tokens WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("select purchase tokens by user: %w", err)
	}
	for i := range recs {
		if _, err := normalize(&recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// normalize validates the stored status and puts timestamps in UTC.
func normalize(rec *tokens.PurchaseToken) (*tokens.PurchaseToken, error) {
	if _, err := tokens.ParseStatus(string(rec.Status)); err != nil {
		return nil, fmt.Errorf("purchase token %s: %w", rec.ID, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiryAt = rec.ExpiryAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
