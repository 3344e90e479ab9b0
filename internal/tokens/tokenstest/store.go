// Package tokenstest provides an in-memory tokens.Store for tests of the
// components layered on top of the store.
package tokenstest

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
)

// Store is a mutex-guarded tokens.Store with the same compare-and-set
// semantics as the persistent backends.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*tokens.PurchaseToken
	byToken map[string]string
	seq     int

	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time
	// BeforeTransition, when set, runs before each Transition is applied.
	// Tests use it to interleave a competing writer.
	BeforeTransition func(tokens.Transition)
	// Err, when set, is returned by every operation.
	Err error

	CreateCalls     int
	TransitionCalls int
}

var _ tokens.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		byID:    map[string]*tokens.PurchaseToken{},
		byToken: map[string]string{},
		Now:     time.Now,
	}
}

// Seed inserts rec verbatim, assigning an id when empty.
func (s *Store) Seed(rec tokens.PurchaseToken) tokens.PurchaseToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		s.seq++
		rec.ID = "id-" + strconv.Itoa(s.seq)
	}
	cp := rec
	s.byID[rec.ID] = &cp
	s.byToken[rec.PurchaseToken] = rec.ID
	return rec
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (tokens.PurchaseToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return tokens.PurchaseToken{}, false
	}
	return *rec, true
}

func (s *Store) CreatePending(ctx context.Context, userID, purchaseToken string, expiryAt time.Time) (*tokens.PurchaseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	if _, ok := s.byToken[purchaseToken]; ok {
		return nil, tokens.ErrConflict
	}
	s.seq++
	now := s.Now().UTC()
	rec := &tokens.PurchaseToken{
		ID:            "id-" + strconv.Itoa(s.seq),
		UserID:        userID,
		PurchaseToken: purchaseToken,
		Status:        tokens.StatusPending,
		CreatedAt:     now,
		ExpiryAt:      expiryAt.UTC(),
		UpdatedAt:     now,
	}
	s.byID[rec.ID] = rec
	s.byToken[purchaseToken] = rec.ID
	cp := *rec
	return &cp, nil
}

func (s *Store) FindByToken(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byToken[purchaseToken]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *Store) Transition(ctx context.Context, tr tokens.Transition) (*tokens.PurchaseToken, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	if s.BeforeTransition != nil {
		s.BeforeTransition(tr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.TransitionCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.byID[tr.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tokens.ErrNotFound, tr.ID)
	}
	if rec.Status != tr.From {
		return nil, fmt.Errorf("%w: id=%s is %s", tokens.ErrStaleState, tr.ID, rec.Status)
	}
	rec.Status = tr.To
	switch {
	case tr.ReplaceExpiry:
		rec.ExpiryAt = tr.ExpiryAt.UTC()
	case !tr.ExpiryAt.IsZero():
		rec.ExpiryAt = tokens.LaterOf(rec.ExpiryAt, tr.ExpiryAt.UTC())
	}
	rec.UpdatedAt = s.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (s *Store) ListExpiredCandidates(ctx context.Context, now time.Time) iter.Seq2[tokens.PurchaseToken, error] {
	return func(yield func(tokens.PurchaseToken, error) bool) {
		s.mu.Lock()
		if s.Err != nil {
			err := s.Err
			s.mu.Unlock()
			yield(tokens.PurchaseToken{}, err)
			return
		}
		var out []tokens.PurchaseToken
		for _, rec := range s.byID {
			if rec.Status == tokens.StatusPending && !rec.ExpiryAt.After(now) {
				out = append(out, *rec)
			}
		}
		s.mu.Unlock()

		sort.Slice(out, func(i, j int) bool { return out[i].ExpiryAt.Before(out[j].ExpiryAt) })
		for _, rec := range out {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]tokens.PurchaseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []tokens.PurchaseToken
	for _, rec := range s.byID {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
