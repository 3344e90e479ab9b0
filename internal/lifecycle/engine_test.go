package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
	"github.com/imrishuroy/go-purchase-tokens/internal/tokens/tokenstest"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// scriptedVerifier returns a fixed verdict and counts calls. An optional gate
// holds every call until it is closed.
type scriptedVerifier struct {
	out   verify.Outcome
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (v *scriptedVerifier) Verify(ctx context.Context, purchaseToken string) (verify.Outcome, error) {
	v.calls.Add(1)
	if v.gate != nil {
		select {
		case <-v.gate:
		case <-ctx.Done():
			return verify.Outcome{}, ctx.Err()
		}
	}
	return v.out, v.err
}

type countingNotifier struct {
	mu   sync.Mutex
	recs []tokens.PurchaseToken
	err  error
}

func (n *countingNotifier) Acknowledged(ctx context.Context, rec tokens.PurchaseToken) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return n.err
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	verifies int
}

func (r *countingRecorder) Submission(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) VerifyDuration(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifies++
}

func newStore() *tokenstest.Store {
	s := tokenstest.NewStore()
	s.Now = func() time.Time { return testNow }
	return s
}

func newEngine(store tokens.Store, v verify.Verifier, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(store, v, Config{VerifyTimeout: time.Second}, opts...)
}

func valid(d time.Duration) *scriptedVerifier {
	return &scriptedVerifier{out: verify.Outcome{Valid: true, ExpiresAt: testNow.Add(d)}}
}

func TestSubmit_ValidTokenIsAcknowledged(t *testing.T) {
	store := newStore()
	v := valid(7 * 24 * time.Hour)
	n := &countingNotifier{}
	r := &countingRecorder{}
	e := newEngine(store, v, WithNotifier(n), WithRecorder(r))

	rec, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusAcknowledged, rec.Status)
	assert.Equal(t, testNow.Add(7*24*time.Hour), rec.ExpiryAt)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, 1, n.count())
	assert.Equal(t, 1, r.outcomes[OutcomeAcknowledged])
	assert.Equal(t, 1, r.verifies)
}

func TestSubmit_ProviderExpiryReplacesProvisionalWindow(t *testing.T) {
	store := newStore()
	e := newEngine(store, valid(24*time.Hour))

	rec, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusAcknowledged, rec.Status)
	assert.Equal(t, testNow.Add(24*time.Hour), rec.ExpiryAt)
	assert.False(t, rec.Active(testNow.Add(48*time.Hour)))

	stored, err := store.FindByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour), stored.ExpiryAt)
}

func TestSubmit_ValidButLapsedTokenIsExpired(t *testing.T) {
	store := newStore()
	notifier := &countingNotifier{}
	e := newEngine(store, valid(-time.Minute), WithNotifier(notifier))

	rec, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)
	assert.Zero(t, notifier.count())
}

func TestSubmit_InvalidTokenIsExpired(t *testing.T) {
	store := newStore()
	v := &scriptedVerifier{err: verify.Invalid("SUBSCRIPTION_STATE_CANCELED")}
	n := &countingNotifier{}
	e := newEngine(store, v, WithNotifier(n))

	rec, err := e.Submit(context.Background(), "u1", "tok-2")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)
	assert.Equal(t, 0, n.count())
}

func TestSubmit_NotValidOutcomeIsExpired(t *testing.T) {
	e := newEngine(newStore(), &scriptedVerifier{out: verify.Outcome{Valid: false}})

	rec, err := e.Submit(context.Background(), "u1", "tok-2")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)
}

func TestSubmit_TransientLeavesPending(t *testing.T) {
	store := newStore()
	v := &scriptedVerifier{err: verify.Transient(errors.New("503"))}
	r := &countingRecorder{}
	e := newEngine(store, v, WithRecorder(r))

	rec, err := e.Submit(context.Background(), "u1", "tok-3")
	require.Error(t, err)
	assert.True(t, verify.IsTransient(err))
	assert.False(t, verify.IsInvalid(err))
	require.NotNil(t, rec)
	assert.Equal(t, tokens.StatusPending, rec.Status)
	assert.Equal(t, 0, store.TransitionCalls)
	assert.Equal(t, 1, r.outcomes[OutcomeTransient])

	// resubmission re-enters verification on the same record
	v.err = nil
	v.out = verify.Outcome{Valid: true, ExpiresAt: testNow.Add(30 * 24 * time.Hour)}
	again, err := e.Submit(context.Background(), "u1", "tok-3")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, tokens.StatusAcknowledged, again.Status)
	assert.Equal(t, 1, store.CreateCalls)
}

func TestSubmit_UnclassifiedErrorIsTransient(t *testing.T) {
	e := newEngine(newStore(), &scriptedVerifier{err: errors.New("connection reset")})

	rec, err := e.Submit(context.Background(), "u1", "tok-3")
	require.Error(t, err)
	assert.True(t, verify.IsTransient(err))
	assert.Equal(t, tokens.StatusPending, rec.Status)
}

func TestSubmit_VerifierTimeoutLeavesPending(t *testing.T) {
	store := newStore()
	v := &scriptedVerifier{gate: make(chan struct{})}
	e := New(store, v, Config{VerifyTimeout: 20 * time.Millisecond}, WithClock(func() time.Time { return testNow }))

	rec, err := e.Submit(context.Background(), "u1", "tok-slow")
	require.Error(t, err)
	assert.True(t, verify.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, tokens.StatusPending, rec.Status)

	stored, _ := store.Get(rec.ID)
	assert.Equal(t, tokens.StatusPending, stored.Status)
}

func TestSubmit_ReplayDoesNotReverify(t *testing.T) {
	store := newStore()
	v := valid(7 * 24 * time.Hour)
	n := &countingNotifier{}
	r := &countingRecorder{}
	e := newEngine(store, v, WithNotifier(n), WithRecorder(r))

	first, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)

	second, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), v.calls.Load())
	assert.Equal(t, 1, n.count())
	assert.Equal(t, 1, r.outcomes[OutcomeReplayed])
}

func TestSubmit_ReplayOfExpiredDoesNotReverify(t *testing.T) {
	store := newStore()
	seeded := store.Seed(tokens.PurchaseToken{
		UserID: "u1", PurchaseToken: "tok-old", Status: tokens.StatusExpired,
		CreatedAt: testNow.Add(-time.Hour), ExpiryAt: testNow.Add(-time.Minute), UpdatedAt: testNow.Add(-time.Minute),
	})
	v := valid(time.Hour)
	e := newEngine(store, v)

	rec, err := e.Submit(context.Background(), "u1", "tok-old")
	require.NoError(t, err)
	assert.Equal(t, seeded, *rec)
	assert.Equal(t, int32(0), v.calls.Load())
}

func TestSubmit_PendingPastWindowIsExpiredWithoutVerification(t *testing.T) {
	store := newStore()
	store.Seed(tokens.PurchaseToken{
		UserID: "u1", PurchaseToken: "tok-stale", Status: tokens.StatusPending,
		CreatedAt: testNow.Add(-80 * time.Hour), ExpiryAt: testNow.Add(-8 * time.Hour),
	})
	v := valid(time.Hour)
	e := newEngine(store, v)

	rec, err := e.Submit(context.Background(), "u1", "tok-stale")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)
	assert.Equal(t, int32(0), v.calls.Load())
}

func TestSubmit_TokenOwnedByOtherUser(t *testing.T) {
	store := newStore()
	v := valid(time.Hour)
	e := newEngine(store, v)

	_, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)

	rec, err := e.Submit(context.Background(), "u2", "tok-1")
	assert.ErrorIs(t, err, ErrTokenOwnedByOtherUser)
	assert.Nil(t, rec)
	assert.Equal(t, int32(1), v.calls.Load())
}

func TestSubmit_InvalidInput(t *testing.T) {
	store := newStore()
	e := newEngine(store, valid(time.Hour))

	_, err := e.Submit(context.Background(), "", "tok")
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	_, err = e.Submit(context.Background(), "u1", "")
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	assert.Equal(t, 0, store.CreateCalls)
}

func TestSubmit_StoreUnavailableIsSurfaced(t *testing.T) {
	store := newStore()
	store.Err = errors.New("table unavailable")
	e := newEngine(store, valid(time.Hour))

	_, err := e.Submit(context.Background(), "u1", "tok-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.Err)
	assert.False(t, verify.IsTransient(err))
}

func TestSubmit_NotifierFailureDoesNotFailSubmission(t *testing.T) {
	n := &countingNotifier{err: errors.New("nats down")}
	e := newEngine(newStore(), valid(time.Hour), WithNotifier(n))

	rec, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusAcknowledged, rec.Status)
	assert.Equal(t, 1, n.count())
}

func TestSubmit_ConcurrentDuplicatesReachOneTerminalState(t *testing.T) {
	store := newStore()
	v := valid(7 * 24 * time.Hour)
	v.gate = make(chan struct{})
	n := &countingNotifier{}
	e := newEngine(store, v, WithNotifier(n))

	const callers = 8
	results := make([]*tokens.PurchaseToken, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Submit(context.Background(), "u1", "tok-3")
		}()
	}
	// let every caller reach the provider before any of them settles
	require.Eventually(t, func() bool { return v.calls.Load() == callers }, time.Second, time.Millisecond)
	close(v.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens.StatusAcknowledged, results[i].Status)
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Equal(t, 1, n.count(), "exactly one acknowledgment")

	recs, err := store.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSubmit_LosingRaceToSweeperReturnsExpired(t *testing.T) {
	store := newStore()
	n := &countingNotifier{}
	e := newEngine(store, valid(time.Hour), WithNotifier(n))

	var once sync.Once
	store.BeforeTransition = func(tr tokens.Transition) {
		if tr.To != tokens.StatusAcknowledged {
			return
		}
		once.Do(func() {
			_, err := store.Transition(context.Background(), tokens.Transition{ID: tr.ID, From: tokens.StatusPending, To: tokens.StatusExpired})
			require.NoError(t, err)
		})
	}

	rec, err := e.Submit(context.Background(), "u1", "tok-race")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)
	assert.Equal(t, 0, n.count())
}

func TestExpire(t *testing.T) {
	store := newStore()
	v := &scriptedVerifier{err: verify.Transient(errors.New("503"))}
	e := newEngine(store, v)

	_, err := e.Submit(context.Background(), "u1", "tok-pending")
	require.Error(t, err)

	rec, err := e.Expire(context.Background(), "tok-pending")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusExpired, rec.Status)

	// terminal records are untouched
	again, err := e.Expire(context.Background(), "tok-pending")
	require.NoError(t, err)
	assert.Equal(t, rec, again)

	_, err = e.Expire(context.Background(), "tok-unknown")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestExpire_AcknowledgedStaysAcknowledged(t *testing.T) {
	store := newStore()
	e := newEngine(store, valid(time.Hour))

	acked, err := e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)

	rec, err := e.Expire(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, *acked, *rec)
}

func TestLookup(t *testing.T) {
	e := newEngine(newStore(), valid(time.Hour))
	_, err := e.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, tokens.ErrNotFound)

	_, err = e.Submit(context.Background(), "u1", "tok-1")
	require.NoError(t, err)
	rec, err := e.Lookup(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusAcknowledged, rec.Status)
}

func TestEntitlement(t *testing.T) {
	store := newStore()
	store.Seed(tokens.PurchaseToken{UserID: "u1", PurchaseToken: "a", Status: tokens.StatusAcknowledged, CreatedAt: testNow.Add(-3 * time.Hour), ExpiryAt: testNow.Add(-time.Hour)})
	store.Seed(tokens.PurchaseToken{UserID: "u1", PurchaseToken: "b", Status: tokens.StatusAcknowledged, CreatedAt: testNow.Add(-2 * time.Hour), ExpiryAt: testNow.Add(48 * time.Hour)})
	store.Seed(tokens.PurchaseToken{UserID: "u1", PurchaseToken: "c", Status: tokens.StatusPending, CreatedAt: testNow.Add(-time.Hour), ExpiryAt: testNow.Add(96 * time.Hour)})
	e := newEngine(store, valid(time.Hour))

	ent, err := e.Entitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ent.Active)
	require.NotNil(t, ent.ExpiresAt)
	assert.Equal(t, testNow.Add(48*time.Hour), *ent.ExpiresAt)
	assert.Len(t, ent.Tokens, 3)

	none, err := e.Entitlement(context.Background(), "u2")
	require.NoError(t, err)
	assert.False(t, none.Active)
	assert.Nil(t, none.ExpiresAt)
	assert.Empty(t, none.Tokens)
}
