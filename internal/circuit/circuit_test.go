package circuit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/database/dbtest"
	"github.com/vnmchuo/llm-governor/internal/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(store Store) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	b := New(store, policy.NewStaticSource(policy.Default()), slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(clock.Now)
	return b, clock
}

func fail(t *testing.T, b *Breaker, tenantID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, err := b.Admit(context.Background(), tenantID)
		require.NoError(t, err)
		require.NoError(t, b.RecordOutcome(context.Background(), tenantID, ticket, OutcomeFailure))
	}
}

// admit discards the ticket for assertions that only care about refusal.
func admit(b *Breaker, tenantID string) error {
	_, err := b.Admit(context.Background(), tenantID)
	return err
}

func mustAdmit(t *testing.T, b *Breaker, tenantID string) Ticket {
	t.Helper()
	ticket, err := b.Admit(context.Background(), tenantID)
	require.NoError(t, err)
	return ticket
}

func TestOpensAfterThreeConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(NewMemoryStore())

	fail(t, b, "t1", 2)
	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	fail(t, b, "t1", 1)
	s, err = b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)
	assert.Equal(t, ReasonFailures, s.Reason)

	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)
	// Other tenants are unaffected.
	assert.NoError(t, admit(b, "t2"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(NewMemoryStore())

	fail(t, b, "t1", 2)
	ticket := mustAdmit(t, b, "t1")
	require.NoError(t, b.RecordOutcome(ctx, "t1", ticket, OutcomeSuccess))
	fail(t, b, "t1", 2)

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)
	assert.Equal(t, 2, s.ConsecutiveFailures)
}

func TestHalfOpenGrantsExactlyOneTrial(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())
	fail(t, b, "t1", 3)

	clock.Advance(299 * time.Second)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)

	clock.Advance(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if admit(b, "t1") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusHalfOpen, s.Status)
	assert.True(t, s.TrialInFlight)
}

func TestFailedTrialReopensAndRestartsCooldown(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())
	fail(t, b, "t1", 3)

	clock.Advance(300 * time.Second)
	ticket := mustAdmit(t, b, "t1")
	require.NoError(t, b.RecordOutcome(ctx, "t1", ticket, OutcomeFailure))

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)
	assert.Equal(t, clock.Now().Add(300*time.Second), s.CooldownUntil)

	clock.Advance(200 * time.Second)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)
}

func TestSuccessfulTrialCloses(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())
	fail(t, b, "t1", 3)

	clock.Advance(300 * time.Second)
	ticket := mustAdmit(t, b, "t1")
	require.NoError(t, b.RecordOutcome(ctx, "t1", ticket, OutcomeSuccess))

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, ReasonNone, s.Reason)
	assert.NoError(t, admit(b, "t1"))
}

func TestNeutralTrialFreesSlot(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())
	fail(t, b, "t1", 3)

	clock.Advance(300 * time.Second)
	ticket := mustAdmit(t, b, "t1")
	require.NoError(t, b.RecordOutcome(ctx, "t1", ticket, OutcomeNeutral))

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusHalfOpen, s.Status)
	assert.NoError(t, admit(b, "t1"))
}

func TestLateOutcomeDoesNotDecideTrial(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())

	early := mustAdmit(t, b, "t1")
	fail(t, b, "t1", 3)

	clock.Advance(301 * time.Second)
	trial := mustAdmit(t, b, "t1")
	require.True(t, trial.Trial)

	// A call admitted while CLOSED finishes during the trial.
	require.NoError(t, b.RecordOutcome(ctx, "t1", early, OutcomeSuccess))
	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusHalfOpen, s.Status)
	assert.True(t, s.TrialInFlight)

	require.NoError(t, b.RecordOutcome(ctx, "t1", trial, OutcomeFailure))
	s, err = b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)
	assert.Equal(t, clock.Now().Add(300*time.Second), s.CooldownUntil)
}

func TestLateFailureDoesNotReopenTrial(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())

	early := mustAdmit(t, b, "t1")
	fail(t, b, "t1", 3)

	clock.Advance(300 * time.Second)
	trial := mustAdmit(t, b, "t1")

	require.NoError(t, b.RecordOutcome(ctx, "t1", early, OutcomeFailure))
	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusHalfOpen, s.Status)

	require.NoError(t, b.RecordOutcome(ctx, "t1", trial, OutcomeSuccess))
	s, err = b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)

	// A failure from before the recovery does not count against the new run.
	require.NoError(t, b.RecordOutcome(ctx, "t1", early, OutcomeFailure))
	s, err = b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestTripBudgetIsImmediate(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(NewMemoryStore())

	require.NoError(t, b.TripBudget(ctx, "t1"))

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)
	assert.Equal(t, ReasonBudget, s.Reason)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)
}

func TestOrganizationPauseUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewMemoryStore())

	paused, err := b.PauseOrganization(ctx, "org spend 260.00 over 250.00")
	require.NoError(t, err)
	assert.True(t, paused)

	paused, err = b.PauseOrganization(ctx, "again")
	require.NoError(t, err)
	assert.False(t, paused)

	clock.Advance(24 * time.Hour)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)
	assert.ErrorIs(t, admit(b, "t2"), ErrCircuitOpen)

	require.NoError(t, b.Acknowledge(ctx, "ops@example.com"))
	assert.NoError(t, admit(b, "t1"))
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	ctx := context.Background()
	p := policy.Default()
	p.CircuitFailureThreshold = 1000
	b := New(NewMemoryStore(), policy.NewStaticSource(p), slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.RecordOutcome(ctx, "t1", Ticket{}, OutcomeFailure)
		}()
	}
	wg.Wait()

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, s.ConsecutiveFailures)
}

func TestPostgresStore_Transitions(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(NewPostgresStore(dbtest.Pool(t)))

	fail(t, b, "t1", 3)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)

	clock.Advance(300 * time.Second)
	ticket := mustAdmit(t, b, "t1")
	assert.True(t, ticket.Trial)
	assert.ErrorIs(t, admit(b, "t1"), ErrCircuitOpen)
	require.NoError(t, b.RecordOutcome(ctx, "t1", ticket, OutcomeSuccess))

	s, err := b.State(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, s.Status)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}
