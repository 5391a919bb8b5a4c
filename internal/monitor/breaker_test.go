package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/metrics"
)

func tripBreaker(t *testing.T, f *fixture, service, function string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		_, err := f.m.RecordCircuitBreakerEvent(context.Background(), service, function, false)
		require.NoError(t, err)
	}
}

func TestCircuitBreaker_FullCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", false)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", false)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", false)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, rec.State)
	assert.False(t, rec.Allows())

	f.clock.Advance(29 * time.Second)
	rec, err = f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, rec.State)

	f.clock.Advance(2 * time.Second)
	rec, err = f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateHalfOpen, rec.State)

	// The half-open move was persisted by the check.
	list, err := f.m.ListCircuitBreakers(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, circuitbreaker.StateHalfOpen, list[0].State)

	changed, err = f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", true)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", true)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err = f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, rec.State)
	assert.Zero(t, rec.ConsecutiveFailures)

	var transitions []string
	for _, ev := range f.notes.OfType(events.TypeBreakerStateChanged) {
		transitions = append(transitions, ev.Data["to"].(string))
	}
	assert.Equal(t, []string{"open", "half_open", "closed"}, transitions)
}

func TestCircuitBreaker_SuccessResetsFailureRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ok := range []bool{false, false, true, false, false} {
		_, err := f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", ok)
		require.NoError(t, err)
	}
	rec, err := f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, rec.State)
	assert.Equal(t, uint32(2), rec.ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tripBreaker(t, f, "payments", "transfer")

	f.clock.Advance(30 * time.Second)
	changed, err := f.m.RecordCircuitBreakerEvent(ctx, "payments", "transfer", false)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, rec.State)
	require.NotNil(t, rec.OpenedAt)
	assert.True(t, rec.OpenedAt.Equal(t0.Add(30*time.Second)))
}

func TestCircuitBreaker_UnknownPairNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.m.CheckCircuitBreaker(ctx, "payments", "refund")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, rec.State)

	list, err := f.m.ListCircuitBreakers(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCircuitBreaker_MalformedKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CheckCircuitBreaker(context.Background(), "payments", "")
	assert.ErrorIs(t, err, ErrCircuitBreakerNotFound)
	_, err = f.m.RecordCircuitBreakerEvent(context.Background(), "pay/ments", "transfer", true)
	assert.ErrorIs(t, err, ErrCircuitBreakerNotFound)
}

func TestResetCircuitBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ResetCircuitBreaker(ctx, admin, "payments", "transfer")
	assert.ErrorIs(t, err, ErrCircuitBreakerNotFound)

	tripBreaker(t, f, "payments", "transfer")
	_, err = f.m.ResetCircuitBreaker(ctx, "mallory", "payments", "transfer")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	rec, err := f.m.ResetCircuitBreaker(ctx, admin, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, rec.State)
	assert.Nil(t, rec.OpenedAt)
}

func TestListCircuitBreakers_ScopedByService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, pair := range [][2]string{{"payments", "transfer"}, {"payments", "refund"}, {"ledger", "post"}} {
		_, err := f.m.RecordCircuitBreakerEvent(ctx, pair[0], pair[1], true)
		require.NoError(t, err)
	}

	all, err := f.m.ListCircuitBreakers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	payments, err := f.m.ListCircuitBreakers(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestProtect_RecordsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := f.m.Protect(ctx, "payments", "transfer", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	rejected := metrics.BreakerRejectionsTotal.WithLabelValues("payments")
	before := testutil.ToFloat64(rejected)
	called := false
	err := f.m.Protect(ctx, "payments", "transfer", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.Equal(t, before+1, testutil.ToFloat64(rejected))

	f.clock.Advance(30 * time.Second)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.m.Protect(ctx, "payments", "transfer", func(context.Context) error { return nil }))
	}
	rec, err := f.m.CheckCircuitBreaker(ctx, "payments", "transfer")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, rec.State)
}

func TestProtect_RejectsReentry(t *testing.T) {
	f := newFixture(t)
	ctx := auth.WithPrincipal(context.Background(), "mallory")

	var inner error
	err := f.m.Protect(ctx, "payments", "withdraw", func(ctx context.Context) error {
		inner = f.m.Protect(ctx, "payments", "withdraw", func(context.Context) error { return nil })
		return inner
	})
	assert.ErrorIs(t, inner, ErrReentrantCall)
	assert.ErrorIs(t, err, ErrReentrantCall)

	threats, err := f.m.ListThreats(context.Background(), ThreatFilter{Type: ThreatReentrancyAttempt})
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, SeverityHigh, threats[0].Severity)
	assert.Equal(t, []string{"mallory"}, threats[0].AffectedActors)
	assert.Contains(t, threats[0].EvidenceRefs, "function:withdraw")

	// A different function may be called from inside a protected one.
	err = f.m.Protect(ctx, "payments", "withdraw", func(ctx context.Context) error {
		return f.m.Protect(ctx, "payments", "audit", func(context.Context) error { return nil })
	})
	assert.NoError(t, err)
}
