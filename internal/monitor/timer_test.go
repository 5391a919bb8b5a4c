package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)
	f.withConfig(t, func(c *SecurityConfig) { c.OracleRequestTTLSeconds = 10 })

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	f.clock.Advance(15 * time.Second)
	f.activity(t, "payments", "alice", 12, true, 10*time.Second)

	timer := NewTimer(f.m, []string{"payments", "ledger"}, time.Minute, slog.Default())
	timer.sweep(ctx)

	req, err := f.m.GetOracleRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OracleExpired, req.Status)

	threats, err := f.m.GetServiceThreats(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, ThreatBurstActivity, threats[0].ThreatType)

	sm, err := f.m.GetSecurityMetrics(ctx, "payments", t0.Add(15*time.Second).Unix()/60)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sm.ThreatsDetected)

	// Idle services still get a metrics record.
	_, err = f.m.GetSecurityMetrics(ctx, "ledger", t0.Add(15*time.Second).Unix()/60)
	assert.NoError(t, err)
}

func TestTimer_SweepBeforeInitialize(t *testing.T) {
	f := newUninitialized(t)
	timer := NewTimer(f.m, []string{"payments"}, 0, slog.Default())
	assert.NotPanics(t, func() { timer.sweep(context.Background()) })
	assert.Zero(t, f.store.Len())
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.m, nil, time.Hour, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		timer.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Running())
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.m, nil, time.Hour, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}
