package monitor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/kvstore"
)

type sourceFunc func(ctx context.Context, service string, from, to time.Time) ([]eventlog.Record, error)

func (f sourceFunc) EventsInWindow(ctx context.Context, service string, from, to time.Time) ([]eventlog.Record, error) {
	return f(ctx, service, from, to)
}

func newSourceMonitor(t *testing.T, src eventlog.Source) *Monitor {
	t.Helper()
	m := New(kvstore.NewMemoryStore(), src, WithClock(func() time.Time { return t0 }))
	require.NoError(t, m.Initialize(context.Background(), admin, DefaultSecurityConfig()))
	return m
}

func (f *fixture) appendAt(t *testing.T, service, actor string, at time.Time, success bool) {
	t.Helper()
	require.NoError(t, f.log.Append(context.Background(), service, eventlog.Record{
		Actor: actor, Function: "transfer", Success: success, Timestamp: at,
	}))
}

func typesOf(ts []*SecurityThreat) []ThreatType {
	out := make([]ThreatType, 0, len(ts))
	for _, th := range ts {
		out = append(out, th.ThreatType)
	}
	return out
}

func TestScan_BurstActivity(t *testing.T) {
	f := newFixture(t)
	f.activity(t, "payments", "alice", 12, true, 30*time.Second)

	threats, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)

	th := threats[0]
	assert.Equal(t, ThreatBurstActivity, th.ThreatType)
	assert.Equal(t, SeverityMedium, th.Severity)
	assert.Equal(t, ThreatOpen, th.Status)
	assert.Equal(t, []string{"alice"}, th.AffectedActors)
	assert.Contains(t, th.EvidenceRefs, "peak_calls:12")
	assert.Equal(t, ThreatID("payments", ThreatBurstActivity, t0.Unix()/60), th.ID)

	detected := f.notes.OfType(events.TypeThreatDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, "medium", detected[0].Data["severity"])
}

func TestScan_RescanRefreshesSameThreat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activity(t, "payments", "alice", 12, true, 30*time.Second)

	first, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, first, 1)

	f.clock.Advance(10 * time.Second)
	f.activity(t, "payments", "bob", 60, true, 5*time.Second)
	second, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Seq, second[0].Seq)
	assert.True(t, second[0].DetectedAt.Equal(t0))
	assert.True(t, second[0].LastSeenAt.Equal(t0.Add(10*time.Second)))
	assert.Equal(t, SeverityCritical, second[0].Severity)
	assert.Equal(t, []string{"alice", "bob"}, second[0].AffectedActors)

	stored, err := f.m.GetServiceThreats(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestScan_SeverityNeverDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activity(t, "payments", "alice", 60, true, 30*time.Second)

	first, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, SeverityCritical, first[0].Severity)

	// Most of the burst has aged out of the window.
	f.clock.Advance(45 * time.Second)
	f.activity(t, "payments", "alice", 12, true, time.Second)
	second, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, SeverityCritical, second[0].Severity)
}

func TestScan_InsufficientEvents(t *testing.T) {
	f := newFixture(t)
	f.activity(t, "payments", "alice", 5, true, 10*time.Second)

	_, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	assert.ErrorIs(t, err, ErrInsufficientEvents)
	assert.Equal(t, KindProcessing, KindOf(err))
}

func TestScan_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.ScanForThreats(context.Background(), "payments", 0)
	assert.ErrorIs(t, err, ErrInvalidTimeWindow)
	_, err = f.m.ScanForThreats(context.Background(), "", 60)
	assert.ErrorIs(t, err, ErrInvalidInput)

	for _, ws := range []uint64{maxWindowSeconds + 1, math.MaxInt64 / uint64(time.Second), math.MaxUint64} {
		_, err = f.m.ScanForThreats(context.Background(), "payments", ws)
		assert.ErrorIs(t, err, ErrInvalidTimeWindow, "window %d", ws)
	}
}

func TestScan_LargestWindow(t *testing.T) {
	f := newFixture(t)
	f.activity(t, "payments", "alice", 5, true, 10*time.Second)

	// The window is accepted and the read covers the whole log.
	_, err := f.m.ScanForThreats(context.Background(), "payments", maxWindowSeconds)
	assert.ErrorIs(t, err, ErrInsufficientEvents)
	assert.Contains(t, err.Error(), "5 events in window")
}

func TestScan_ReplayFailure(t *testing.T) {
	m := newSourceMonitor(t, sourceFunc(func(context.Context, string, time.Time, time.Time) ([]eventlog.Record, error) {
		return nil, errors.New("connection refused")
	}))

	_, err := m.ScanForThreats(context.Background(), "payments", 60)
	assert.ErrorIs(t, err, ErrEventReplayFailed)
}

func TestScan_RecordOutsideWindow(t *testing.T) {
	m := newSourceMonitor(t, sourceFunc(func(_ context.Context, _ string, from, _ time.Time) ([]eventlog.Record, error) {
		return []eventlog.Record{{Actor: "alice", Function: "f", Success: true, Timestamp: from.Add(-time.Second)}}, nil
	}))

	_, err := m.ScanForThreats(context.Background(), "payments", 60)
	assert.ErrorIs(t, err, ErrEventFilteringFailed)
}

func TestScan_OutOfOrderRecords(t *testing.T) {
	m := newSourceMonitor(t, sourceFunc(func(_ context.Context, _ string, _, to time.Time) ([]eventlog.Record, error) {
		var recs []eventlog.Record
		for i := 0; i < 10; i++ {
			recs = append(recs, eventlog.Record{
				Actor: "alice", Function: "f", Success: true, Timestamp: to.Add(-time.Duration(10-i) * time.Second),
			})
		}
		recs[3], recs[4] = recs[4], recs[3]
		return recs, nil
	}))

	threats, err := m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	assert.Equal(t, []ThreatType{ThreatBurstActivity, ThreatSequenceIntegrityIssue}, typesOf(threats))
	assert.Equal(t, SeverityLow, threats[1].Severity)
	assert.Contains(t, threats[1].EvidenceRefs, "out_of_order:1")
}

func TestScan_ErrorRateSpike(t *testing.T) {
	f := newFixture(t)
	f.withConfig(t, func(c *SecurityConfig) { c.BurstDetectionThreshold = 1000 })
	f.activity(t, "payments", "alice", 6, true, 30*time.Second)
	f.activity(t, "payments", "bob", 4, false, 30*time.Second)

	threats, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, ThreatErrorRateSpike, threats[0].ThreatType)
	assert.Equal(t, SeverityHigh, threats[0].Severity)
	assert.Equal(t, []string{"bob"}, threats[0].AffectedActors)
	assert.Contains(t, threats[0].EvidenceRefs, "error_rate:40")
}

func TestScan_AnomalousActor(t *testing.T) {
	f := newFixture(t)
	f.withConfig(t, func(c *SecurityConfig) {
		c.BurstDetectionThreshold = 1000
		c.ActorAnomalyMultiplier = 2
	})
	f.activity(t, "payments", "alice", 20, true, 30*time.Second)
	for _, a := range []string{"bob", "carol", "dave", "erin"} {
		f.activity(t, "payments", a, 1, true, 0)
	}

	threats, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, ThreatAnomalousActor, threats[0].ThreatType)
	assert.Equal(t, SeverityHigh, threats[0].Severity)
	assert.Equal(t, []string{"alice"}, threats[0].AffectedActors)
}

func TestScan_ActorChurn(t *testing.T) {
	f := newFixture(t)
	f.withConfig(t, func(c *SecurityConfig) { c.BurstDetectionThreshold = 1000 })
	f.appendAt(t, "payments", "alice", t0.Add(-90*time.Second), true)
	f.appendAt(t, "payments", "bob", t0.Add(-80*time.Second), true)
	f.activity(t, "payments", "carol", 4, true, 30*time.Second)
	f.activity(t, "payments", "dave", 3, true, 30*time.Second)
	f.activity(t, "payments", "erin", 3, true, 30*time.Second)

	threats, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, ThreatActorChurn, threats[0].ThreatType)
	assert.Equal(t, SeverityHigh, threats[0].Severity)
	assert.Equal(t, []string{"carol", "dave", "erin"}, threats[0].AffectedActors)
	assert.Contains(t, threats[0].EvidenceRefs, "churn:100")
}

func TestScan_NoChurnWhenActorsReturn(t *testing.T) {
	f := newFixture(t)
	f.withConfig(t, func(c *SecurityConfig) { c.BurstDetectionThreshold = 1000 })
	f.appendAt(t, "payments", "alice", t0.Add(-90*time.Second), true)
	f.appendAt(t, "payments", "bob", t0.Add(-80*time.Second), true)
	for _, a := range []string{"alice", "bob", "carol", "dave", "erin"} {
		f.activity(t, "payments", a, 2, true, 30*time.Second)
	}

	threats, err := f.m.ScanForThreats(context.Background(), "payments", 60)
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestScan_KnownMaliciousActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.withConfig(t, func(c *SecurityConfig) { c.BurstDetectionThreshold = 1000 })
	_, err := f.m.UpdateThreatIntelligence(ctx, admin, ThreatIntelligence{
		Identifier: "mallory",
		Descriptor: "credential stuffing botnet",
		Severity:   SeverityCritical,
	})
	require.NoError(t, err)

	f.activity(t, "payments", "alice", 8, true, 30*time.Second)
	f.activity(t, "payments", "mallory", 2, true, 30*time.Second)

	threats, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, ThreatKnownMaliciousActor, threats[0].ThreatType)
	assert.Equal(t, SeverityCritical, threats[0].Severity)
	assert.Equal(t, []string{"mallory"}, threats[0].AffectedActors)
	assert.Equal(t, []string{"intel:mallory"}, threats[0].EvidenceRefs)
}

func TestScan_OrderedBySeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.UpdateThreatIntelligence(ctx, admin, ThreatIntelligence{
		Identifier: "mallory",
		Descriptor: "seen probing",
		Severity:   SeverityLow,
	})
	require.NoError(t, err)

	f.activity(t, "payments", "alice", 8, true, 30*time.Second)
	f.activity(t, "payments", "mallory", 4, false, 30*time.Second)

	threats, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	assert.Equal(t, []ThreatType{ThreatErrorRateSpike, ThreatBurstActivity, ThreatKnownMaliciousActor}, typesOf(threats))
}

func TestScan_ClosedThreatNotReopened(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activity(t, "payments", "alice", 12, true, 30*time.Second)

	threats, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	_, err = f.m.ApplyMitigation(ctx, admin, threats[0].ID, MitigationRequest{Action: ActionDismiss, Note: "load test"})
	require.NoError(t, err)

	again, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := f.m.GetThreat(ctx, threats[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ThreatDismissed, stored.Status)
}

func TestListThreats_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activity(t, "payments", "alice", 12, true, 30*time.Second)
	_, err := f.m.ScanForThreats(ctx, "payments", 60)
	require.NoError(t, err)
	_, err = f.m.ReportThreat(ctx, admin, ThreatReport{Service: "ledger", Type: ThreatAccessViolation, Severity: SeverityHigh})
	require.NoError(t, err)

	all, err := f.m.ListThreats(ctx, ThreatFilter{})
	require.NoError(t, err)
	assert.Equal(t, []ThreatType{ThreatAccessViolation, ThreatBurstActivity}, typesOf(all))

	high, err := f.m.ListThreats(ctx, ThreatFilter{MinSeverity: SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 1)

	ledger, err := f.m.ListThreats(ctx, ThreatFilter{Service: "ledger", Status: ThreatOpen})
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	limited, err := f.m.ListThreats(ctx, ThreatFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetThreat_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.GetThreat(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrThreatNotFound)
	_, err = f.m.GetThreat(context.Background(), ThreatID("payments", ThreatBurstActivity, 1))
	assert.ErrorIs(t, err, ErrThreatNotFound)
}

func TestReportThreat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	report := ThreatReport{
		Service:  "payments",
		Type:     ThreatAccessViolation,
		Severity: SeverityHigh,
		Actors:   []string{"mallory"},
		Evidence: []string{"role:operator"},
	}

	_, err := f.m.ReportThreat(ctx, "mallory", report)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	th, err := f.m.ReportThreat(ctx, admin, report)
	require.NoError(t, err)
	assert.Equal(t, []string{"reported_by:admin", "role:operator"}, th.EvidenceRefs)

	_, err = f.m.ApplyMitigation(ctx, admin, th.ID, MitigationRequest{Action: ActionAlert})
	require.NoError(t, err)
	_, err = f.m.ReportThreat(ctx, admin, report)
	assert.ErrorIs(t, err, ErrThreatAlreadyExists)

	bad := report
	bad.Type = "meteor_strike"
	_, err = f.m.ReportThreat(ctx, admin, bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCalculateSecurityMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(30 * time.Second)
	f.activity(t, "payments", "alice", 8, true, 20*time.Second)
	f.activity(t, "payments", "bob", 2, false, 20*time.Second)

	sm, err := f.m.CalculateSecurityMetrics(ctx, "payments", 60)
	require.NoError(t, err)
	assert.Equal(t, t0.Unix()/60, sm.WindowID)
	assert.Equal(t, uint64(10), sm.TotalCalls)
	assert.Equal(t, uint64(2), sm.FailedCalls)
	assert.Equal(t, uint32(2), sm.DistinctActors)
	assert.Equal(t, uint32(20), sm.ErrorRate)
	assert.Zero(t, sm.ThreatsDetected)
	assert.Equal(t, uint32(80), sm.SecurityScore)

	_, err = f.m.ReportThreat(ctx, admin, ThreatReport{Service: "payments", Type: ThreatValidationFailure, Severity: SeverityLow})
	require.NoError(t, err)

	sm, err = f.m.CalculateSecurityMetrics(ctx, "payments", 60)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sm.ThreatsDetected)
	assert.Equal(t, uint32(75), sm.SecurityScore)

	stored, err := f.m.GetSecurityMetrics(ctx, "payments", sm.WindowID)
	require.NoError(t, err)
	assert.Equal(t, uint32(75), stored.SecurityScore)

	list, err := f.m.ListSecurityMetrics(ctx, "payments", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCalculateSecurityMetrics_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.clock.Advance(60 * time.Second)
		_, err := f.m.CalculateSecurityMetrics(ctx, "payments", 60)
		require.NoError(t, err)
	}

	list, err := f.m.ListSecurityMetrics(ctx, "payments", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Greater(t, list[0].WindowID, list[1].WindowID)
	assert.Equal(t, uint32(100), list[0].SecurityScore)
}

func TestCalculateSecurityMetrics_WindowTooLarge(t *testing.T) {
	f := newFixture(t)
	for _, ws := range []uint64{maxWindowSeconds + 1, math.MaxUint64} {
		_, err := f.m.CalculateSecurityMetrics(context.Background(), "payments", ws)
		assert.ErrorIs(t, err, ErrInvalidTimeWindow, "window %d", ws)
	}
	_, err := f.m.CalculateSecurityMetrics(context.Background(), "payments", 0)
	assert.ErrorIs(t, err, ErrInvalidTimeWindow)
}

func TestGetSecurityMetrics_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.GetSecurityMetrics(context.Background(), "payments", 42)
	assert.ErrorIs(t, err, ErrMetricsNotFound)
}

func TestCalculateSecurityMetrics_SourceFailure(t *testing.T) {
	m := newSourceMonitor(t, sourceFunc(func(context.Context, string, time.Time, time.Time) ([]eventlog.Record, error) {
		return nil, errors.New("timeout")
	}))
	_, err := m.CalculateSecurityMetrics(context.Background(), "payments", 60)
	assert.ErrorIs(t, err, ErrMetricsCalculationFailed)
}

func TestSecurityScore(t *testing.T) {
	tests := []struct {
		errRate, threats, want uint32
	}{
		{0, 0, 100},
		{10, 2, 80},
		{50, 10, 0},
		{90, 40, 0},
		{0, 20, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, securityScore(tt.errRate, tt.threats), "rate=%d threats=%d", tt.errRate, tt.threats)
	}
}

func TestBurstSeverity(t *testing.T) {
	assert.Equal(t, SeverityLow, burstSeverity(6, 5))
	assert.Equal(t, SeverityMedium, burstSeverity(10, 5))
	assert.Equal(t, SeverityHigh, burstSeverity(25, 5))
	assert.Equal(t, SeverityCritical, burstSeverity(50, 5))
}
