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
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
)

const oracle = "oracle-1"

func withOracle(t *testing.T, f *fixture, purposes ...OraclePurpose) {
	t.Helper()
	if len(purposes) == 0 {
		purposes = Purposes
	}
	_, err := f.m.AddOracle(context.Background(), admin, oracle, purposes)
	require.NoError(t, err)
}

func TestOracle_AnomalyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f, PurposeAnomaly)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	assert.True(t, idgen.IsFingerprint(id))

	signals := f.signals.OfType(events.TypeOracleRequest)
	require.Len(t, signals, 1)
	assert.Equal(t, id, signals[0].Data["request_id"])
	assert.Equal(t, PurposeAnomaly, signals[0].Data["purpose"])
	assert.Equal(t, "alice", signals[0].Data["actor"])

	req, err := f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 90)
	require.NoError(t, err)
	assert.Equal(t, OracleResolved, req.Status)
	assert.Equal(t, oracle, req.ResolvedBy)
	require.NotEmpty(t, req.ThreatID)

	th, err := f.m.GetThreat(ctx, req.ThreatID)
	require.NoError(t, err)
	assert.Equal(t, ThreatBehavioralAnomaly, th.ThreatType)
	assert.Equal(t, SeverityHigh, th.Severity)
	assert.Equal(t, []string{"alice"}, th.AffectedActors)
	assert.Contains(t, th.EvidenceRefs, "oracle_request:"+id)

	risk, err := f.m.GetUserRiskScore(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(90), risk.Score)
	assert.Equal(t, []string{FactorBehavioralAnomaly}, risk.RiskFactors)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 90)
	assert.ErrorIs(t, err, ErrRequestNotPending)
	assert.Len(t, f.notes.OfType(events.TypeOracleResolved), 1)
}

func TestOracle_AnomalyBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	req, err := f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 50)
	require.NoError(t, err)
	assert.Equal(t, OracleResolved, req.Status)
	assert.Empty(t, req.ThreatID)

	threats, err := f.m.ListThreats(ctx, ThreatFilter{})
	require.NoError(t, err)
	assert.Empty(t, threats)
	_, err = f.m.GetUserRiskScore(ctx, "alice")
	assert.ErrorIs(t, err, ErrDataNotFound)
}

func TestOracle_RiskScoreOnlyRises(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)
	_, err := f.m.UpdateUserRiskScore(ctx, admin, "alice", 95, "")
	require.NoError(t, err)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 80)
	require.NoError(t, err)

	risk, err := f.m.GetUserRiskScore(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(95), risk.Score)
	assert.Equal(t, "oracle:anomaly", risk.Source)
}

func TestOracle_CallbackRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f, PurposeBiometric)
	_, err := f.m.AddOracle(ctx, admin, "oracle-2", Purposes)
	require.NoError(t, err)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)

	rejected := metrics.OracleCallbacksTotal.WithLabelValues(string(PurposeAnomaly), "rejected")
	before := testutil.ToFloat64(rejected)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, "stranger", id, true, 90)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 90)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, "oracle-2", idgen.Fingerprint("nope"), true, 90)
	assert.ErrorIs(t, err, ErrDataNotFound)

	_, err = f.m.CallbackBiometricVerification(ctx, "oracle-2", id, true, 99)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, "oracle-2", id, true, 101)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, before+4, testutil.ToFloat64(rejected))

	// None of the rejected callbacks consumed the request.
	req, err := f.m.GetOracleRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OraclePending, req.Status)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, "oracle-2", id, false, 10)
	assert.NoError(t, err)
}

func TestOracle_RemovedOracleCannotAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.RemoveOracle(ctx, "mallory", oracle), ErrPermissionDenied)
	require.NoError(t, f.m.RemoveOracle(ctx, admin, oracle))
	assert.ErrorIs(t, f.m.RemoveOracle(ctx, admin, oracle), ErrDataNotFound)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, id, true, 90)
	assert.ErrorIs(t, err, ErrUnauthorized)

	oracles, err := f.m.ListOracles(ctx)
	require.NoError(t, err)
	assert.Empty(t, oracles)
}

func TestOracle_CallbackRequiresAuthenticatedOracle(t *testing.T) {
	f := newUninitialized(t, WithAuthorizer(auth.ContextAuthorizer{}))
	adminCtx := auth.WithPrincipal(context.Background(), admin)
	require.NoError(t, f.m.Initialize(adminCtx, admin, DefaultSecurityConfig()))
	_, err := f.m.AddOracle(adminCtx, admin, oracle, Purposes)
	require.NoError(t, err)

	id, err := f.m.RequestAnomalyAnalysis(context.Background(), "alice", "payments")
	require.NoError(t, err)

	// An authenticated caller claiming to be the oracle.
	_, err = f.m.CallbackAnomalyAnalysis(auth.WithPrincipal(context.Background(), "alice"), oracle, id, false, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.m.CallbackAnomalyAnalysis(auth.WithPrincipal(context.Background(), oracle), oracle, id, false, 0)
	assert.NoError(t, err)
}

func TestOracle_SignalFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signals.FailWith(errors.New("bus unavailable"))

	_, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	assert.ErrorIs(t, err, ErrOperationFailed)

	reqs, err := f.m.ListOracleRequests(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestOracle_RequestIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}

	pending, err := f.m.ListOracleRequests(ctx, OraclePending, 3)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestOracle_Biometric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f, PurposeBiometric)

	id, err := f.m.VerifyBiometrics(ctx, "alice", "payments", "sample-17")
	require.NoError(t, err)
	signals := f.signals.OfType(events.TypeOracleRequest)
	require.Len(t, signals, 1)
	assert.Equal(t, map[string]string{"biometric_ref": "sample-17"}, signals[0].Data["payload"])

	_, err = f.m.CallbackBiometricVerification(ctx, oracle, id, true, 101)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req, err := f.m.CallbackBiometricVerification(ctx, oracle, id, false, 30)
	require.NoError(t, err)
	assert.Empty(t, req.ThreatID)

	risk, err := f.m.GetUserRiskScore(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(70), risk.Score)
	assert.Equal(t, []string{FactorBiometricFailure}, risk.RiskFactors)

	threats, err := f.m.ListThreats(ctx, ThreatFilter{})
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestOracle_BiometricVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)

	id, err := f.m.VerifyBiometrics(ctx, "alice", "payments", "")
	require.NoError(t, err)
	_, err = f.m.CallbackBiometricVerification(ctx, oracle, id, true, 98)
	require.NoError(t, err)

	_, err = f.m.GetUserRiskScore(ctx, "alice")
	assert.ErrorIs(t, err, ErrDataNotFound)
}

func TestOracle_CredentialFraud(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f, PurposeCredentialFraud)

	_, err := f.m.VerifyCredentialFraud(ctx, "alice", "payments", "not-hex")
	assert.ErrorIs(t, err, ErrInvalidInput)

	id, err := f.m.VerifyCredentialFraud(ctx, "alice", "payments", "0xdeadbeef")
	require.NoError(t, err)
	req, err := f.m.CallbackCredentialFraud(ctx, oracle, id, true)
	require.NoError(t, err)
	require.NotEmpty(t, req.ThreatID)
	assert.Equal(t, map[string]any{"fraudulent": true}, req.Result)

	th, err := f.m.GetThreat(ctx, req.ThreatID)
	require.NoError(t, err)
	assert.Equal(t, ThreatCredentialFraud, th.ThreatType)
	assert.Equal(t, SeverityHigh, th.Severity)
	assert.Contains(t, th.EvidenceRefs, "credential:0xdeadbeef")
}

func TestOracle_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)
	f.withConfig(t, func(c *SecurityConfig) { c.OracleRequestTTLSeconds = 60 })

	stale, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	fresh, err := f.m.RequestAnomalyAnalysis(ctx, "bob", "payments")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, stale, true, 90)
	assert.ErrorIs(t, err, ErrRequestNotPending)

	_, err = f.m.ExpireOracleRequests(ctx, "mallory")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	n, err := f.m.ExpireOracleRequests(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req, err := f.m.GetOracleRequest(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, OracleExpired, req.Status)

	req, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, fresh, false, 0)
	require.NoError(t, err)
	assert.Equal(t, OracleResolved, req.Status)
}

func TestOracle_NoTTLNeverExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withOracle(t, f)

	id, err := f.m.RequestAnomalyAnalysis(ctx, "alice", "payments")
	require.NoError(t, err)
	f.clock.Advance(365 * 24 * time.Hour)

	n, err := f.m.ExpireOracleRequests(ctx, admin)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = f.m.CallbackAnomalyAnalysis(ctx, oracle, id, false, 0)
	assert.NoError(t, err)
}

func TestAddOracle_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.AddOracle(ctx, admin, oracle, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.m.AddOracle(ctx, admin, oracle, []OraclePurpose{"astrology"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.m.AddOracle(ctx, "mallory", oracle, Purposes)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	reg, err := f.m.AddOracle(ctx, admin, oracle, []OraclePurpose{PurposeBiometric, PurposeAnomaly, PurposeBiometric})
	require.NoError(t, err)
	assert.Equal(t, []OraclePurpose{PurposeAnomaly, PurposeBiometric}, reg.Purposes)
}
