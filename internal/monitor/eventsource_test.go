package monitor

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/kvstore"
)

// remoteLog serves l over HTTP and returns a monitor that reads it through
// an HTTPSource, with its clock fixed at now.
func remoteLog(t *testing.T, l *eventlog.MemoryLog, now time.Time) *Monitor {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	eventlog.NewHandler(l).RegisterRoutes(r.Group("/v1"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	src := eventlog.NewHTTPSource(ts.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m := New(kvstore.NewMemoryStore(), src, WithClock(func() time.Time { return now }))
	require.NoError(t, m.Initialize(context.Background(), admin, DefaultSecurityConfig()))
	return m
}

func TestRemoteSource_SubSecondClock(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 600_000_000).UTC()
	from := now.Add(-120 * time.Second)

	l := eventlog.NewMemoryLog(0)
	appendRec := func(actor string, at time.Time) {
		require.NoError(t, l.Append(ctx, "payments", eventlog.Record{
			Actor: actor, Function: "transfer", Success: true, Timestamp: at,
		}))
	}
	// Same second as the lower bound, but before it.
	appendRec("stale", from.Add(-300*time.Millisecond))
	for i := 0; i < 20; i++ {
		appendRec("alice", now.Add(-time.Duration(i)*500*time.Millisecond))
	}
	// Same second as now, but after it.
	appendRec("future", now.Add(200*time.Millisecond))

	m := remoteLog(t, l, now)

	for range 2 {
		threats, err := m.ScanForThreats(ctx, "payments", 60)
		require.NoError(t, err)
		require.Len(t, threats, 1)
		assert.Equal(t, ThreatBurstActivity, threats[0].ThreatType)
		assert.Equal(t, []string{"alice"}, threats[0].AffectedActors)
	}

	sm, err := m.CalculateSecurityMetrics(ctx, "payments", 60)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), sm.TotalCalls)
	assert.Equal(t, uint32(1), sm.DistinctActors)
}
