package ratelimit_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/monitor"
	"github.com/mbd888/sentinel/internal/ratelimit"
)

func TestMiddleware_KeysByPrincipalAgainstMonitor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	now := time.Unix(1_700_000_040, 0)

	m := monitor.New(kvstore.NewMemoryStore(), eventlog.NewMemoryLog(0),
		monitor.WithClock(func() time.Time { return now }))
	cfg := monitor.DefaultSecurityConfig()
	cfg.RateLimitMaxCalls = 2
	cfg.RateLimitWindowSeconds = 3600
	require.NoError(t, m.Initialize(ctx, "admin", cfg))

	keys := auth.NewManager(auth.NewMemoryStore())
	_, err := keys.ImportKey(ctx, "sk_alice_key_0123456789", "alice", "test")
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware(keys))
	r.Use(ratelimit.Middleware(m, "api", ratelimit.ClientKey, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	call := func(authz string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("Bearer sk_alice_key_0123456789"))
	assert.Equal(t, http.StatusOK, call("Bearer sk_alice_key_0123456789"))
	assert.Equal(t, http.StatusTooManyRequests, call("Bearer sk_alice_key_0123456789"),
		"the limit must actually be enforced, not skipped")

	st, err := m.GetRateLimitStatus(ctx, "alice", "api")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.CallCount)

	// Anonymous callers from the same address have their own bucket.
	assert.Equal(t, http.StatusOK, call(""))
	ipStatus, err := m.GetRateLimitStatus(ctx, "10.0.0.7", "api")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ipStatus.CallCount)
}
