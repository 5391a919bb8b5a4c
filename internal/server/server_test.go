package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/monitor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	adminKey   = "sk_admin_test_key"
	serviceKey = "sk_payments_test_key"
	oracleKey  = "sk_oracle_test_key"
)

const thresholdsYAML = `burst_detection_threshold: 5
detection_window_seconds: 86400
breaker_failure_threshold: 3
breaker_success_threshold: 2
breaker_cooldown_seconds: 30
rate_limit_max_calls: 3
rate_limit_window_seconds: 3600
`

// testConfig returns a minimal in-memory config with an admin, a service
// and an oracle principal.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte(thresholdsYAML), 0o600); err != nil {
		t.Fatalf("Failed to write thresholds: %v", err)
	}
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		StorageBackend:        config.StorageMemory,
		EventLogMaxPerService: 1000,
		APIKeys:               adminKey + "=admin," + serviceKey + "=payments-svc," + oracleKey + "=oracle-1",
		AdminPrincipal:        "admin",
		OraclePrincipals:      []string{"oracle-1"},
		ThresholdsFile:        path,
	}
}

// newTestServer creates a server over a fresh in-memory store
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig(t), opts...)
}

func newTestServerWith(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func request(s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestHealthEndpoint_BadgerCheck(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = config.StorageBadger
	s := newTestServerWith(t, cfg)
	defer func() { _ = s.store.Close() }()

	w := request(s, "GET", "/health", "", nil)
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "badger" || !resp.Checks[0].Healthy {
		t.Errorf("Expected a healthy badger check, got %+v", resp.Checks)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "GET", "/health/ready", "", nil)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	s.ready.Store(true)
	w = request(s, "GET", "/health/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/feed",
		"POST:/v1/monitor/initialize",
		"PUT:/v1/config",
		"POST:/v1/services/:service/scan",
		"POST:/v1/services/:service/breakers/:function/events",
		"POST:/v1/threats/:id/mitigate",
		"POST:/v1/oracle/requests/:id/anomaly",
		"POST:/v1/incidents",
		"POST:/v1/activity",
		"GET:/v1/events",
		"GET:/v1/auth/me",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestRemoteEventLogHidesLocalRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLogURL = "http://127.0.0.1:1"
	s := newTestServerWith(t, cfg)

	for _, route := range s.router.Routes() {
		if route.Path == "/v1/activity" || route.Path == "/v1/events" {
			t.Errorf("Local event log route %s registered with a remote log", route.Path)
		}
	}
}

// ---------------------------------------------------------------------------
// Bootstrap tests
// ---------------------------------------------------------------------------

func TestBootstrapFromThresholdsFile(t *testing.T) {
	store := kvstore.NewMemoryStore()
	cfg := testConfig(t)
	s := newTestServerWith(t, cfg, WithStore(store))
	ctx := context.Background()

	got, err := s.Monitor().GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.RateLimitMaxCalls != 3 || got.ErrorRateThreshold != monitor.DefaultErrorRateThreshold {
		t.Errorf("Thresholds not applied: %+v", got)
	}

	oracles, err := s.Monitor().ListOracles(ctx)
	if err != nil {
		t.Fatalf("ListOracles: %v", err)
	}
	if len(oracles) != 1 || oracles[0].Oracle != "oracle-1" || len(oracles[0].Purposes) != len(monitor.Purposes) {
		t.Errorf("Expected oracle-1 for every purpose, got %+v", oracles)
	}

	// A restart over the same store keeps the stored config.
	s2 := newTestServerWith(t, cfg, WithStore(store))
	admin, err := s2.Monitor().Admin(ctx)
	if err != nil || admin != "admin" {
		t.Errorf("Expected admin to survive restart, got %q (%v)", admin, err)
	}
}

func TestBootstrap_InvalidThresholds(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.ThresholdsFile, []byte("burst_detection_threshold: 0\n"), 0o600); err != nil {
		t.Fatalf("Failed to write thresholds: %v", err)
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected an error for an invalid thresholds file")
	}
}

func TestBootstrap_InvalidAPIKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKeys = "not-a-key=admin"
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected an error for a key without the sk_ prefix")
	}
}

// ---------------------------------------------------------------------------
// End-to-end flows
// ---------------------------------------------------------------------------

func TestActivityScanAndMitigate(t *testing.T) {
	s := newTestServer(t)

	for range 12 {
		w := request(s, "POST", "/v1/activity", serviceKey, gin.H{
			"service":  "payments",
			"actor":    "alice",
			"function": "transfer",
			"success":  true,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := request(s, "POST", "/v1/services/payments/scan", serviceKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var scan struct {
		Threats []monitor.SecurityThreat `json:"threats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &scan); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(scan.Threats) != 1 || scan.Threats[0].ThreatType != monitor.ThreatBurstActivity {
		t.Fatalf("Expected one burst threat, got %s", w.Body.String())
	}

	path := "/v1/threats/" + scan.Threats[0].ID + "/mitigate"
	body := gin.H{"action": "dismiss", "note": "load test"}
	w = request(s, "POST", path, serviceKey, body)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a non-admin mitigation, got %d: %s", w.Code, w.Body.String())
	}
	w = request(s, "POST", path, adminKey, body)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "POST", "/v1/services/payments/scan", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a key, got %d", w.Code)
	}
	w = request(s, "POST", "/v1/services/payments/scan", "sk_unknown", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for an unknown key, got %d", w.Code)
	}
}

func TestAPIRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIRateLimit = true
	s := newTestServerWith(t, cfg)

	for i := range 3 {
		w := request(s, "GET", "/v1/monitor/status", serviceKey, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Call %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := request(s, "GET", "/v1/monitor/status", serviceKey, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 past the limit, got %d", w.Code)
	}

	// Other callers have their own bucket.
	w = request(s, "GET", "/v1/monitor/status", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for another principal, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "GET", "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["initialized"] != true || resp["storage"] != config.StorageMemory {
		t.Errorf("Unexpected info %v", resp)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := request(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	if err := s.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
