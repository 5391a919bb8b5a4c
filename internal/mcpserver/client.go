package mcpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/monitor"
)

// Config holds the configuration for connecting to a Sentinel server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// SentinelClient is a pure HTTP client for the monitor API.
type SentinelClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewSentinelClient creates a new client for the monitor API.
func NewSentinelClient(cfg Config) *SentinelClient {
	return &SentinelClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes the response body into out
// when out is non-nil.
func (c *SentinelClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Status reports whether the monitor is initialized and who administers it.
type Status struct {
	Initialized bool   `json:"initialized"`
	Admin       string `json:"admin"`
}

// GetStatus returns the monitor's lifecycle status.
func (c *SentinelClient) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doRequest(ctx, http.MethodGet, "/v1/monitor/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConfig returns the active thresholds.
func (c *SentinelClient) GetConfig(ctx context.Context) (*monitor.SecurityConfig, error) {
	var out struct {
		Config monitor.SecurityConfig `json:"config"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/config", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Config, nil
}

// ThreatQuery narrows ListThreats. Zero fields are omitted.
type ThreatQuery struct {
	Service     string
	Status      string
	Type        string
	MinSeverity string
	Limit       int
}

func (q ThreatQuery) values() url.Values {
	v := url.Values{}
	if q.Service != "" {
		v.Set("service", q.Service)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.MinSeverity != "" {
		v.Set("min_severity", q.MinSeverity)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

type threatList struct {
	Threats []*monitor.SecurityThreat `json:"threats"`
}

// ListThreats returns threats matching q, newest first.
func (c *SentinelClient) ListThreats(ctx context.Context, q ThreatQuery) ([]*monitor.SecurityThreat, error) {
	var out threatList
	if err := c.doRequest(ctx, http.MethodGet, "/v1/threats", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Threats, nil
}

// GetThreat returns one threat by ID.
func (c *SentinelClient) GetThreat(ctx context.Context, id string) (*monitor.SecurityThreat, error) {
	var out struct {
		Threat *monitor.SecurityThreat `json:"threat"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/threats/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Threat, nil
}

// Scan runs threat detection over the current window of service. A zero
// windowSeconds uses the configured detection window.
func (c *SentinelClient) Scan(ctx context.Context, service string, windowSeconds uint64) ([]*monitor.SecurityThreat, error) {
	var body any
	if windowSeconds > 0 {
		body = map[string]uint64{"window_seconds": windowSeconds}
	}
	var out threatList
	path := "/v1/services/" + url.PathEscape(service) + "/scan"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out.Threats, nil
}

type recommendationList struct {
	Recommendations []*monitor.SecurityRecommendation `json:"recommendations"`
}

// GetRecommendations returns the stored recommendations for a threat.
func (c *SentinelClient) GetRecommendations(ctx context.Context, threatID string) ([]*monitor.SecurityRecommendation, error) {
	var out recommendationList
	path := "/v1/threats/" + url.PathEscape(threatID) + "/recommendations"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// GenerateRecommendations (re)derives recommendations for a threat.
func (c *SentinelClient) GenerateRecommendations(ctx context.Context, threatID string) ([]*monitor.SecurityRecommendation, error) {
	var out recommendationList
	path := "/v1/threats/" + url.PathEscape(threatID) + "/recommendations"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Recommendations, nil
}

// Mitigate applies an admin mitigation to a threat.
func (c *SentinelClient) Mitigate(ctx context.Context, threatID string, req monitor.MitigationRequest) (*monitor.SecurityThreat, error) {
	var out struct {
		Threat *monitor.SecurityThreat `json:"threat"`
	}
	path := "/v1/threats/" + url.PathEscape(threatID) + "/mitigate"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return out.Threat, nil
}

// ListMetrics returns the stored metrics of service, newest window first.
func (c *SentinelClient) ListMetrics(ctx context.Context, service string, limit int) ([]monitor.SecurityMetrics, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Metrics []monitor.SecurityMetrics `json:"metrics"`
	}
	path := "/v1/services/" + url.PathEscape(service) + "/metrics"
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Metrics, nil
}

// BreakerStatus is a breaker record plus whether it currently admits calls.
type BreakerStatus struct {
	Breaker circuitbreaker.Record `json:"breaker"`
	Allows  bool                  `json:"allows"`
}

// CheckBreaker returns the circuit breaker of (service, function).
func (c *SentinelClient) CheckBreaker(ctx context.Context, service, function string) (*BreakerStatus, error) {
	var out BreakerStatus
	path := "/v1/services/" + url.PathEscape(service) + "/breakers/" + url.PathEscape(function)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRiskScore returns the risk assessment of user.
func (c *SentinelClient) GetRiskScore(ctx context.Context, user string) (*monitor.UserRiskScore, error) {
	var out struct {
		Risk *monitor.UserRiskScore `json:"risk"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/risk/"+url.PathEscape(user), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Risk, nil
}

// CreateIncident groups threats into an incident report.
func (c *SentinelClient) CreateIncident(ctx context.Context, threatIDs []string, summary string) (*monitor.IncidentReport, error) {
	body := map[string]any{
		"threat_ids":     threatIDs,
		"impact_summary": summary,
	}
	var out struct {
		Incident *monitor.IncidentReport `json:"incident"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/incidents", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Incident, nil
}
