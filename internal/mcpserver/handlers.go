package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/sentinel/internal/monitor"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SentinelClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SentinelClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetMonitorStatus reports lifecycle status and thresholds.
func (h *Handlers) HandleGetMonitorStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := h.client.GetStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	if !status.Initialized {
		return mcp.NewToolResultText("Monitor is not initialized. An admin must call POST /v1/monitor/initialize first."), nil
	}

	cfg, err := h.client.GetConfig(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get config: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Monitor initialized (admin: %s)\n\n", status.Admin)
	sb.WriteString(formatConfig(cfg))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListThreats lists threats with optional filters.
func (h *Handlers) HandleListThreats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := ThreatQuery{
		Service:     req.GetString("service", ""),
		Status:      req.GetString("status", ""),
		MinSeverity: req.GetString("min_severity", ""),
		Limit:       req.GetInt("limit", 20),
	}

	threats, err := h.client.ListThreats(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list threats: %v", err)), nil
	}
	if len(threats) == 0 {
		return mcp.NewToolResultText("No threats found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d threat(s):\n\n", len(threats))
	for i, t := range threats {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, threatLine(t))
		fmt.Fprintf(&sb, "   ID: %s\n", t.ID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetThreat shows a threat and its stored recommendations.
func (h *Handlers) HandleGetThreat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("threat_id", "")
	if id == "" {
		return mcp.NewToolResultError("threat_id is required"), nil
	}

	t, err := h.client.GetThreat(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get threat: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(formatThreat(t))

	recs, err := h.client.GetRecommendations(ctx, id)
	switch {
	case err != nil:
		fmt.Fprintf(&sb, "\nRecommendations unavailable: %v\n", err)
	case len(recs) == 0:
		sb.WriteString("\nNo recommendations yet. Use recommend_fixes to generate them.\n")
	default:
		sb.WriteString("\n")
		sb.WriteString(formatRecommendations(recs))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleScanService runs detection over a service's current window.
func (h *Handlers) HandleScanService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	service := req.GetString("service", "")
	if service == "" {
		return mcp.NewToolResultError("service is required"), nil
	}
	window := req.GetInt("window_seconds", 0)
	if window < 0 {
		return mcp.NewToolResultError("window_seconds must not be negative"), nil
	}

	threats, err := h.client.Scan(ctx, service, uint64(window))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scan failed: %v", err)), nil
	}
	if len(threats) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Scan of %s found no threats.", service)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scan of %s found %d threat(s):\n\n", service, len(threats))
	for i, t := range threats {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, threatLine(t))
		fmt.Fprintf(&sb, "   ID: %s\n", t.ID)
		if len(t.EvidenceRefs) > 0 {
			fmt.Fprintf(&sb, "   Evidence: %s\n", strings.Join(t.EvidenceRefs, ", "))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetSecurityMetrics shows recent windows of a service.
func (h *Handlers) HandleGetSecurityMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	service := req.GetString("service", "")
	if service == "" {
		return mcp.NewToolResultError("service is required"), nil
	}

	list, err := h.client.ListMetrics(ctx, service, req.GetInt("limit", 5))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get metrics: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No metrics recorded for %s yet.", service)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Security metrics for %s:\n\n", service)
	for _, m := range list {
		start := time.Unix(m.WindowID*int64(m.WindowSeconds), 0).UTC()
		fmt.Fprintf(&sb, "Window %s (%ds)\n", start.Format(time.RFC3339), m.WindowSeconds)
		fmt.Fprintf(&sb, "  Score: %d/100\n", m.SecurityScore)
		fmt.Fprintf(&sb, "  Calls: %d (%d failed, %d%% error rate)\n", m.TotalCalls, m.FailedCalls, m.ErrorRate)
		fmt.Fprintf(&sb, "  Actors: %d  Threats: %d\n", m.DistinctActors, m.ThreatsDetected)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckCircuitBreaker shows a breaker's state.
func (h *Handlers) HandleCheckCircuitBreaker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	service := req.GetString("service", "")
	function := req.GetString("function", "")
	if service == "" || function == "" {
		return mcp.NewToolResultError("service and function are required"), nil
	}

	st, err := h.client.CheckBreaker(ctx, service, function)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check breaker: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Circuit breaker %s/%s:\n", service, function)
	fmt.Fprintf(&sb, "  State: %s\n", st.Breaker.State)
	fmt.Fprintf(&sb, "  Admits calls: %t\n", st.Allows)
	fmt.Fprintf(&sb, "  Consecutive failures: %d\n", st.Breaker.ConsecutiveFailures)
	if st.Breaker.OpenedAt != nil {
		fmt.Fprintf(&sb, "  Opened at: %s\n", st.Breaker.OpenedAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetRiskScore shows a user's risk assessment.
func (h *Handlers) HandleGetRiskScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	if user == "" {
		return mcp.NewToolResultError("user is required"), nil
	}

	r, err := h.client.GetRiskScore(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk score: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk for %s: %d/100\n", r.User, r.Score)
	if len(r.RiskFactors) > 0 {
		fmt.Fprintf(&sb, "  Factors: %s\n", strings.Join(r.RiskFactors, ", "))
	}
	fmt.Fprintf(&sb, "  Source: %s\n", r.Source)
	fmt.Fprintf(&sb, "  Updated: %s\n", r.LastUpdated.UTC().Format(time.RFC3339))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecommendFixes generates recommendations for a threat.
func (h *Handlers) HandleRecommendFixes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("threat_id", "")
	if id == "" {
		return mcp.NewToolResultError("threat_id is required"), nil
	}

	recs, err := h.client.GenerateRecommendations(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to generate recommendations: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRecommendations(recs)), nil
}

// HandleMitigateThreat applies a mitigation.
func (h *Handlers) HandleMitigateThreat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("threat_id", "")
	if id == "" {
		return mcp.NewToolResultError("threat_id is required"), nil
	}
	action := monitor.MitigationAction(req.GetString("action", ""))
	if !action.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
	maxCalls := req.GetInt("max_calls", 0)
	if maxCalls < 0 {
		return mcp.NewToolResultError("max_calls must not be negative"), nil
	}

	t, err := h.client.Mitigate(ctx, id, monitor.MitigationRequest{
		Action:   action,
		Function: req.GetString("function", ""),
		MaxCalls: uint32(maxCalls),
		Note:     req.GetString("note", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Mitigation failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Applied %s to threat %s.\n\n", action, id)
	sb.WriteString(formatThreat(t))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateIncident groups threats into an incident report.
func (h *Handlers) HandleCreateIncident(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := stringSlice(req.GetArguments()["threat_ids"])
	if len(ids) == 0 {
		return mcp.NewToolResultError("threat_ids must list at least one threat"), nil
	}
	summary := req.GetString("impact_summary", "")
	if summary == "" {
		return mcp.NewToolResultError("impact_summary is required"), nil
	}

	r, err := h.client.CreateIncident(ctx, ids, summary)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create incident: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Incident %s created (%s severity)\n", r.ID, r.MaxSeverity)
	fmt.Fprintf(&sb, "  Threats: %d\n", len(r.ThreatIDs))
	fmt.Fprintf(&sb, "  Services: %s\n", strings.Join(r.Services, ", "))
	if len(r.AffectedActors) > 0 {
		fmt.Fprintf(&sb, "  Actors: %s\n", strings.Join(r.AffectedActors, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func threatLine(t *monitor.SecurityThreat) string {
	line := fmt.Sprintf("[%s] %s on %s (%s)", strings.ToUpper(t.Severity.String()), t.ThreatType, t.Service, t.Status)
	if len(t.AffectedActors) > 0 {
		line += " actors: " + strings.Join(t.AffectedActors, ", ")
	}
	return line
}

func formatThreat(t *monitor.SecurityThreat) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Threat %s\n", t.ID)
	fmt.Fprintf(&sb, "  Type: %s\n", t.ThreatType)
	fmt.Fprintf(&sb, "  Service: %s\n", t.Service)
	fmt.Fprintf(&sb, "  Severity: %s\n", t.Severity)
	fmt.Fprintf(&sb, "  Status: %s\n", t.Status)
	fmt.Fprintf(&sb, "  Detected: %s\n", t.DetectedAt.UTC().Format(time.RFC3339))
	if len(t.AffectedActors) > 0 {
		fmt.Fprintf(&sb, "  Actors: %s\n", strings.Join(t.AffectedActors, ", "))
	}
	if len(t.EvidenceRefs) > 0 {
		fmt.Fprintf(&sb, "  Evidence: %s\n", strings.Join(t.EvidenceRefs, ", "))
	}
	if r := t.Resolution; r != nil {
		fmt.Fprintf(&sb, "  Resolution: %s by %s", r.Action, r.By)
		if r.Note != "" {
			fmt.Fprintf(&sb, " (%s)", r.Note)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRecommendations(recs []*monitor.SecurityRecommendation) string {
	if len(recs) == 0 {
		return "No recommendations apply to this threat."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recommendation(s):\n", len(recs))
	for i, r := range recs {
		fmt.Fprintf(&sb, "%d. [%s] %s (%s)\n", i+1, strings.ToUpper(r.Priority.String()), r.Title, r.Category)
		fmt.Fprintf(&sb, "   %s\n", r.Description)
		if r.FixSuggestion != "" {
			fmt.Fprintf(&sb, "   Fix: %s\n", r.FixSuggestion)
		}
		if r.Status == monitor.RecommendationAcknowledged {
			fmt.Fprintf(&sb, "   Acknowledged by %s\n", r.AcknowledgedBy)
		}
	}
	return sb.String()
}

func formatConfig(cfg *monitor.SecurityConfig) string {
	var sb strings.Builder
	sb.WriteString("Thresholds:\n")
	fmt.Fprintf(&sb, "  Burst: more than %d calls per %ds window\n", cfg.BurstDetectionThreshold, cfg.DetectionWindowSeconds)
	fmt.Fprintf(&sb, "  Error rate: %d%%\n", cfg.ErrorRateThreshold)
	fmt.Fprintf(&sb, "  Breaker: opens after %d failures, closes after %d successes, %ds cooldown\n",
		cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerCooldownSeconds)
	fmt.Fprintf(&sb, "  Rate limit: %d calls per %ds\n", cfg.RateLimitMaxCalls, cfg.RateLimitWindowSeconds)
	fmt.Fprintf(&sb, "  Oracle risk threshold: %d\n", cfg.OracleRiskThreshold)
	return sb.String()
}

// stringSlice converts a decoded JSON array argument to strings, dropping
// anything that is not a non-empty string.
func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
