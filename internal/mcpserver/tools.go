package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Sentinel MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetMonitorStatus = mcp.NewTool("get_monitor_status",
	mcp.WithDescription(
		"Show whether the security monitor is initialized, who administers it, "+
			"and the active detection thresholds."),
)

var ToolListThreats = mcp.NewTool("list_threats",
	mcp.WithDescription(
		"List detected security threats, newest first. "+
			"Use this to triage: filter by service, status or minimum severity."),
	mcp.WithString("service",
		mcp.Description("Only threats against this service")),
	mcp.WithString("status",
		mcp.Description("Threat status filter"),
		mcp.Enum("open", "mitigated", "dismissed")),
	mcp.WithString("min_severity",
		mcp.Description("Lowest severity to include"),
		mcp.Enum("low", "medium", "high", "critical")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of threats to return (default 20)")),
)

var ToolGetThreat = mcp.NewTool("get_threat",
	mcp.WithDescription(
		"Show one threat in full: affected actors, evidence, resolution, "+
			"and any remediation recommendations already generated for it."),
	mcp.WithString("threat_id",
		mcp.Required(),
		mcp.Description("The threat ID (0x-prefixed fingerprint)")),
)

var ToolScanService = mcp.NewTool("scan_service",
	mcp.WithDescription(
		"Run threat detection over the current activity window of a service. "+
			"Detects bursts, error-rate spikes, anomalous actors, actor churn and known-malicious actors. "+
			"Rescanning the same window refreshes existing threats rather than duplicating them."),
	mcp.WithString("service",
		mcp.Required(),
		mcp.Description("Service to scan (e.g. 'payments')")),
	mcp.WithNumber("window_seconds",
		mcp.Description("Window length in seconds. Defaults to the configured detection window.")),
)

var ToolGetSecurityMetrics = mcp.NewTool("get_security_metrics",
	mcp.WithDescription(
		"Show recent per-window security metrics of a service: call volume, error rate, "+
			"distinct actors, threats detected and the 0-100 security score."),
	mcp.WithString("service",
		mcp.Required(),
		mcp.Description("Service to report on")),
	mcp.WithNumber("limit",
		mcp.Description("Number of windows to show (default 5)")),
)

var ToolCheckCircuitBreaker = mcp.NewTool("check_circuit_breaker",
	mcp.WithDescription(
		"Show the circuit breaker of a service function and whether it currently admits calls."),
	mcp.WithString("service",
		mcp.Required(),
		mcp.Description("Service name")),
	mcp.WithString("function",
		mcp.Required(),
		mcp.Description("Function name within the service")),
)

var ToolGetRiskScore = mcp.NewTool("get_risk_score",
	mcp.WithDescription(
		"Show the 0-100 risk score of a user or actor, its risk factors and where it came from."),
	mcp.WithString("user",
		mcp.Required(),
		mcp.Description("User or actor principal")),
)

var ToolRecommendFixes = mcp.NewTool("recommend_fixes",
	mcp.WithDescription(
		"Generate remediation recommendations for a threat. "+
			"Regenerating keeps earlier acknowledgements."),
	mcp.WithString("threat_id",
		mcp.Required(),
		mcp.Description("The threat ID to remediate")),
)

var ToolMitigateThreat = mcp.NewTool("mitigate_threat",
	mcp.WithDescription(
		"Apply a mitigation to an open threat. Requires the admin key. "+
			"'pause' forces a function's breaker open, 'throttle' tightens the rate limit of the affected actors, "+
			"'lock_account', 'restrict_access' and 'require_reauth' raise their risk scores, "+
			"'alert' escalates without blocking, 'dismiss' closes a false positive."),
	mcp.WithString("threat_id",
		mcp.Required(),
		mcp.Description("The threat ID to mitigate")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Mitigation to apply"),
		mcp.Enum("pause", "throttle", "restrict_access", "alert", "require_reauth", "lock_account", "dismiss")),
	mcp.WithString("function",
		mcp.Description("Function whose breaker to open (required for 'pause')")),
	mcp.WithNumber("max_calls",
		mcp.Description("Explicit per-window call limit for 'throttle'")),
	mcp.WithString("note",
		mcp.Description("Why the mitigation was applied")),
)

var ToolCreateIncident = mcp.NewTool("create_incident",
	mcp.WithDescription(
		"Group related threats into an incident report with an impact summary. Requires the admin key."),
	mcp.WithArray("threat_ids",
		mcp.Required(),
		mcp.Description("IDs of the threats that make up the incident"),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithString("impact_summary",
		mcp.Required(),
		mcp.Description("What happened and who was affected")),
)
