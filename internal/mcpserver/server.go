// Package mcpserver exposes the security monitor's triage operations as MCP
// tools, backed by the HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Sentinel tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sentinel", "0.1.0")
	h := NewHandlers(NewSentinelClient(cfg))

	s.AddTool(ToolGetMonitorStatus, h.HandleGetMonitorStatus)
	s.AddTool(ToolListThreats, h.HandleListThreats)
	s.AddTool(ToolGetThreat, h.HandleGetThreat)
	s.AddTool(ToolScanService, h.HandleScanService)
	s.AddTool(ToolGetSecurityMetrics, h.HandleGetSecurityMetrics)
	s.AddTool(ToolCheckCircuitBreaker, h.HandleCheckCircuitBreaker)
	s.AddTool(ToolGetRiskScore, h.HandleGetRiskScore)
	s.AddTool(ToolRecommendFixes, h.HandleRecommendFixes)
	s.AddTool(ToolMitigateThreat, h.HandleMitigateThreat)
	s.AddTool(ToolCreateIncident, h.HandleCreateIncident)

	return s
}
