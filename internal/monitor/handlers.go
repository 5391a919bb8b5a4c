package monitor

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler provides HTTP endpoints for the security monitor. Admin and
// oracle operations act as the authenticated principal.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new monitor handler.
func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

// RegisterRoutes sets up public (read-only) monitor routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/monitor/status", h.Status)
	r.GET("/config", h.GetConfig)

	r.GET("/threats", h.ListThreats)
	r.GET("/threats/:id", h.GetThreat)
	r.GET("/threats/:id/recommendations", h.GetRecommendations)

	svc := r.Group("/services/:service", validation.IdentifierParamMiddleware("service", "function", "actor"))
	svc.GET("/threats", h.GetServiceThreats)
	svc.GET("/metrics", h.ListMetrics)
	svc.GET("/metrics/:window", h.GetMetrics)
	svc.GET("/breakers", h.ListServiceBreakers)
	svc.GET("/breakers/:function", h.CheckBreaker)
	svc.GET("/ratelimit/:actor", h.GetRateLimitStatus)
	svc.GET("/throttles", h.ListThrottles)

	r.GET("/breakers", h.ListBreakers)
	r.GET("/oracles", h.ListOracles)
	r.GET("/oracle/requests", h.ListOracleRequests)
	r.GET("/oracle/requests/:id", h.GetOracleRequest)
	r.GET("/risk", h.ListRiskScores)
	r.GET("/risk/:user", h.GetRiskScore)
	r.GET("/intel", h.ListIntel)
	r.GET("/intel/:identifier", h.GetIntel)
	r.GET("/training/:user", h.GetTraining)
	r.GET("/incidents", h.ListIncidents)
	r.GET("/incidents/:id", h.GetIncident)
}

// RegisterProtectedRoutes sets up protected (auth-required) monitor routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/monitor/initialize", h.Initialize)
	r.PUT("/config", h.UpdateConfig)

	r.POST("/threats", h.ReportThreat)
	r.POST("/threats/:id/mitigate", h.ApplyMitigation)
	r.POST("/threats/:id/recommendations", h.GenerateRecommendations)
	r.POST("/recommendations/:id/acknowledge", h.AcknowledgeRecommendation)

	svc := r.Group("/services/:service", validation.IdentifierParamMiddleware("service", "function", "actor"))
	svc.POST("/scan", h.Scan)
	svc.POST("/metrics", h.CalculateMetrics)
	svc.POST("/breakers/:function/events", h.RecordBreakerEvent)
	svc.POST("/breakers/:function/reset", h.ResetBreaker)
	svc.POST("/ratelimit/check", h.CheckRateLimit)
	svc.DELETE("/throttles/:actor", h.RemoveThrottle)

	r.POST("/oracles", h.AddOracle)
	r.DELETE("/oracles/:oracle", h.RemoveOracle)
	r.POST("/oracle/anomaly", h.RequestAnomaly)
	r.POST("/oracle/biometric", h.RequestBiometric)
	r.POST("/oracle/credential-fraud", h.RequestCredentialFraud)
	r.POST("/oracle/requests/:id/anomaly", h.CallbackAnomaly)
	r.POST("/oracle/requests/:id/biometric", h.CallbackBiometric)
	r.POST("/oracle/requests/:id/credential-fraud", h.CallbackCredentialFraud)
	r.POST("/oracle/expire", h.ExpireOracleRequests)

	r.PUT("/risk/:user", h.UpdateRiskScore)
	r.PUT("/intel/:identifier", h.UpdateIntel)
	r.POST("/training/:user", h.RecordTraining)
	r.POST("/incidents", h.GenerateIncident)
	r.POST("/incidents/:id/resolve", h.ResolveIncident)
}

// StatusCode maps a monitor error to an HTTP status.
func StatusCode(err error) int {
	e, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrNotInitialized.Code:
		return http.StatusServiceUnavailable
	case ErrUnauthorized.Code:
		return http.StatusUnauthorized
	case ErrPermissionDenied.Code:
		return http.StatusForbidden
	case ErrRateLimitExceeded.Code:
		return http.StatusTooManyRequests
	case ErrEventReplayFailed.Code, ErrMetricsCalculationFailed.Code:
		return http.StatusBadGateway
	}
	switch e.Kind {
	case KindLifecycle, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProcessing:
		if e.Code == ErrStorage.Code {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := StatusCode(err)
	e, ok := AsError(err)
	if !ok || status == http.StatusInternalServerError {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
		return
	}
	c.JSON(status, gin.H{
		"error":   e.Name,
		"code":    e.Code,
		"message": err.Error(),
	})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

// Status handles GET /v1/monitor/status
func (h *Handler) Status(c *gin.Context) {
	ok, err := h.monitor.IsInitialized(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"initialized": ok}
	if ok {
		if admin, err := h.monitor.Admin(c.Request.Context()); err == nil {
			resp["admin"] = admin
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Initialize handles POST /v1/monitor/initialize
func (h *Handler) Initialize(c *gin.Context) {
	var cfg SecurityConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c)
		return
	}
	ctx := c.Request.Context()
	if err := h.monitor.Initialize(ctx, auth.GetPrincipal(c), cfg); err != nil {
		writeError(c, err)
		return
	}
	stored, err := h.monitor.GetConfig(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": stored})
}

// GetConfig handles GET /v1/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.monitor.GetConfig(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// UpdateConfig handles PUT /v1/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg SecurityConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c)
		return
	}
	ctx := c.Request.Context()
	if err := h.monitor.UpdateConfig(ctx, auth.GetPrincipal(c), cfg); err != nil {
		writeError(c, err)
		return
	}
	stored, err := h.monitor.GetConfig(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": stored})
}

// ListThreats handles GET /v1/threats
func (h *Handler) ListThreats(c *gin.Context) {
	f := ThreatFilter{
		Service: c.Query("service"),
		Status:  ThreatStatus(c.Query("status")),
		Type:    ThreatType(c.Query("type")),
		Limit:   queryLimit(c),
	}
	if s := c.Query("min_severity"); s != "" {
		if err := f.MinSeverity.UnmarshalText([]byte(s)); err != nil {
			validationFailed(c, validation.ValidationErrors{{Field: "min_severity", Message: "must be low, medium, high or critical"}})
			return
		}
	}
	threats, err := h.monitor.ListThreats(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threats": threats, "count": len(threats)})
}

// GetThreat handles GET /v1/threats/:id
func (h *Handler) GetThreat(c *gin.Context) {
	t, err := h.monitor.GetThreat(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threat": t})
}

// GetServiceThreats handles GET /v1/services/:service/threats
func (h *Handler) GetServiceThreats(c *gin.Context) {
	threats, err := h.monitor.GetServiceThreats(c.Request.Context(), c.Param("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threats": threats, "count": len(threats)})
}

// ReportThreat handles POST /v1/threats
func (h *Handler) ReportThreat(c *gin.Context) {
	var req ThreatReport
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.monitor.ReportThreat(c.Request.Context(), auth.GetPrincipal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"threat": t})
}

type windowRequest struct {
	WindowSeconds uint64 `json:"window_seconds"`
}

// windowSeconds reads the window from the body, falling back to the
// configured detection window.
func (h *Handler) windowSeconds(c *gin.Context) (uint64, bool) {
	var req windowRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return 0, false
		}
	}
	if req.WindowSeconds > 0 {
		return req.WindowSeconds, true
	}
	cfg, err := h.monitor.GetConfig(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return 0, false
	}
	return cfg.DetectionWindowSeconds, true
}

// Scan handles POST /v1/services/:service/scan
func (h *Handler) Scan(c *gin.Context) {
	ws, ok := h.windowSeconds(c)
	if !ok {
		return
	}
	threats, err := h.monitor.ScanForThreats(c.Request.Context(), c.Param("service"), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threats": threats, "count": len(threats)})
}

// CalculateMetrics handles POST /v1/services/:service/metrics
func (h *Handler) CalculateMetrics(c *gin.Context) {
	ws, ok := h.windowSeconds(c)
	if !ok {
		return
	}
	sm, err := h.monitor.CalculateSecurityMetrics(c.Request.Context(), c.Param("service"), ws)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": sm})
}

// GetMetrics handles GET /v1/services/:service/metrics/:window
func (h *Handler) GetMetrics(c *gin.Context) {
	window, err := strconv.ParseInt(c.Param("window"), 10, 64)
	if err != nil || window < 0 {
		validationFailed(c, validation.ValidationErrors{{Field: "window", Message: "must be a non-negative integer"}})
		return
	}
	sm, err := h.monitor.GetSecurityMetrics(c.Request.Context(), c.Param("service"), window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": sm})
}

// ListMetrics handles GET /v1/services/:service/metrics
func (h *Handler) ListMetrics(c *gin.Context) {
	list, err := h.monitor.ListSecurityMetrics(c.Request.Context(), c.Param("service"), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": list, "count": len(list)})
}

// CheckBreaker handles GET /v1/services/:service/breakers/:function
func (h *Handler) CheckBreaker(c *gin.Context) {
	rec, err := h.monitor.CheckCircuitBreaker(c.Request.Context(), c.Param("service"), c.Param("function"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": rec, "allows": rec.Allows()})
}

type breakerEventRequest struct {
	Success *bool `json:"success"`
}

// RecordBreakerEvent handles POST /v1/services/:service/breakers/:function/events
func (h *Handler) RecordBreakerEvent(c *gin.Context) {
	var req breakerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Success == nil {
		badRequest(c)
		return
	}
	changed, err := h.monitor.RecordCircuitBreakerEvent(c.Request.Context(), c.Param("service"), c.Param("function"), *req.Success)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// ResetBreaker handles POST /v1/services/:service/breakers/:function/reset
func (h *Handler) ResetBreaker(c *gin.Context) {
	rec, err := h.monitor.ResetCircuitBreaker(c.Request.Context(), auth.GetPrincipal(c), c.Param("service"), c.Param("function"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": rec})
}

// ListBreakers handles GET /v1/breakers
func (h *Handler) ListBreakers(c *gin.Context) {
	h.listBreakers(c, c.Query("service"))
}

// ListServiceBreakers handles GET /v1/services/:service/breakers
func (h *Handler) ListServiceBreakers(c *gin.Context) {
	h.listBreakers(c, c.Param("service"))
}

func (h *Handler) listBreakers(c *gin.Context, service string) {
	list, err := h.monitor.ListCircuitBreakers(c.Request.Context(), service)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": list, "count": len(list)})
}

type rateLimitRequest struct {
	Actor string `json:"actor"`
}

// CheckRateLimit handles POST /v1/services/:service/ratelimit/check. The
// actor defaults to the caller.
func (h *Handler) CheckRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}
	if req.Actor == "" {
		req.Actor = auth.GetPrincipal(c)
	}
	exceeded, err := h.monitor.CheckRateLimit(c.Request.Context(), req.Actor, c.Param("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceeded": exceeded, "actor": req.Actor})
}

// GetRateLimitStatus handles GET /v1/services/:service/ratelimit/:actor
func (h *Handler) GetRateLimitStatus(c *gin.Context) {
	st, err := h.monitor.GetRateLimitStatus(c.Request.Context(), c.Param("actor"), c.Param("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rate_limit": st})
}

// ListThrottles handles GET /v1/services/:service/throttles
func (h *Handler) ListThrottles(c *gin.Context) {
	list, err := h.monitor.ListThrottles(c.Request.Context(), c.Param("service"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"throttles": list, "count": len(list)})
}

// RemoveThrottle handles DELETE /v1/services/:service/throttles/:actor
func (h *Handler) RemoveThrottle(c *gin.Context) {
	if err := h.monitor.RemoveThrottle(c.Request.Context(), auth.GetPrincipal(c), c.Param("service"), c.Param("actor")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ApplyMitigation handles POST /v1/threats/:id/mitigate
func (h *Handler) ApplyMitigation(c *gin.Context) {
	var req MitigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.monitor.ApplyMitigation(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threat": t})
}

// GenerateRecommendations handles POST /v1/threats/:id/recommendations
func (h *Handler) GenerateRecommendations(c *gin.Context) {
	recs, err := h.monitor.GenerateRecommendations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs, "count": len(recs)})
}

// GetRecommendations handles GET /v1/threats/:id/recommendations
func (h *Handler) GetRecommendations(c *gin.Context) {
	recs, err := h.monitor.GetRecommendations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs, "count": len(recs)})
}

// AcknowledgeRecommendation handles POST /v1/recommendations/:id/acknowledge
func (h *Handler) AcknowledgeRecommendation(c *gin.Context) {
	rec, err := h.monitor.AcknowledgeRecommendation(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendation": rec})
}

type addOracleRequest struct {
	Oracle   string          `json:"oracle"`
	Purposes []OraclePurpose `json:"purposes"`
}

// AddOracle handles POST /v1/oracles
func (h *Handler) AddOracle(c *gin.Context) {
	var req addOracleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	reg, err := h.monitor.AddOracle(c.Request.Context(), auth.GetPrincipal(c), req.Oracle, req.Purposes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"oracle": reg})
}

// RemoveOracle handles DELETE /v1/oracles/:oracle
func (h *Handler) RemoveOracle(c *gin.Context) {
	if err := h.monitor.RemoveOracle(c.Request.Context(), auth.GetPrincipal(c), c.Param("oracle")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ListOracles handles GET /v1/oracles
func (h *Handler) ListOracles(c *gin.Context) {
	list, err := h.monitor.ListOracles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"oracles": list, "count": len(list)})
}

type verificationRequest struct {
	Actor          string `json:"actor"`
	Service        string `json:"service"`
	BiometricRef   string `json:"biometric_ref,omitempty"`
	CredentialHash string `json:"credential_hash,omitempty"`
}

func (h *Handler) bindVerification(c *gin.Context) (verificationRequest, bool) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return req, false
	}
	if req.Actor == "" {
		req.Actor = auth.GetPrincipal(c)
	}
	if errs := validation.Validate(
		validation.ValidIdentifier("actor", req.Actor),
		validation.ValidIdentifier("service", req.Service),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return req, false
	}
	return req, true
}

func (h *Handler) requested(c *gin.Context, id string, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": id})
}

// RequestAnomaly handles POST /v1/oracle/anomaly
func (h *Handler) RequestAnomaly(c *gin.Context) {
	req, ok := h.bindVerification(c)
	if !ok {
		return
	}
	id, err := h.monitor.RequestAnomalyAnalysis(c.Request.Context(), req.Actor, req.Service)
	h.requested(c, id, err)
}

// RequestBiometric handles POST /v1/oracle/biometric
func (h *Handler) RequestBiometric(c *gin.Context) {
	req, ok := h.bindVerification(c)
	if !ok {
		return
	}
	id, err := h.monitor.VerifyBiometrics(c.Request.Context(), req.Actor, req.Service, req.BiometricRef)
	h.requested(c, id, err)
}

// RequestCredentialFraud handles POST /v1/oracle/credential-fraud
func (h *Handler) RequestCredentialFraud(c *gin.Context) {
	req, ok := h.bindVerification(c)
	if !ok {
		return
	}
	if errs := validation.Validate(validation.ValidHex("credential_hash", req.CredentialHash)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	id, err := h.monitor.VerifyCredentialFraud(c.Request.Context(), req.Actor, req.Service, req.CredentialHash)
	h.requested(c, id, err)
}

type anomalyCallback struct {
	Anomalous bool   `json:"anomalous"`
	RiskScore uint32 `json:"risk_score"`
}

type biometricCallback struct {
	Verified   bool   `json:"verified"`
	Confidence uint32 `json:"confidence"`
}

type fraudCallback struct {
	Fraudulent bool `json:"fraudulent"`
}

func (h *Handler) resolved(c *gin.Context, req *OracleRequest, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// CallbackAnomaly handles POST /v1/oracle/requests/:id/anomaly
func (h *Handler) CallbackAnomaly(c *gin.Context) {
	var body anomalyCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	if errs := validation.Validate(validation.Percent("risk_score", body.RiskScore)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req, err := h.monitor.CallbackAnomalyAnalysis(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"), body.Anomalous, body.RiskScore)
	h.resolved(c, req, err)
}

// CallbackBiometric handles POST /v1/oracle/requests/:id/biometric
func (h *Handler) CallbackBiometric(c *gin.Context) {
	var body biometricCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	if errs := validation.Validate(validation.Percent("confidence", body.Confidence)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	req, err := h.monitor.CallbackBiometricVerification(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"), body.Verified, body.Confidence)
	h.resolved(c, req, err)
}

// CallbackCredentialFraud handles POST /v1/oracle/requests/:id/credential-fraud
func (h *Handler) CallbackCredentialFraud(c *gin.Context) {
	var body fraudCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c)
		return
	}
	req, err := h.monitor.CallbackCredentialFraud(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"), body.Fraudulent)
	h.resolved(c, req, err)
}

// GetOracleRequest handles GET /v1/oracle/requests/:id
func (h *Handler) GetOracleRequest(c *gin.Context) {
	req, err := h.monitor.GetOracleRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// ListOracleRequests handles GET /v1/oracle/requests
func (h *Handler) ListOracleRequests(c *gin.Context) {
	list, err := h.monitor.ListOracleRequests(c.Request.Context(), OracleStatus(c.Query("status")), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// ExpireOracleRequests handles POST /v1/oracle/expire
func (h *Handler) ExpireOracleRequests(c *gin.Context) {
	n, err := h.monitor.ExpireOracleRequests(c.Request.Context(), auth.GetPrincipal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

type riskRequest struct {
	Score      *uint32 `json:"score"`
	RiskFactor string  `json:"risk_factor"`
}

// UpdateRiskScore handles PUT /v1/risk/:user
func (h *Handler) UpdateRiskScore(c *gin.Context) {
	var req riskRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Score == nil {
		badRequest(c)
		return
	}
	r, err := h.monitor.UpdateUserRiskScore(c.Request.Context(), auth.GetPrincipal(c), c.Param("user"), *req.Score, req.RiskFactor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": r})
}

// GetRiskScore handles GET /v1/risk/:user
func (h *Handler) GetRiskScore(c *gin.Context) {
	r, err := h.monitor.GetUserRiskScore(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": r})
}

// ListRiskScores handles GET /v1/risk
func (h *Handler) ListRiskScores(c *gin.Context) {
	var minScore uint32
	if s := c.Query("min_score"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil || v > 100 {
			validationFailed(c, validation.ValidationErrors{{Field: "min_score", Message: "must be between 0 and 100"}})
			return
		}
		minScore = uint32(v)
	}
	list, err := h.monitor.ListRiskScores(c.Request.Context(), minScore, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": list, "count": len(list)})
}

// UpdateIntel handles PUT /v1/intel/:identifier
func (h *Handler) UpdateIntel(c *gin.Context) {
	var intel ThreatIntelligence
	if err := c.ShouldBindJSON(&intel); err != nil {
		badRequest(c)
		return
	}
	intel.Identifier = c.Param("identifier")
	out, err := h.monitor.UpdateThreatIntelligence(c.Request.Context(), auth.GetPrincipal(c), intel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intel": out})
}

// GetIntel handles GET /v1/intel/:identifier
func (h *Handler) GetIntel(c *gin.Context) {
	intel, err := h.monitor.GetThreatIntelligence(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intel": intel})
}

// ListIntel handles GET /v1/intel
func (h *Handler) ListIntel(c *gin.Context) {
	list, err := h.monitor.ListThreatIntelligence(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intel": list, "count": len(list)})
}

type trainingRequest struct {
	Module string `json:"module"`
	Score  uint32 `json:"score"`
}

// RecordTraining handles POST /v1/training/:user
func (h *Handler) RecordTraining(c *gin.Context) {
	var req trainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	st, err := h.monitor.RecordSecurityTraining(c.Request.Context(), auth.GetPrincipal(c), c.Param("user"), req.Module, req.Score)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"training": st})
}

// GetTraining handles GET /v1/training/:user
func (h *Handler) GetTraining(c *gin.Context) {
	st, err := h.monitor.GetTrainingStatus(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"training": st})
}

type incidentRequest struct {
	ThreatIDs     []string `json:"threat_ids"`
	ImpactSummary string   `json:"impact_summary"`
}

// GenerateIncident handles POST /v1/incidents
func (h *Handler) GenerateIncident(c *gin.Context) {
	var req incidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	r, err := h.monitor.GenerateIncidentReport(c.Request.Context(), auth.GetPrincipal(c), req.ThreatIDs, req.ImpactSummary)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"incident": r})
}

// GetIncident handles GET /v1/incidents/:id
func (h *Handler) GetIncident(c *gin.Context) {
	r, err := h.monitor.GetIncidentReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": r})
}

// ListIncidents handles GET /v1/incidents
func (h *Handler) ListIncidents(c *gin.Context) {
	list, err := h.monitor.ListIncidentReports(c.Request.Context(), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list, "count": len(list)})
}

type resolveIncidentRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveIncident handles POST /v1/incidents/:id/resolve
func (h *Handler) ResolveIncident(c *gin.Context) {
	var req resolveIncidentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c)
			return
		}
	}
	r, err := h.monitor.ResolveIncidentReport(c.Request.Context(), auth.GetPrincipal(c), c.Param("id"), req.Resolution)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": r})
}
