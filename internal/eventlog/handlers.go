package eventlog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/validation"
)

// Handler exposes a MemoryLog over HTTP so other services (and other
// monitor instances using HTTPSource) can append and read activity.
type Handler struct {
	log *MemoryLog
	now func() time.Time
}

// NewHandler creates a handler for log.
func NewHandler(log *MemoryLog) *Handler {
	return &Handler{log: log, now: time.Now}
}

// RegisterRoutes sets up the read route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up the append route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/activity", h.AppendActivity)
}

// AppendRequest is the body of POST /v1/activity.
type AppendRequest struct {
	Service   string     `json:"service"`
	Actor     string     `json:"actor"`
	Function  string     `json:"function"`
	Success   bool       `json:"success"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AppendActivity handles POST /v1/activity
func (h *Handler) AppendActivity(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidIdentifier("service", req.Service),
		validation.ValidIdentifier("actor", req.Actor),
		validation.ValidIdentifier("function", req.Function),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rec := Record{Actor: req.Actor, Function: req.Function, Success: req.Success, Timestamp: h.now()}
	if req.Timestamp != nil {
		rec.Timestamp = *req.Timestamp
	}
	if err := h.log.Append(c.Request.Context(), req.Service, rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_record",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

// ListEvents handles GET /v1/events?service=&from=&to=. Both bounds are
// inclusive.
func (h *Handler) ListEvents(c *gin.Context) {
	service := c.Query("service")
	if errs := validation.Validate(validation.ValidIdentifier("service", service)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	now := h.now()
	from, errFrom := parseBound(c.Query("from"), now.Add(-time.Hour))
	to, errTo := parseBound(c.Query("to"), now)
	if errFrom != nil || errTo != nil || from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_range",
			"message": "from and to must be RFC 3339 times or unix seconds with from <= to",
		})
		return
	}

	recs, err := h.log.EventsInWindow(c.Request.Context(), service, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	c.JSON(http.StatusOK, gin.H{"events": recs, "count": len(recs)})
}

// parseBound reads a range bound as an RFC 3339 time (any fractional
// precision) or as whole unix seconds. The bound is used exactly as given.
func parseBound(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}
