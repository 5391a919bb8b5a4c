package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mbd888/sentinel/internal/metrics"
)

// HTTPSource reads activity from a remote event log over HTTP. Calls go
// through a circuit breaker so a failing log is not hammered while the
// monitor keeps scanning.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[[]Record]
	logger     *slog.Logger
}

type eventsResponse struct {
	Events []Record `json:"events"`
}

// NewHTTPSource creates a source for the event log at baseURL. The remote
// must serve GET /v1/events?service=&from=&to= with RFC 3339 bounds at
// nanosecond precision. A nil logger uses slog.Default.
func NewHTTPSource(baseURL string, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	name := "event-log"
	metrics.EventLogBreakerState.WithLabelValues(name).Set(0)

	s.cb = gobreaker.NewCircuitBreaker[[]Record](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("event log breaker transition", "from", from.String(), "to", to.String())
			metrics.EventLogBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return s
}

func (s *HTTPSource) EventsInWindow(ctx context.Context, service string, from, to time.Time) ([]Record, error) {
	recs, err := s.cb.Execute(func() ([]Record, error) {
		return s.fetch(ctx, service, from, to)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.EventLogRequestsTotal.WithLabelValues("rejected").Inc()
		} else {
			metrics.EventLogRequestsTotal.WithLabelValues("failure").Inc()
		}
		return nil, err
	}
	metrics.EventLogRequestsTotal.WithLabelValues("success").Inc()
	return recs, nil
}

func (s *HTTPSource) fetch(ctx context.Context, service string, from, to time.Time) ([]Record, error) {
	u, err := url.Parse(s.baseURL + "/v1/events")
	if err != nil {
		return nil, fmt.Errorf("invalid event log URL: %w", err)
	}
	q := url.Values{}
	q.Set("service", service)
	q.Set("from", from.UTC().Format(time.RFC3339Nano))
	q.Set("to", to.UTC().Format(time.RFC3339Nano))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("event log error (%d): %s", resp.StatusCode, string(body))
	}

	var out eventsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return out.Events, nil
}

// Ping reports whether the breaker currently lets requests through.
func (s *HTTPSource) Ping() error {
	if s.cb.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	return nil
}
