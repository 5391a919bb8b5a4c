package monitor

import (
	"context"
	"slices"
	"time"

	"github.com/mbd888/sentinel/internal/traces"
)

// CalculateSecurityMetrics recomputes the metrics of the current window
// (now / windowSeconds) from the event log and stores them, replacing any
// earlier computation for the same window.
func (m *Monitor) CalculateSecurityMetrics(ctx context.Context, service string, windowSeconds uint64) (out *SecurityMetrics, err error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	if err := checkWindow("window_seconds", windowSeconds); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "monitor.calculate_metrics",
		traces.Service(service), traces.WindowSeconds(windowSeconds))
	defer func() { traces.EndSpan(span, err) }()

	if _, err := m.GetConfig(ctx); err != nil {
		return nil, err
	}

	now := m.now()
	window := windowOf(now, windowSeconds)
	from := time.Unix(window*int64(windowSeconds), 0)
	recs, err := m.events.EventsInWindow(ctx, service, from, now)
	if err != nil {
		m.logger.Error("event log read failed", "service", service, "error", err)
		return nil, errorf(ErrMetricsCalculationFailed, "%s: %v", service, err)
	}
	if _, _, err := checkRecords(recs, from, now); err != nil {
		return nil, err
	}

	sm := &SecurityMetrics{
		Service:       service,
		WindowID:      window,
		WindowSeconds: windowSeconds,
	}
	actors := make(map[string]struct{})
	for _, r := range recs {
		sm.TotalCalls++
		if !r.Success {
			sm.FailedCalls++
		}
		actors[r.Actor] = struct{}{}
	}
	sm.DistinctActors = uint32(len(actors))
	sm.ErrorRate = errorRate(sm.FailedCalls, sm.TotalCalls)

	err = m.update(ctx, "calculate_security_metrics", func(tx *txn) error {
		err := tx.scan(prefixSvcThreat+service+"/", func(raw []byte) error {
			var id string
			if err := decode(raw, &id); err != nil {
				return err
			}
			t, err := loadThreat(tx, id)
			if err != nil {
				return err
			}
			if !t.DetectedAt.Before(from) && !t.DetectedAt.After(tx.now) {
				sm.ThreatsDetected++
			}
			return nil
		})
		if err != nil {
			return err
		}
		sm.SecurityScore = securityScore(sm.ErrorRate, sm.ThreatsDetected)
		sm.CalculatedAt = tx.now
		if sm.ErrorRate > 100 || sm.FailedCalls > sm.TotalCalls {
			return errorf(ErrInvalidMetricsData, "failed %d of %d", sm.FailedCalls, sm.TotalCalls)
		}
		tx.info("security metrics calculated", "service", service, "window", window,
			"total_calls", sm.TotalCalls, "security_score", sm.SecurityScore)
		return tx.put(metricsKey(service, window), sm)
	})
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// securityScore is 100 less penalties for errors and threats, each
// capped at 50.
func securityScore(errRate, threats uint32) uint32 {
	return 100 - min(errRate, 50) - min(5*threats, 50)
}

// GetSecurityMetrics returns a stored metrics record.
func (m *Monitor) GetSecurityMetrics(ctx context.Context, service string, windowID int64) (*SecurityMetrics, error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	var out SecurityMetrics
	err := m.view(ctx, "get_security_metrics", func(tx *txn) error {
		found, err := tx.get(metricsKey(service, windowID), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrMetricsNotFound, "%s window %d", service, windowID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSecurityMetrics returns up to limit records for service, newest
// window first.
func (m *Monitor) ListSecurityMetrics(ctx context.Context, service string, limit int) ([]SecurityMetrics, error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	var out []SecurityMetrics
	err := m.view(ctx, "list_security_metrics", func(tx *txn) error {
		return tx.scan(prefixMetrics+service+"/", func(raw []byte) error {
			var sm SecurityMetrics
			if err := decode(raw, &sm); err != nil {
				return err
			}
			out = append(out, sm)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys sort oldest first.
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
