package monitor

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
)

func breakerThresholds(cfg SecurityConfig) circuitbreaker.Thresholds {
	return circuitbreaker.Thresholds{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
	}
}

func breakerIDs(service, function string) error {
	if requireID("service", service) != nil || requireID("function", function) != nil {
		return errorf(ErrCircuitBreakerNotFound, "malformed breaker key %q/%q", service, function)
	}
	return nil
}

func loadBreaker(tx *txn, service, function string) (*circuitbreaker.Record, bool, error) {
	var rec circuitbreaker.Record
	found, err := tx.get(breakerKey(service, function), &rec)
	if err != nil {
		return nil, false, errorf(ErrInvalidBreakerState, "%s/%s: %v", service, function, err)
	}
	if !found {
		return circuitbreaker.NewRecord(service, function, tx.now), false, nil
	}
	return &rec, true, nil
}

func (m *Monitor) saveTransition(tx *txn, rec *circuitbreaker.Record, from circuitbreaker.State) error {
	if err := tx.put(breakerKey(rec.Service, rec.Function), rec); err != nil {
		return err
	}
	if rec.State == from {
		return nil
	}
	tx.notify(events.TypeBreakerStateChanged, rec.Service, map[string]any{
		"function": rec.Function,
		"from":     from.String(),
		"to":       rec.State.String(),
	})
	tx.info("circuit breaker state changed", "service", rec.Service, "function", rec.Function,
		"from", from.String(), "to", rec.State.String())
	return nil
}

// CheckCircuitBreaker returns the breaker for (service, function). An open
// breaker whose cooldown has elapsed moves to half-open here, and that move
// is persisted. A pair with no history reads as a fresh closed breaker.
func (m *Monitor) CheckCircuitBreaker(ctx context.Context, service, function string) (*circuitbreaker.Record, error) {
	if err := breakerIDs(service, function); err != nil {
		return nil, err
	}
	var out *circuitbreaker.Record
	err := m.update(ctx, "check_circuit_breaker", func(tx *txn) error {
		tx.annotate(traces.Service(service), traces.Function(function))
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		rec, found, err := loadBreaker(tx, service, function)
		if err != nil {
			return err
		}
		out = rec
		if !found {
			return nil
		}
		from := rec.State
		changed, err := rec.Check(breakerThresholds(cfg), tx.now)
		if err != nil {
			return errorf(ErrInvalidBreakerState, "%s/%s: %v", service, function, err)
		}
		if !changed {
			return nil
		}
		return m.saveTransition(tx, rec, from)
	})
	return out, err
}

// RecordCircuitBreakerEvent records the outcome of a protected call and
// reports whether the breaker changed state. The breaker is created on
// first use.
func (m *Monitor) RecordCircuitBreakerEvent(ctx context.Context, service, function string, success bool) (bool, error) {
	if err := breakerIDs(service, function); err != nil {
		return false, err
	}
	var changed bool
	err := m.update(ctx, "record_circuit_breaker_event", func(tx *txn) error {
		tx.annotate(traces.Service(service), traces.Function(function))
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		rec, _, err := loadBreaker(tx, service, function)
		if err != nil {
			return err
		}
		from := rec.State
		changed, err = rec.Observe(breakerThresholds(cfg), success, tx.now)
		if err != nil {
			return errorf(ErrInvalidBreakerState, "%s/%s: %v", service, function, err)
		}
		return m.saveTransition(tx, rec, from)
	})
	return changed, err
}

// ResetCircuitBreaker forces a breaker closed. Admin only.
func (m *Monitor) ResetCircuitBreaker(ctx context.Context, admin, service, function string) (*circuitbreaker.Record, error) {
	if err := breakerIDs(service, function); err != nil {
		return nil, err
	}
	var out *circuitbreaker.Record
	err := m.update(ctx, "reset_circuit_breaker", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		rec, found, err := loadBreaker(tx, service, function)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrCircuitBreakerNotFound, "%s/%s", service, function)
		}
		from := rec.State
		rec.Reset(tx.now)
		out = rec
		return m.saveTransition(tx, rec, from)
	})
	return out, err
}

// ListCircuitBreakers returns the stored breakers, for one service when
// service is non-empty.
func (m *Monitor) ListCircuitBreakers(ctx context.Context, service string) ([]*circuitbreaker.Record, error) {
	prefix := prefixBreaker
	if service != "" {
		if err := requireID("service", service); err != nil {
			return nil, err
		}
		prefix += service + "/"
	}
	var out []*circuitbreaker.Record
	err := m.view(ctx, "list_circuit_breakers", func(tx *txn) error {
		return tx.scan(prefix, func(raw []byte) error {
			var rec circuitbreaker.Record
			if err := decode(raw, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

type protectKey struct{ service, function string }

// Protect runs fn behind the (service, function) breaker: it is rejected
// with ErrCircuitBreakerOpen while the breaker is open, and its outcome is
// recorded otherwise. fn runs without the monitor lock held. A call to
// Protect for the same pair from inside fn is rejected with
// ErrReentrantCall and raises a reentrancy threat.
func (m *Monitor) Protect(ctx context.Context, service, function string, fn func(context.Context) error) error {
	key := protectKey{service, function}
	if ctx.Value(key) != nil {
		m.reportReentrancy(ctx, service, function)
		return errorf(ErrReentrantCall, "%s/%s is already executing", service, function)
	}

	rec, err := m.CheckCircuitBreaker(ctx, service, function)
	if err != nil {
		return err
	}
	if !rec.Allows() {
		metrics.BreakerRejectionsTotal.WithLabelValues(service).Inc()
		m.logger.Warn("call rejected by open circuit breaker", "service", service, "function", function)
		return errorf(ErrCircuitBreakerOpen, "%s/%s", service, function)
	}

	callErr := fn(context.WithValue(ctx, key, true))
	if _, err := m.RecordCircuitBreakerEvent(ctx, service, function, callErr == nil); err != nil {
		if callErr != nil {
			return callErr
		}
		return err
	}
	return callErr
}

func (m *Monitor) reportReentrancy(ctx context.Context, service, function string) {
	var actors []string
	if p, ok := auth.PrincipalFrom(ctx); ok {
		actors = append(actors, p)
	}
	err := m.update(ctx, "report_reentrancy", func(tx *txn) error {
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		_, err = m.raiseThreat(tx, threatDraft{
			Service:  service,
			Type:     ThreatReentrancyAttempt,
			Severity: SeverityHigh,
			WindowID: windowOf(tx.now, cfg.DetectionWindowSeconds),
			Actors:   actors,
			Evidence: []string{"function:" + function},
		})
		return err
	})
	if err != nil {
		m.logger.Warn("failed to record reentrancy attempt", "service", service, "function", function, "error", err)
	}
}
