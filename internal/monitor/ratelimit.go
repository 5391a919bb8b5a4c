package monitor

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/traces"
)

// RateLimitStatus is a read-only view of one actor's bucket.
type RateLimitStatus struct {
	Actor         string `json:"actor"`
	Service       string `json:"service"`
	MaxCalls      uint32 `json:"max_calls"`
	WindowSeconds uint64 `json:"window_seconds"`
	WindowBucket  int64  `json:"window_bucket"`
	CallCount     uint32 `json:"call_count"`
	Remaining     uint32 `json:"remaining"`
	Throttled     bool   `json:"throttled"`
}

// CheckRateLimit counts one call by actor against service and reports
// whether the actor has exceeded its limit in the current window. The
// check and the increment are one atomic step.
func (m *Monitor) CheckRateLimit(ctx context.Context, actor, service string) (bool, error) {
	if err := requireID("actor", actor); err != nil {
		return false, err
	}
	if err := requireID("service", service); err != nil {
		return false, err
	}

	var exceeded bool
	err := m.update(ctx, "check_rate_limit", func(tx *txn) error {
		tx.annotate(traces.Service(service), traces.Actor(actor))
		cfg, err := tx.config()
		if err != nil {
			return errorf(ErrInvalidRateLimitConfig, "no rate limit configured")
		}
		w, _, err := effectiveWindow(tx, cfg, service, actor)
		if err != nil {
			return err
		}
		if !w.Valid() {
			return ErrInvalidRateLimitConfig
		}

		b := ratelimit.Bucket{Actor: actor, Service: service}
		if _, err := tx.get(bucketKey(service, actor), &b); err != nil {
			return err
		}
		exceeded = b.Hit(tx.now, w)
		if err := tx.put(bucketKey(service, actor), &b); err != nil {
			return err
		}

		// Only the call that first crosses the limit raises anything.
		if exceeded && b.CallCount == w.MaxCalls+1 {
			if _, err := m.raiseThreat(tx, threatDraft{
				Service:  service,
				Type:     ThreatRateLimitExceeded,
				Severity: SeverityMedium,
				WindowID: b.WindowBucket,
				Actors:   []string{actor},
				Evidence: []string{"rate_limit:" + actor},
			}); err != nil {
				return err
			}
			tx.notify(events.TypeRateLimitExceeded, service, map[string]any{
				"actor":     actor,
				"max_calls": w.MaxCalls,
				"window":    b.WindowBucket,
			})
			tx.onCommit(func() { metrics.RateLimitExceededTotal.WithLabelValues(service).Inc() })
		}
		return nil
	})
	return exceeded, err
}

// GetRateLimitStatus reports an actor's bucket without counting a call.
func (m *Monitor) GetRateLimitStatus(ctx context.Context, actor, service string) (*RateLimitStatus, error) {
	if err := requireID("actor", actor); err != nil {
		return nil, err
	}
	if err := requireID("service", service); err != nil {
		return nil, err
	}

	var out *RateLimitStatus
	err := m.view(ctx, "get_rate_limit_status", func(tx *txn) error {
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		w, throttled, err := effectiveWindow(tx, cfg, service, actor)
		if err != nil {
			return err
		}
		var b ratelimit.Bucket
		if _, err := tx.get(bucketKey(service, actor), &b); err != nil {
			return err
		}
		out = &RateLimitStatus{
			Actor:         actor,
			Service:       service,
			MaxCalls:      w.MaxCalls,
			WindowSeconds: cfg.RateLimitWindowSeconds,
			WindowBucket:  ratelimit.BucketID(tx.now, w.Length),
			Remaining:     b.Remaining(tx.now, w),
			Throttled:     throttled,
		}
		if b.WindowBucket == out.WindowBucket {
			out.CallCount = b.CallCount
		}
		return nil
	})
	return out, err
}

// effectiveWindow returns the limit for actor on service: an actor
// override, else a service-wide override, else the configured default.
// Overrides only ever tighten the default.
func effectiveWindow(tx *txn, cfg SecurityConfig, service, actor string) (ratelimit.Window, bool, error) {
	w := ratelimit.Window{MaxCalls: cfg.RateLimitMaxCalls, Length: cfg.rateLimitWindow()}
	for _, scope := range []string{actor, throttleWholeSvc} {
		var o ThrottleOverride
		found, err := tx.get(throttleKey(service, scope), &o)
		if err != nil {
			return w, false, err
		}
		if found {
			w.MaxCalls = min(w.MaxCalls, o.MaxCalls)
			return w, true, nil
		}
	}
	return w, false, nil
}

// ListThrottles returns the overrides in force for service.
func (m *Monitor) ListThrottles(ctx context.Context, service string) ([]ThrottleOverride, error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	var out []ThrottleOverride
	err := m.view(ctx, "list_throttles", func(tx *txn) error {
		return tx.scan(prefixThrottle+service+"/", func(raw []byte) error {
			var o ThrottleOverride
			if err := decode(raw, &o); err != nil {
				return err
			}
			out = append(out, o)
			return nil
		})
	})
	return out, err
}

// RemoveThrottle lifts an override. Admin only. actor "*" removes the
// service-wide override.
func (m *Monitor) RemoveThrottle(ctx context.Context, admin, service, actor string) error {
	if err := requireID("service", service); err != nil {
		return err
	}
	if actor != throttleWholeSvc {
		if err := requireID("actor", actor); err != nil {
			return err
		}
	}
	return m.update(ctx, "remove_throttle", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		var o ThrottleOverride
		found, err := tx.get(throttleKey(service, actor), &o)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "no throttle for %s on %s", actor, service)
		}
		tx.info("throttle removed", "service", service, "actor", actor, "admin", admin)
		return tx.del(throttleKey(service, actor))
	})
}

func windowOf(now time.Time, seconds uint64) int64 {
	if seconds == 0 {
		return 0
	}
	return now.Unix() / int64(seconds)
}
