package monitor

import (
	"context"
	"log/slog"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// MitigationRequest describes what to do about a threat.
type MitigationRequest struct {
	Action   MitigationAction `json:"action"`
	Function string           `json:"function,omitempty"`  // pause: the function whose breaker is forced open
	MaxCalls uint32           `json:"max_calls,omitempty"` // throttle: explicit limit
	Note     string           `json:"note,omitempty"`
}

// Risk factors written by account mitigations.
const (
	FactorAccountLocked    = "account_locked"
	FactorReauthRequired   = "reauth_required"
	FactorAccessRestricted = "access_restricted"
)

// ApplyMitigation resolves an open threat. Admin only. Pause forces the
// named breaker open, throttle tightens the rate limit for the threat's
// actors (or the whole service when it has none), and the account actions
// flag the actors' risk scores. Dismiss closes the threat as Dismissed;
// every other action closes it as Mitigated.
func (m *Monitor) ApplyMitigation(ctx context.Context, admin, threatID string, req MitigationRequest) (*SecurityThreat, error) {
	if !req.Action.Valid() {
		return nil, errorf(ErrInvalidInput, "unknown mitigation action %q", req.Action)
	}
	if req.Action == ActionPause {
		if err := requireID("function", req.Function); err != nil {
			return nil, err
		}
	}
	if len(req.Note) > validation.MaxStringLength {
		return nil, errorf(ErrInvalidInput, "note too long")
	}

	var out *SecurityThreat
	err := m.update(ctx, "apply_mitigation", func(tx *txn) error {
		tx.annotate(traces.ThreatID(threatID))
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		t, err := loadThreat(tx, threatID)
		if err != nil {
			return err
		}
		if t.Status != ThreatOpen {
			return errorf(ErrThreatNotOpen, "threat %s is %s", t.ID, t.Status)
		}

		res := &Resolution{Action: req.Action, By: admin, At: tx.now, Note: req.Note}
		switch req.Action {
		case ActionPause:
			res.Function = req.Function
			rec, _, err := loadBreaker(tx, t.Service, req.Function)
			if err != nil {
				return err
			}
			from := rec.State
			rec.Trip(tx.now)
			if err := m.saveTransition(tx, rec, from); err != nil {
				return err
			}
		case ActionThrottle:
			res.MaxCalls = throttleLimit(tx.state.Config, req.MaxCalls)
			scopes := t.AffectedActors
			if len(scopes) == 0 {
				scopes = []string{throttleWholeSvc}
			}
			for _, actor := range scopes {
				o := ThrottleOverride{
					Service:  t.Service,
					Actor:    actor,
					MaxCalls: res.MaxCalls,
					ThreatID: t.ID,
					SetBy:    admin,
					SetAt:    tx.now,
				}
				if err := tx.put(throttleKey(t.Service, actor), &o); err != nil {
					return err
				}
			}
		case ActionLockAccount:
			if err := m.flagActors(tx, t, 100, FactorAccountLocked); err != nil {
				return err
			}
		case ActionRequireReauth:
			if err := m.flagActors(tx, t, 0, FactorReauthRequired); err != nil {
				return err
			}
		case ActionRestrictAccess:
			if err := m.flagActors(tx, t, 0, FactorAccessRestricted); err != nil {
				return err
			}
		}

		t.Status = ThreatMitigated
		if req.Action == ActionDismiss {
			t.Status = ThreatDismissed
		}
		t.Resolution = res
		if err := tx.put(threatKey(t.ID), t); err != nil {
			return err
		}

		tx.notify(events.TypeThreatMitigated, t.Service, map[string]any{
			"threat_id": t.ID,
			"action":    req.Action,
			"status":    t.Status,
			"admin":     admin,
		})
		action := string(req.Action)
		tx.onCommit(func() { metrics.ThreatsMitigatedTotal.WithLabelValues(action).Inc() })
		tx.info("mitigation applied", slog.String("threat_id", t.ID), slog.String("service", t.Service),
			slog.String("action", action), slog.String("admin", admin))
		out = t
		return nil
	})
	return out, err
}

// throttleLimit is the explicit limit if given, else the configured limit
// divided by the throttle divisor, never below one call.
func throttleLimit(cfg SecurityConfig, explicit uint32) uint32 {
	if explicit > 0 {
		return min(explicit, cfg.RateLimitMaxCalls)
	}
	return max(1, cfg.RateLimitMaxCalls/max(1, cfg.ThrottleDivisor))
}

// flagActors adds factor to every affected actor's risk score, raising the
// score to at least floor.
func (m *Monitor) flagActors(tx *txn, t *SecurityThreat, floor uint32, factor string) error {
	for _, actor := range t.AffectedActors {
		if err := m.mergeRisk(tx, actor, floor, factor, "admin"); err != nil {
			return err
		}
	}
	return nil
}
