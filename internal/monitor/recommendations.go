package monitor

import (
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/validation"
)

type remedy struct {
	category    RecommendationCategory
	title       string
	description string
	fix         string
}

var oracleReview = []remedy{{
	category:    CategoryIdentity,
	title:       "Review Oracle Finding",
	description: "An external verifier flagged this actor. Confirm the finding against independent evidence.",
	fix:         "Inspect the actor's recent activity and risk factors, then lock the account or dismiss the threat.",
}}

// remedies maps each threat type to its remediations, most important first.
var remedies = map[ThreatType][]remedy{
	ThreatBurstActivity: {{
		category:    CategoryRateLimiting,
		title:       "Implement Rate Limiting",
		description: "High burst activity detected. Rate limit the service to prevent abuse.",
		fix:         "Call CheckRateLimit for every request and reject callers that exceed the window.",
	}},
	ThreatAccessViolation: {{
		category:    CategoryAccessControl,
		title:       "Review Access Control Configuration",
		description: "Access control violations detected. Review role assignments and permissions.",
		fix:         "Audit current grants, tighten permission checks, and require authorization for sensitive operations.",
	}},
	ThreatReentrancyAttempt: {{
		category:    CategoryReentrancyPrevention,
		title:       "Add Reentrancy Guard",
		description: "A protected function was re-entered while it was still executing.",
		fix:         "Run sensitive functions through Protect so nested entry is rejected.",
	}},
	ThreatValidationFailure: {{
		category:    CategoryInputValidation,
		title:       "Strengthen Input Validation",
		description: "Input validation failures detected. Validate every field at the service boundary.",
		fix:         "Check lengths, formats and ranges before processing and reject malformed requests early.",
	}},
	ThreatErrorRateSpike: {
		{
			category:    CategoryInputValidation,
			title:       "Review Input Validation",
			description: "A high error rate often points at malformed or hostile input.",
			fix:         "Review and strengthen input validation on the failing functions.",
		},
		{
			category:    CategoryConfiguration,
			title:       "Implement Circuit Breaker",
			description: "Use a circuit breaker to stop failures from cascading.",
			fix:         "Record every outcome with RecordCircuitBreakerEvent and check the breaker before calling.",
		},
	},
	ThreatAnomalousActor: {{
		category:    CategoryRateLimiting,
		title:       "Implement Per-Actor Rate Limiting",
		description: "One actor is responsible for a disproportionate share of calls.",
		fix:         "Throttle the actor and review its recent activity.",
	}},
	ThreatActorChurn: {{
		category:    CategoryAccessControl,
		title:       "Investigate Actor Churn",
		description: "Most callers in this window were not seen in the previous one, which can indicate sybil activity.",
		fix:         "Require stronger identity for new callers and consider a service-wide throttle.",
	}},
	ThreatRateLimitExceeded: {{
		category:    CategoryRateLimiting,
		title:       "Adjust Rate Limit Thresholds",
		description: "Rate limits are being exceeded. Review thresholds or investigate the actor.",
		fix:         "Confirm whether the traffic is legitimate, adjust rate_limit_max_calls if needed, or throttle the actor.",
	}},
	ThreatSequenceIntegrityIssue: {{
		category:    CategoryEventIntegrity,
		title:       "Investigate Event Integrity",
		description: "The event log returned records out of order.",
		fix:         "Check the clocks and write path of the services emitting activity records.",
	}},
	ThreatKnownMaliciousActor: {{
		category:    CategoryAccessControl,
		title:       "Block Known Malicious Actor",
		description: "An actor listed in threat intelligence is active on this service.",
		fix:         "Lock the account and restrict access until the intelligence entry is reviewed.",
	}},
	ThreatBehavioralAnomaly: oracleReview,
	ThreatCredentialFraud:   oracleReview,
	ThreatBiometricFailure:  oracleReview,
}

// RecommendationID is the fingerprint of (threat id, position).
func RecommendationID(threatID string, index int) string {
	return idgen.Fingerprint(threatID, strconv.Itoa(index))
}

// GenerateRecommendations derives and stores the remediations for a
// threat. Regenerating keeps the acknowledgement of existing entries.
func (m *Monitor) GenerateRecommendations(ctx context.Context, threatID string) ([]*SecurityRecommendation, error) {
	if !validation.IsValidFingerprint(threatID) {
		return nil, errorf(ErrThreatNotFound, "threat %s", threatID)
	}
	var out []*SecurityRecommendation
	err := m.update(ctx, "generate_recommendations", func(tx *txn) error {
		out = nil
		t, err := loadThreat(tx, threatID)
		if err != nil {
			return err
		}
		table, ok := remedies[t.ThreatType]
		if !ok {
			return errorf(ErrInvalidRecommendation, "no remediation for threat type %s", t.ThreatType)
		}
		for i, r := range table {
			rec := &SecurityRecommendation{
				ID:            RecommendationID(t.ID, i),
				ThreatID:      t.ID,
				Category:      r.category,
				Title:         r.title,
				Description:   r.description,
				FixSuggestion: r.fix,
				Priority:      max(SeverityLow, t.Severity-Severity(i)),
				Status:        RecommendationPending,
				CreatedAt:     tx.now,
			}
			var prev SecurityRecommendation
			found, err := tx.get(recKey(rec.ID), &prev)
			if err != nil {
				return err
			}
			if found {
				rec.Status = prev.Status
				rec.CreatedAt = prev.CreatedAt
				rec.AcknowledgedBy = prev.AcknowledgedBy
				rec.AcknowledgedAt = prev.AcknowledgedAt
			}
			if err := tx.put(recKey(rec.ID), rec); err != nil {
				return err
			}
			if err := tx.put(threatRecKey(t.ID, rec.ID), rec.ID); err != nil {
				return err
			}
			out = append(out, rec)
		}
		tx.notify(events.TypeRecommendationsReady, t.Service, map[string]any{
			"threat_id": t.ID,
			"count":     len(out),
		})
		return nil
	})
	return out, err
}

// GetRecommendations returns the stored recommendations for a threat,
// highest priority first.
func (m *Monitor) GetRecommendations(ctx context.Context, threatID string) ([]*SecurityRecommendation, error) {
	if !validation.IsValidFingerprint(threatID) {
		return nil, errorf(ErrThreatNotFound, "threat %s", threatID)
	}
	var out []*SecurityRecommendation
	err := m.view(ctx, "get_recommendations", func(tx *txn) error {
		if _, err := loadThreat(tx, threatID); err != nil {
			return err
		}
		return tx.scan(prefixThreatRec+threatID+"/", func(raw []byte) error {
			var id string
			if err := decode(raw, &id); err != nil {
				return err
			}
			var rec SecurityRecommendation
			found, err := tx.get(recKey(id), &rec)
			if err != nil {
				return err
			}
			if found {
				out = append(out, &rec)
			}
			return nil
		})
	})
	slices.SortStableFunc(out, func(a, b *SecurityRecommendation) int { return cmp.Compare(b.Priority, a.Priority) })
	return out, err
}

// AcknowledgeRecommendation marks a recommendation as acknowledged. Admin
// only. Acknowledging twice is an error.
func (m *Monitor) AcknowledgeRecommendation(ctx context.Context, admin, id string) (*SecurityRecommendation, error) {
	if !validation.IsValidFingerprint(id) {
		return nil, errorf(ErrRecommendationNotFound, "recommendation %s", id)
	}
	var out SecurityRecommendation
	err := m.update(ctx, "acknowledge_recommendation", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		found, err := tx.get(recKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrRecommendationNotFound, "recommendation %s", id)
		}
		if out.Status == RecommendationAcknowledged {
			return errorf(ErrInvalidRecommendation, "recommendation %s already acknowledged", id)
		}
		at := tx.now
		out.Status = RecommendationAcknowledged
		out.AcknowledgedBy = admin
		out.AcknowledgedAt = &at
		tx.info("recommendation acknowledged", "recommendation_id", id, "threat_id", out.ThreatID, "admin", admin)
		return tx.put(recKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
