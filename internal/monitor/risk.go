package monitor

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/validation"
)

// PassingTrainingScore is the lowest score that counts a module as passed.
const PassingTrainingScore = 70

// UpdateUserRiskScore sets a principal's risk score outright. Admin only.
// The admin value replaces whatever is stored, including oracle-derived
// scores.
func (m *Monitor) UpdateUserRiskScore(ctx context.Context, admin, user string, score uint32, factor string) (*UserRiskScore, error) {
	if err := requireID("user", user); err != nil {
		return nil, err
	}
	if score > 100 {
		return nil, errorf(ErrInvalidInput, "score %d exceeds 100", score)
	}
	if factor != "" {
		if err := requireID("risk_factor", factor); err != nil {
			return nil, err
		}
	}

	var out *UserRiskScore
	err := m.update(ctx, "update_user_risk_score", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		r, err := loadRisk(tx, user)
		if err != nil {
			return err
		}
		r.Score = score
		r.addFactor(factor)
		r.Source = "admin"
		r.LastUpdated = tx.now
		out = r
		return m.saveRisk(tx, r)
	})
	return out, err
}

func loadRisk(tx *txn, user string) (*UserRiskScore, error) {
	r := &UserRiskScore{User: user}
	if _, err := tx.get(riskKey(user), r); err != nil {
		return nil, err
	}
	if r.RiskFactors == nil {
		r.RiskFactors = []string{}
	}
	return r, nil
}

func (m *Monitor) saveRisk(tx *txn, r *UserRiskScore) error {
	if err := tx.put(riskKey(r.User), r); err != nil {
		return err
	}
	tx.notify(events.TypeRiskScoreUpdated, "", map[string]any{
		"actor":        r.User,
		"score":        r.Score,
		"risk_factors": r.RiskFactors,
		"source":       r.Source,
	})
	tx.info("risk score updated", "actor", r.User, "score", r.Score, "source", r.Source)
	return nil
}

// mergeRisk raises user's score to at least score and adds factor.
func (m *Monitor) mergeRisk(tx *txn, user string, score uint32, factor, source string) error {
	r, err := loadRisk(tx, user)
	if err != nil {
		return err
	}
	r.Score = max(r.Score, min(score, 100))
	r.addFactor(factor)
	r.Source = source
	r.LastUpdated = tx.now
	return m.saveRisk(tx, r)
}

// GetUserRiskScore returns a principal's risk score.
func (m *Monitor) GetUserRiskScore(ctx context.Context, user string) (*UserRiskScore, error) {
	if err := requireID("user", user); err != nil {
		return nil, err
	}
	var out UserRiskScore
	err := m.view(ctx, "get_user_risk_score", func(tx *txn) error {
		found, err := tx.get(riskKey(user), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "no risk score for %s", user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRiskScores returns every score at or above minScore, riskiest first.
func (m *Monitor) ListRiskScores(ctx context.Context, minScore uint32, limit int) ([]UserRiskScore, error) {
	var out []UserRiskScore
	err := m.view(ctx, "list_risk_scores", func(tx *txn) error {
		return tx.scan(prefixRisk, func(raw []byte) error {
			var r UserRiskScore
			if err := decode(raw, &r); err != nil {
				return err
			}
			if r.Score >= minScore {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b UserRiskScore) int { return cmp.Compare(b.Score, a.Score) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateThreatIntelligence upserts an intelligence entry keyed by its
// identifier. Admin only.
func (m *Monitor) UpdateThreatIntelligence(ctx context.Context, admin string, intel ThreatIntelligence) (*ThreatIntelligence, error) {
	if err := requireID("identifier", intel.Identifier); err != nil {
		return nil, err
	}
	if !intel.Severity.Valid() {
		return nil, errorf(ErrInvalidInput, "severity is required")
	}
	if intel.Descriptor == "" || len(intel.Descriptor) > validation.MaxStringLength {
		return nil, errorf(ErrInvalidInput, "descriptor is required")
	}
	if len(intel.Source) > 256 {
		return nil, errorf(ErrInvalidInput, "source too long")
	}

	err := m.update(ctx, "update_threat_intelligence", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		intel.UpdatedAt = tx.now
		if intel.Source == "" {
			intel.Source = admin
		}
		tx.notify(events.TypeIntelUpdated, "", map[string]any{
			"identifier": intel.Identifier,
			"severity":   intel.Severity.String(),
		})
		tx.info("threat intelligence updated", "identifier", intel.Identifier, "severity", intel.Severity.String())
		return tx.put(intelKey(intel.Identifier), &intel)
	})
	if err != nil {
		return nil, err
	}
	return &intel, nil
}

// GetThreatIntelligence returns one intelligence entry.
func (m *Monitor) GetThreatIntelligence(ctx context.Context, identifier string) (*ThreatIntelligence, error) {
	if err := requireID("identifier", identifier); err != nil {
		return nil, err
	}
	var out ThreatIntelligence
	err := m.view(ctx, "get_threat_intelligence", func(tx *txn) error {
		found, err := tx.get(intelKey(identifier), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "no intelligence for %s", identifier)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListThreatIntelligence returns every intelligence entry by identifier.
func (m *Monitor) ListThreatIntelligence(ctx context.Context) ([]ThreatIntelligence, error) {
	var out []ThreatIntelligence
	err := m.view(ctx, "list_threat_intelligence", func(tx *txn) error {
		return tx.scan(prefixIntel, func(raw []byte) error {
			var intel ThreatIntelligence
			if err := decode(raw, &intel); err != nil {
				return err
			}
			out = append(out, intel)
			return nil
		})
	})
	return out, err
}

// RecordSecurityTraining records a completed module for user, replacing an
// earlier attempt at the same module. Admin only.
func (m *Monitor) RecordSecurityTraining(ctx context.Context, admin, user, module string, score uint32) (*TrainingStatus, error) {
	if err := requireID("user", user); err != nil {
		return nil, err
	}
	if err := requireID("module", module); err != nil {
		return nil, err
	}
	if score > 100 {
		return nil, errorf(ErrInvalidInput, "score %d exceeds 100", score)
	}

	var out TrainingStatus
	err := m.update(ctx, "record_security_training", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		out = TrainingStatus{User: user}
		if _, err := tx.get(trainingKey(user), &out); err != nil {
			return err
		}
		entry := TrainingModule{Module: module, Score: score, Passed: score >= PassingTrainingScore, CompletedAt: tx.now}
		if i := slices.IndexFunc(out.Modules, func(tm TrainingModule) bool { return tm.Module == module }); i >= 0 {
			out.Modules[i] = entry
		} else {
			out.Modules = append(out.Modules, entry)
		}
		var total uint32
		out.Completed = 0
		for _, tm := range out.Modules {
			total += tm.Score
			if tm.Passed {
				out.Completed++
			}
		}
		out.AverageScore = total / uint32(len(out.Modules))
		out.LastUpdated = tx.now

		tx.notify(events.TypeTrainingRecorded, "", map[string]any{
			"actor":  user,
			"module": module,
			"score":  score,
			"passed": entry.Passed,
		})
		return tx.put(trainingKey(user), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTrainingStatus returns user's training record.
func (m *Monitor) GetTrainingStatus(ctx context.Context, user string) (*TrainingStatus, error) {
	if err := requireID("user", user); err != nil {
		return nil, err
	}
	var out TrainingStatus
	err := m.view(ctx, "get_training_status", func(tx *txn) error {
		found, err := tx.get(trainingKey(user), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "no training recorded for %s", user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateIncidentReport aggregates threats into a report. Admin only.
// Every id must name an existing threat; otherwise nothing is written.
func (m *Monitor) GenerateIncidentReport(ctx context.Context, admin string, threatIDs []string, summary string) (*IncidentReport, error) {
	if len(threatIDs) == 0 {
		return nil, errorf(ErrInvalidInput, "at least one threat id is required")
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || len(summary) > validation.MaxStringLength {
		return nil, errorf(ErrInvalidInput, "impact_summary is required")
	}
	ids := slices.Clone(threatIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	for _, id := range ids {
		if !validation.IsValidFingerprint(id) {
			return nil, errorf(ErrThreatNotFound, "threat %s", id)
		}
	}

	var out *IncidentReport
	err := m.update(ctx, "generate_incident_report", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		r := &IncidentReport{
			ThreatIDs:     ids,
			ImpactSummary: summary,
			Status:        IncidentOpen,
			CreatedBy:     admin,
			CreatedAt:     tx.now,
		}
		var services, actors []string
		for _, id := range ids {
			t, err := loadThreat(tx, id)
			if err != nil {
				return err
			}
			services = append(services, t.Service)
			actors = append(actors, t.AffectedActors...)
			r.MaxSeverity = max(r.MaxSeverity, t.Severity)
		}
		r.Services = union(nil, services)
		r.AffectedActors = union(nil, actors)

		parts := append([]string{"incident", strconv.FormatInt(tx.now.UnixNano(), 10),
			strconv.FormatUint(tx.nextNonce(), 10)}, ids...)
		r.ID = idgen.Fingerprint(parts...)
		if err := tx.put(incidentKey(r.ID), r); err != nil {
			return err
		}
		tx.notify(events.TypeIncidentReported, "", map[string]any{
			"incident_id":  r.ID,
			"threat_ids":   r.ThreatIDs,
			"max_severity": r.MaxSeverity.String(),
		})
		tx.info("incident report generated", "incident_id", r.ID, "threats", len(ids), "admin", admin)
		out = r
		return nil
	})
	return out, err
}

// GetIncidentReport returns one report.
func (m *Monitor) GetIncidentReport(ctx context.Context, id string) (*IncidentReport, error) {
	if !validation.IsValidFingerprint(id) {
		return nil, errorf(ErrDataNotFound, "incident %s", id)
	}
	var out IncidentReport
	err := m.view(ctx, "get_incident_report", func(tx *txn) error {
		found, err := tx.get(incidentKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "incident %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIncidentReports returns every report, newest first.
func (m *Monitor) ListIncidentReports(ctx context.Context, limit int) ([]*IncidentReport, error) {
	var out []*IncidentReport
	err := m.view(ctx, "list_incident_reports", func(tx *txn) error {
		return tx.scan(prefixIncident, func(raw []byte) error {
			var r IncidentReport
			if err := decode(raw, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *IncidentReport) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveIncidentReport closes a report. Admin only.
func (m *Monitor) ResolveIncidentReport(ctx context.Context, admin, id, resolution string) (*IncidentReport, error) {
	if len(resolution) > validation.MaxStringLength {
		return nil, errorf(ErrInvalidInput, "resolution too long")
	}
	if !validation.IsValidFingerprint(id) {
		return nil, errorf(ErrDataNotFound, "incident %s", id)
	}
	var out IncidentReport
	err := m.update(ctx, "resolve_incident_report", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		found, err := tx.get(incidentKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "incident %s", id)
		}
		if out.Status == IncidentResolved {
			return errorf(ErrInvalidInput, "incident %s is already resolved", id)
		}
		at := tx.now
		out.Status = IncidentResolved
		out.ResolvedBy = admin
		out.ResolvedAt = &at
		out.Resolution = resolution
		tx.info("incident resolved", "incident_id", id, "admin", admin)
		return tx.put(incidentKey(id), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
