package monitor

import (
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/validation"
)

// threatDraft is what a detector found before it is merged into storage.
type threatDraft struct {
	Service  string
	Type     ThreatType
	Severity Severity
	WindowID int64
	Actors   []string
	Evidence []string
}

// ThreatID returns the fingerprint of (service, threat type, window).
func ThreatID(service string, typ ThreatType, windowID int64) string {
	return idgen.Fingerprint(service, string(typ), strconv.FormatInt(windowID, 10))
}

// raiseThreat creates the threat for d's fingerprint, or refreshes it if
// it is still open. A fingerprint that was already mitigated or dismissed
// is left alone and nil is returned.
func (m *Monitor) raiseThreat(tx *txn, d threatDraft) (*SecurityThreat, error) {
	if !d.Severity.Valid() {
		return nil, errorf(ErrInvalidThreatData, "severity %d", int(d.Severity))
	}
	id := ThreatID(d.Service, d.Type, d.WindowID)

	var t SecurityThreat
	found, err := tx.get(threatKey(id), &t)
	if err != nil {
		return nil, err
	}
	if found {
		if t.Status != ThreatOpen {
			return nil, nil
		}
		t.AffectedActors = union(t.AffectedActors, d.Actors)
		t.EvidenceRefs = union(t.EvidenceRefs, d.Evidence)
		t.Severity = max(t.Severity, d.Severity)
		t.LastSeenAt = tx.now
	} else {
		t = SecurityThreat{
			ID:             id,
			Service:        d.Service,
			ThreatType:     d.Type,
			Severity:       d.Severity,
			DetectedAt:     tx.now,
			LastSeenAt:     tx.now,
			WindowID:       d.WindowID,
			AffectedActors: union(nil, d.Actors),
			EvidenceRefs:   union(nil, d.Evidence),
			Status:         ThreatOpen,
			Seq:            tx.nextSeq(),
		}
		if err := tx.put(svcThreatKey(d.Service, id), id); err != nil {
			return nil, err
		}
	}
	if err := tx.put(threatKey(id), &t); err != nil {
		return nil, err
	}

	tx.notify(events.TypeThreatDetected, t.Service, map[string]any{
		"threat_id":       t.ID,
		"threat_type":     t.ThreatType,
		"severity":        t.Severity.String(),
		"affected_actors": t.AffectedActors,
		"created":         !found,
	})
	typ, sev := string(t.ThreatType), t.Severity.String()
	tx.onCommit(func() { metrics.ThreatsDetectedTotal.WithLabelValues(typ, sev).Inc() })
	if found {
		tx.info("threat updated", "threat_id", t.ID, "service", t.Service, "threat_type", typ, "severity", sev)
	} else {
		tx.info("threat detected", "threat_id", t.ID, "service", t.Service, "threat_type", typ, "severity", sev)
	}
	return &t, nil
}

// union returns the sorted, de-duplicated union of a and b.
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// sortThreats orders by severity (highest first), then detection time,
// then insertion order.
func sortThreats(ts []*SecurityThreat) {
	slices.SortStableFunc(ts, func(a, b *SecurityThreat) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}

func loadThreat(tx *txn, id string) (*SecurityThreat, error) {
	var t SecurityThreat
	found, err := tx.get(threatKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errorf(ErrThreatNotFound, "threat %s", id)
	}
	return &t, nil
}

// GetThreat returns one threat by id.
func (m *Monitor) GetThreat(ctx context.Context, id string) (*SecurityThreat, error) {
	if !validation.IsValidFingerprint(id) {
		return nil, errorf(ErrThreatNotFound, "threat %s", id)
	}
	var out *SecurityThreat
	err := m.view(ctx, "get_threat", func(tx *txn) error {
		t, err := loadThreat(tx, id)
		out = t
		return err
	})
	return out, err
}

// GetServiceThreats returns every threat recorded for service, oldest
// first.
func (m *Monitor) GetServiceThreats(ctx context.Context, service string) ([]*SecurityThreat, error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	var out []*SecurityThreat
	err := m.view(ctx, "get_service_threats", func(tx *txn) error {
		return tx.scan(prefixSvcThreat+service+"/", func(raw []byte) error {
			var id string
			if err := decode(raw, &id); err != nil {
				return err
			}
			t, err := loadThreat(tx, id)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	slices.SortFunc(out, func(a, b *SecurityThreat) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, err
}

// ThreatFilter narrows ListThreats. Zero fields match everything.
type ThreatFilter struct {
	Service     string
	Status      ThreatStatus
	Type        ThreatType
	MinSeverity Severity
	Limit       int
}

func (f ThreatFilter) matches(t *SecurityThreat) bool {
	return (f.Service == "" || t.Service == f.Service) &&
		(f.Status == "" || t.Status == f.Status) &&
		(f.Type == "" || t.ThreatType == f.Type) &&
		t.Severity >= f.MinSeverity
}

// ListThreats returns matching threats, newest first.
func (m *Monitor) ListThreats(ctx context.Context, f ThreatFilter) ([]*SecurityThreat, error) {
	var out []*SecurityThreat
	err := m.view(ctx, "list_threats", func(tx *txn) error {
		return tx.scan(prefixThreat, func(raw []byte) error {
			var t SecurityThreat
			if err := decode(raw, &t); err != nil {
				return err
			}
			if f.matches(&t) {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *SecurityThreat) int { return cmp.Compare(b.Seq, a.Seq) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ThreatReport is a threat raised by hand, for conditions the scanner
// cannot see such as access violations reported by a protected service.
type ThreatReport struct {
	Service  string     `json:"service"`
	Type     ThreatType `json:"threat_type"`
	Severity Severity   `json:"severity"`
	Actors   []string   `json:"affected_actors"`
	Evidence []string   `json:"evidence_refs"`
}

// ReportThreat records a threat in the current detection window. Admin only.
func (m *Monitor) ReportThreat(ctx context.Context, admin string, r ThreatReport) (*SecurityThreat, error) {
	if err := requireID("service", r.Service); err != nil {
		return nil, err
	}
	if !r.Type.Valid() {
		return nil, errorf(ErrInvalidInput, "unknown threat_type %q", r.Type)
	}
	if !r.Severity.Valid() {
		return nil, errorf(ErrInvalidInput, "severity is required")
	}
	for _, a := range r.Actors {
		if err := requireID("actor", a); err != nil {
			return nil, err
		}
	}

	var out *SecurityThreat
	err := m.update(ctx, "report_threat", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		t, err := m.raiseThreat(tx, threatDraft{
			Service:  r.Service,
			Type:     r.Type,
			Severity: r.Severity,
			WindowID: windowOf(tx.now, tx.state.Config.DetectionWindowSeconds),
			Actors:   r.Actors,
			Evidence: append([]string{"reported_by:" + admin}, r.Evidence...),
		})
		if err != nil {
			return err
		}
		if t == nil {
			return errorf(ErrThreatAlreadyExists, "threat %s is already closed for this window",
				ThreatID(r.Service, r.Type, windowOf(tx.now, tx.state.Config.DetectionWindowSeconds)))
		}
		out = t
		return nil
	})
	return out, err
}
