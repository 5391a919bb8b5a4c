package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
)

// ScanForThreats analyses the trailing windowSeconds of activity for
// service and creates or refreshes a threat for every feature that
// crosses its threshold. Rescanning the same window updates the same
// threats. The result is ordered by severity, then detection time.
func (m *Monitor) ScanForThreats(ctx context.Context, service string, windowSeconds uint64) (out []*SecurityThreat, err error) {
	if err := requireID("service", service); err != nil {
		return nil, err
	}
	if err := checkWindow("window_seconds", windowSeconds); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "monitor.scan",
		traces.Service(service), traces.WindowSeconds(windowSeconds))
	defer func() { traces.EndSpan(span, err) }()
	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := m.GetConfig(ctx); err != nil {
		return nil, err
	}

	now := m.now()
	ws := time.Duration(windowSeconds) * time.Second
	from := now.Add(-2 * ws)
	recs, err := m.events.EventsInWindow(ctx, service, from, now)
	if err != nil {
		m.logger.Error("event log read failed", "service", service, "error", err)
		return nil, errorf(ErrEventReplayFailed, "%s: %v", service, err)
	}
	recs, disordered, err := checkRecords(recs, from, now)
	if err != nil {
		m.logger.Error("event log returned inconsistent data", "service", service, "error", err)
		return nil, err
	}

	err = m.update(ctx, "scan_for_threats", func(tx *txn) error {
		out = nil
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		st := collect(recs, now, ws, cfg.detectionWindow())
		if st.total < uint64(cfg.MinSampleSize) {
			return errorf(ErrInsufficientEvents, "%d events in window, need %d", st.total, cfg.MinSampleSize)
		}

		drafts, err := detect(tx, cfg, st)
		if err != nil {
			return err
		}
		if disordered > 0 {
			drafts = append(drafts, threatDraft{
				Type:     ThreatSequenceIntegrityIssue,
				Severity: SeverityLow,
				Evidence: []string{fmt.Sprintf("out_of_order:%d", disordered)},
			})
		}

		window := windowOf(now, windowSeconds)
		for _, d := range drafts {
			d.Service = service
			d.WindowID = window
			t, err := m.raiseThreat(tx, d)
			if err != nil {
				return err
			}
			if t != nil {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortThreats(out)
	return out, nil
}

// checkRecords rejects records outside [from, to] and returns the records
// in timestamp order along with how many arrived out of order.
func checkRecords(recs []eventlog.Record, from, to time.Time) ([]eventlog.Record, int, error) {
	disordered := 0
	for i, r := range recs {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			return nil, 0, errorf(ErrEventFilteringFailed, "record at %s outside [%s, %s]",
				r.Timestamp.Format(time.RFC3339), from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
		if i > 0 && r.Timestamp.Before(recs[i-1].Timestamp) {
			disordered++
		}
	}
	if disordered > 0 {
		recs = slices.Clone(recs)
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	}
	return recs, disordered, nil
}

// windowStats summarises the current window (now-ws, now] and the actors
// of the window before it.
type windowStats struct {
	total        uint64
	failed       uint64
	perActor     map[string]uint64
	failedActors map[string]bool
	prevActors   map[string]bool
	peak         uint64
	peakActors   []string
	subInterval  time.Duration
}

func collect(recs []eventlog.Record, now time.Time, ws, sub time.Duration) windowStats {
	if sub <= 0 || sub > ws {
		sub = ws
	}
	st := windowStats{
		perActor:     make(map[string]uint64),
		failedActors: make(map[string]bool),
		prevActors:   make(map[string]bool),
		subInterval:  sub,
	}
	curStart := now.Add(-ws)
	buckets := make(map[int64]uint64)
	bucketActors := make(map[int64][]string)
	for _, r := range recs {
		if !r.Timestamp.After(curStart) {
			st.prevActors[r.Actor] = true
			continue
		}
		st.total++
		st.perActor[r.Actor]++
		if !r.Success {
			st.failed++
			st.failedActors[r.Actor] = true
		}
		idx := int64(now.Sub(r.Timestamp) / sub)
		buckets[idx]++
		bucketActors[idx] = append(bucketActors[idx], r.Actor)
	}
	for _, idx := range slices.Sorted(maps.Keys(buckets)) {
		if n := buckets[idx]; n > st.peak {
			st.peak = n
			st.peakActors = bucketActors[idx]
		}
	}
	return st
}

// detect turns window statistics into threat drafts.
func detect(tx *txn, cfg SecurityConfig, st windowStats) ([]threatDraft, error) {
	if st.failed > st.total {
		return nil, errorf(ErrInvalidThreatData, "failed calls %d exceed total %d", st.failed, st.total)
	}
	var drafts []threatDraft

	if st.peak > uint64(cfg.BurstDetectionThreshold) {
		drafts = append(drafts, threatDraft{
			Type:     ThreatBurstActivity,
			Severity: burstSeverity(st.peak, cfg.BurstDetectionThreshold),
			Actors:   st.peakActors,
			Evidence: []string{
				fmt.Sprintf("peak_calls:%d", st.peak),
				fmt.Sprintf("sub_interval_seconds:%d", int64(st.subInterval/time.Second)),
			},
		})
	}

	rate := errorRate(st.failed, st.total)
	if rate > 100 {
		return nil, errorf(ErrInvalidThreatData, "error rate %d", rate)
	}
	if rate > cfg.ErrorRateThreshold {
		drafts = append(drafts, threatDraft{
			Type:     ThreatErrorRateSpike,
			Severity: errorRateSeverity(rate),
			Actors:   sortedKeys(st.failedActors),
			Evidence: []string{fmt.Sprintf("error_rate:%d", rate), fmt.Sprintf("failed_calls:%d", st.failed)},
		})
	}

	distinct := uint64(len(st.perActor))
	if distinct > 1 {
		mult := uint64(cfg.ActorAnomalyMultiplier)
		var actors, evidence []string
		severity := SeverityMedium
		for _, a := range sortedKeys(st.perActor) {
			n := st.perActor[a]
			// n > mult * (total / distinct), kept in integers.
			if n*distinct > mult*st.total {
				actors = append(actors, a)
				evidence = append(evidence, fmt.Sprintf("actor_calls:%s:%d", a, n))
				if n*distinct >= 2*mult*st.total {
					severity = SeverityHigh
				}
			}
		}
		if len(actors) > 0 {
			drafts = append(drafts, threatDraft{
				Type:     ThreatAnomalousActor,
				Severity: severity,
				Actors:   actors,
				Evidence: evidence,
			})
		}
	}

	if len(st.prevActors) > 0 && distinct >= 2 {
		var fresh []string
		for _, a := range sortedKeys(st.perActor) {
			if !st.prevActors[a] {
				fresh = append(fresh, a)
			}
		}
		churn := uint32(uint64(len(fresh)) * 100 / distinct)
		if churn >= cfg.ActorChurnThreshold {
			severity := SeverityMedium
			if churn >= 95 {
				severity = SeverityHigh
			}
			drafts = append(drafts, threatDraft{
				Type:     ThreatActorChurn,
				Severity: severity,
				Actors:   fresh,
				Evidence: []string{fmt.Sprintf("churn:%d", churn)},
			})
		}
	}

	var known, knownEvidence []string
	var knownSeverity Severity
	for _, a := range sortedKeys(st.perActor) {
		var intel ThreatIntelligence
		found, err := tx.get(intelKey(a), &intel)
		if err != nil {
			return nil, err
		}
		if found {
			known = append(known, a)
			knownEvidence = append(knownEvidence, "intel:"+a)
			knownSeverity = max(knownSeverity, intel.Severity)
		}
	}
	if len(known) > 0 {
		drafts = append(drafts, threatDraft{
			Type:     ThreatKnownMaliciousActor,
			Severity: knownSeverity,
			Actors:   known,
			Evidence: knownEvidence,
		})
	}
	return drafts, nil
}

func errorRate(failed, total uint64) uint32 {
	if total == 0 {
		return 0
	}
	return uint32(failed * 100 / total)
}

func burstSeverity(peak uint64, threshold uint32) Severity {
	switch ratio := peak / uint64(threshold); {
	case ratio >= 10:
		return SeverityCritical
	case ratio >= 5:
		return SeverityHigh
	case ratio >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func errorRateSeverity(rate uint32) Severity {
	switch {
	case rate > 50:
		return SeverityCritical
	case rate > 30:
		return SeverityHigh
	case rate > 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// scoreSeverity maps an oracle risk score to a severity.
func scoreSeverity(score uint32) Severity {
	switch {
	case score >= 95:
		return SeverityCritical
	case score >= 75:
		return SeverityHigh
	case score >= 50:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
