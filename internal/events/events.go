// Package events defines the structured notifications the monitor emits
// and the publishers that carry them to oracles, dashboards and brokers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type names a notification.
type Type string

const (
	TypeInitialized          Type = "initialized"
	TypeConfigUpdated        Type = "config_updated"
	TypeThreatDetected       Type = "threat_detected"
	TypeThreatMitigated      Type = "threat_mitigated"
	TypeBreakerStateChanged  Type = "breaker_state_changed"
	TypeRateLimitExceeded    Type = "rate_limit_exceeded"
	TypeRecommendationsReady Type = "recommendation_generated"
	TypeOracleRequest        Type = "oracle_request"
	TypeOracleResolved       Type = "oracle_resolved"
	TypeRiskScoreUpdated     Type = "risk_score_updated"
	TypeIntelUpdated         Type = "intel_updated"
	TypeTrainingRecorded     Type = "training_recorded"
	TypeIncidentReported     Type = "incident_reported"
)

// Event is one notification. Data is free-form but always carries the ids
// a consumer needs to look the affected record up.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service,omitempty"`
	Data      map[string]any `json:"data"`
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev *Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, *Event) error { return nil })

// Multi fans an event out to every publisher. All publishers are tried;
// their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory. Useful as a sink in tests
// and for the last-N feed on the status endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
	limit  int
	err    error
}

// NewRecorder keeps at most limit events (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// FailWith makes subsequent Publish calls return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []*Event {
	var out []*Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
