// Package circuitbreaker implements the per-(service, function) breaker
// state machine with closed → open → half-open transitions.
//
// A Record holds the whole state and is persisted by the caller; every
// transition is a pure function of the record, the thresholds and the
// supplied time. There is no background timer: the open → half-open
// move happens lazily the first time the record is observed after the
// cooldown has elapsed.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: limited requests allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s < StateClosed || s > StateHalfOpen {
		return nil, fmt.Errorf("circuitbreaker: invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("circuitbreaker: unknown state %q", string(b))
	}
	return nil
}

// ErrInvalidState is returned for an open record that has no opened_at.
var ErrInvalidState = errors.New("circuitbreaker: open breaker has no opened_at")

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by service, from-state, and to-state.",
}, []string{"service", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Thresholds configures when a breaker trips and recovers.
type Thresholds struct {
	FailureThreshold uint32        // consecutive failures that open a closed breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	Cooldown         time.Duration // time spent open before probing
}

// Record is the persisted state of one (service, function) breaker.
type Record struct {
	Service              string     `json:"service"`
	Function             string     `json:"function"`
	State                State      `json:"state"`
	ConsecutiveFailures  uint32     `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32     `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	LastTransitionAt     time.Time  `json:"last_transition_at"`
}

// NewRecord returns a closed breaker for the pair.
func NewRecord(service, function string, now time.Time) *Record {
	return &Record{
		Service:          service,
		Function:         function,
		State:            StateClosed,
		LastTransitionAt: now,
	}
}

// Allows reports whether a protected call may proceed.
func (r *Record) Allows() bool {
	return r.State != StateOpen
}

// Validate checks the record's internal consistency.
func (r *Record) Validate() error {
	if r.State < StateClosed || r.State > StateHalfOpen {
		return fmt.Errorf("%w: state %d", ErrInvalidState, int(r.State))
	}
	if r.State == StateOpen && r.OpenedAt == nil {
		return ErrInvalidState
	}
	return nil
}

// Check applies the lazy open → half-open transition if the cooldown has
// elapsed at now. It reports whether the state changed.
func (r *Record) Check(th Thresholds, now time.Time) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if r.State != StateOpen {
		return false, nil
	}
	if now.Before(r.OpenedAt.Add(th.Cooldown)) {
		return false, nil
	}
	r.ConsecutiveFailures = 0
	r.ConsecutiveSuccesses = 0
	r.transition(StateHalfOpen, now)
	return true, nil
}

// Observe records the outcome of a protected call and applies the
// transition rules. It reports whether the state changed, including a
// lazy half-open move observed on the way in.
func (r *Record) Observe(th Thresholds, success bool, now time.Time) (bool, error) {
	changed, err := r.Check(th, now)
	if err != nil {
		return false, err
	}

	if success {
		r.ConsecutiveFailures = 0
		r.ConsecutiveSuccesses++
		if r.State == StateHalfOpen && r.ConsecutiveSuccesses >= th.SuccessThreshold {
			r.ConsecutiveSuccesses = 0
			r.OpenedAt = nil
			r.transition(StateClosed, now)
			return true, nil
		}
		return changed, nil
	}

	r.ConsecutiveSuccesses = 0
	r.ConsecutiveFailures++
	switch r.State {
	case StateHalfOpen:
		r.open(now)
		return true, nil
	case StateClosed:
		if r.ConsecutiveFailures >= th.FailureThreshold {
			r.open(now)
			return true, nil
		}
	}
	// Failures while open do not extend the cooldown.
	return changed, nil
}

// Trip forces the breaker open regardless of its counters.
func (r *Record) Trip(now time.Time) bool {
	if r.State == StateOpen {
		r.OpenedAt = &now
		return false
	}
	r.open(now)
	return true
}

// Reset closes the breaker and clears its counters.
func (r *Record) Reset(now time.Time) bool {
	r.ConsecutiveFailures = 0
	r.ConsecutiveSuccesses = 0
	r.OpenedAt = nil
	if r.State == StateClosed {
		return false
	}
	r.transition(StateClosed, now)
	return true
}

func (r *Record) open(now time.Time) {
	opened := now
	r.OpenedAt = &opened
	r.transition(StateOpen, now)
}

// transition changes state and counts it.
func (r *Record) transition(to State, now time.Time) {
	from := r.State
	if from == to {
		return
	}
	r.State = to
	r.LastTransitionAt = now
	cbStateTransitions.WithLabelValues(r.Service, from.String(), to.String()).Inc()
}
