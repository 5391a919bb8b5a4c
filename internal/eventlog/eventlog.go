// Package eventlog is the read side of the activity log the monitor
// analyses: a time-ordered sequence of calls per originating service.
package eventlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Record is one observed call.
type Record struct {
	Actor     string    `json:"actor"`
	Function  string    `json:"function"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Source answers windowed queries. Records come back ordered by timestamp,
// and both bounds are inclusive.
type Source interface {
	EventsInWindow(ctx context.Context, service string, from, to time.Time) ([]Record, error)
}

// ErrInvalidRecord is returned by Append for records missing required fields.
var ErrInvalidRecord = errors.New("eventlog: record requires actor, function and timestamp")

// DefaultMaxPerService bounds how many records MemoryLog keeps per service.
const DefaultMaxPerService = 100_000

// MemoryLog is an in-process Source that services append to directly.
type MemoryLog struct {
	mu         sync.RWMutex
	records    map[string][]Record
	maxRecords int
}

// NewMemoryLog creates an empty log. maxPerService <= 0 uses the default.
func NewMemoryLog(maxPerService int) *MemoryLog {
	if maxPerService <= 0 {
		maxPerService = DefaultMaxPerService
	}
	return &MemoryLog{
		records:    make(map[string][]Record),
		maxRecords: maxPerService,
	}
}

// Append adds a record, keeping the service's records ordered. The oldest
// records are dropped once the per-service bound is reached.
func (l *MemoryLog) Append(_ context.Context, service string, rec Record) error {
	if service == "" || rec.Actor == "" || rec.Function == "" || rec.Timestamp.IsZero() {
		return ErrInvalidRecord
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[service]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(rec.Timestamp) })
	recs = append(recs, Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec

	if over := len(recs) - l.maxRecords; over > 0 {
		recs = append(recs[:0:0], recs[over:]...)
	}
	l.records[service] = recs
	return nil
}

func (l *MemoryLog) EventsInWindow(ctx context.Context, service string, from, to time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.records[service]
	lo := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(from) })
	hi := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]Record, hi-lo)
	copy(out, recs[lo:hi])
	return out, nil
}

// Len returns the number of records held for service.
func (l *MemoryLog) Len(service string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records[service])
}
