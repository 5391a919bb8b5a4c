package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the timer runs when none is given.
const DefaultSweepInterval = 30 * time.Second

// Timer periodically expires stale oracle requests and, for each watched
// service, scans for threats and recalculates metrics.
type Timer struct {
	monitor  *Monitor
	services []string
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a maintenance timer. interval <= 0 uses the default.
func NewTimer(m *Monitor, services []string, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		monitor:  m,
		services: services,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in monitor timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	cfg, err := t.monitor.GetConfig(ctx)
	if errors.Is(err, ErrNotInitialized) {
		t.logger.Debug("monitor not initialized, skipping sweep")
		return
	}
	if err != nil {
		t.logger.Warn("failed to read monitor config", "error", err)
		return
	}

	if n, err := t.monitor.expireOracleRequests(ctx, nil); err != nil {
		t.logger.Warn("failed to expire oracle requests", "error", err)
	} else if n > 0 {
		t.logger.Info("expired stale oracle requests", "count", n)
	}

	for _, svc := range t.services {
		threats, err := t.monitor.ScanForThreats(ctx, svc, cfg.DetectionWindowSeconds)
		switch {
		case errors.Is(err, ErrInsufficientEvents):
			t.logger.Debug("not enough activity to scan", "service", svc)
		case err != nil:
			t.logger.Warn("scheduled scan failed", "service", svc, "error", err)
		case len(threats) > 0:
			t.logger.Info("scheduled scan found threats", "service", svc, "count", len(threats))
		}

		if _, err := t.monitor.CalculateSecurityMetrics(ctx, svc, cfg.DetectionWindowSeconds); err != nil {
			t.logger.Warn("scheduled metrics calculation failed", "service", svc, "error", err)
		}
	}
}
