package monitor

import (
	"context"
	"math"
	"time"

	"github.com/mbd888/sentinel/internal/events"
)

// SecurityConfig holds every tunable threshold. The first seven fields are
// required; the rest fall back to defaults when zero.
type SecurityConfig struct {
	BurstDetectionThreshold uint32 `json:"burst_detection_threshold" yaml:"burst_detection_threshold"`
	DetectionWindowSeconds  uint64 `json:"detection_window_seconds" yaml:"detection_window_seconds"`
	BreakerFailureThreshold uint32 `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerSuccessThreshold uint32 `json:"breaker_success_threshold" yaml:"breaker_success_threshold"`
	BreakerCooldownSeconds  uint64 `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds"`
	RateLimitMaxCalls       uint32 `json:"rate_limit_max_calls" yaml:"rate_limit_max_calls"`
	RateLimitWindowSeconds  uint64 `json:"rate_limit_window_seconds" yaml:"rate_limit_window_seconds"`

	ErrorRateThreshold      uint32 `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	ActorAnomalyMultiplier  uint32 `json:"actor_anomaly_multiplier" yaml:"actor_anomaly_multiplier"`
	ActorChurnThreshold     uint32 `json:"actor_churn_threshold" yaml:"actor_churn_threshold"`
	MinSampleSize           uint32 `json:"min_sample_size" yaml:"min_sample_size"`
	OracleRiskThreshold     uint32 `json:"oracle_risk_threshold" yaml:"oracle_risk_threshold"`
	ThrottleDivisor         uint32 `json:"throttle_divisor" yaml:"throttle_divisor"`
	OracleRequestTTLSeconds uint64 `json:"oracle_request_ttl_seconds" yaml:"oracle_request_ttl_seconds"`
}

// Defaults for the optional fields.
const (
	DefaultErrorRateThreshold     = 10
	DefaultActorAnomalyMultiplier = 10
	DefaultActorChurnThreshold    = 80
	DefaultMinSampleSize          = 10
	DefaultOracleRiskThreshold    = 70
	DefaultThrottleDivisor        = 4
)

// DefaultSecurityConfig returns a complete, valid configuration.
func DefaultSecurityConfig() SecurityConfig {
	cfg := SecurityConfig{
		BurstDetectionThreshold: 5,
		DetectionWindowSeconds:  60,
		BreakerFailureThreshold: 3,
		BreakerSuccessThreshold: 2,
		BreakerCooldownSeconds:  30,
		RateLimitMaxCalls:       10,
		RateLimitWindowSeconds:  60,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *SecurityConfig) applyDefaults() {
	if c.ErrorRateThreshold == 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if c.ActorAnomalyMultiplier == 0 {
		c.ActorAnomalyMultiplier = DefaultActorAnomalyMultiplier
	}
	if c.ActorChurnThreshold == 0 {
		c.ActorChurnThreshold = DefaultActorChurnThreshold
	}
	if c.MinSampleSize == 0 {
		c.MinSampleSize = DefaultMinSampleSize
	}
	if c.OracleRiskThreshold == 0 {
		c.OracleRiskThreshold = DefaultOracleRiskThreshold
	}
	if c.ThrottleDivisor == 0 {
		c.ThrottleDivisor = DefaultThrottleDivisor
	}
}

// Validate checks the invariants of a configuration whose defaults have
// already been applied.
func (c SecurityConfig) Validate() error {
	switch {
	case c.BurstDetectionThreshold == 0:
		return errorf(ErrInvalidThreshold, "burst_detection_threshold is zero")
	case c.BreakerFailureThreshold == 0:
		return errorf(ErrInvalidThreshold, "breaker_failure_threshold is zero")
	case c.BreakerSuccessThreshold == 0:
		return errorf(ErrInvalidThreshold, "breaker_success_threshold is zero")
	case c.RateLimitMaxCalls == 0:
		return errorf(ErrInvalidThreshold, "rate_limit_max_calls is zero")
	}
	for _, w := range []struct {
		name    string
		seconds uint64
	}{
		{"detection_window_seconds", c.DetectionWindowSeconds},
		{"breaker_cooldown_seconds", c.BreakerCooldownSeconds},
		{"rate_limit_window_seconds", c.RateLimitWindowSeconds},
	} {
		if err := checkWindow(w.name, w.seconds); err != nil {
			return err
		}
	}
	switch {
	case c.ErrorRateThreshold > 100:
		return errorf(ErrInvalidConfiguration, "error_rate_threshold %d exceeds 100", c.ErrorRateThreshold)
	case c.ActorChurnThreshold > 100:
		return errorf(ErrInvalidConfiguration, "actor_churn_threshold %d exceeds 100", c.ActorChurnThreshold)
	case c.OracleRiskThreshold > 100:
		return errorf(ErrInvalidConfiguration, "oracle_risk_threshold %d exceeds 100", c.OracleRiskThreshold)
	}
	return nil
}

// maxWindowSeconds keeps twice a window representable as a time.Duration.
const maxWindowSeconds = uint64(math.MaxInt64/int64(time.Second)) / 2

func checkWindow(name string, seconds uint64) error {
	switch {
	case seconds == 0:
		return errorf(ErrInvalidTimeWindow, "%s is zero", name)
	case seconds > maxWindowSeconds:
		return errorf(ErrInvalidTimeWindow, "%s %d exceeds %d", name, seconds, maxWindowSeconds)
	}
	return nil
}

func (c SecurityConfig) detectionWindow() time.Duration {
	return time.Duration(c.DetectionWindowSeconds) * time.Second
}

func (c SecurityConfig) rateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c SecurityConfig) oracleTTL() time.Duration {
	return time.Duration(c.OracleRequestTTLSeconds) * time.Second
}

// Initialize sets the admin principal and the initial configuration. It
// can succeed only once.
func (m *Monitor) Initialize(ctx context.Context, admin string, cfg SecurityConfig) error {
	if admin == "" {
		return errorf(ErrInvalidInput, "admin is required")
	}
	if m.bootstrapAdmin != "" && admin != m.bootstrapAdmin {
		return errorf(ErrPermissionDenied, "%s is not the configured admin", admin)
	}
	if err := m.authz.Require(ctx, admin); err != nil {
		return errorf(ErrUnauthorized, "admin %s: %v", admin, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	return m.update(ctx, "initialize", func(tx *txn) error {
		if tx.state.Initialized {
			return ErrAlreadyInitialized
		}
		tx.state.Initialized = true
		tx.state.Admin = admin
		tx.state.Config = cfg
		tx.state.InitializedAt = tx.now
		tx.dirty = true
		tx.notify(events.TypeInitialized, "", map[string]any{"admin": admin, "config": cfg})
		tx.info("security monitor initialized", "admin", admin)
		return nil
	})
}

// UpdateConfig replaces the configuration. Admin only.
func (m *Monitor) UpdateConfig(ctx context.Context, admin string, cfg SecurityConfig) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.update(ctx, "update_config", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		tx.state.Config = cfg
		tx.dirty = true
		tx.notify(events.TypeConfigUpdated, "", map[string]any{"admin": admin, "config": cfg})
		tx.info("security config updated", "admin", admin)
		return nil
	})
}

// GetConfig returns the current configuration.
func (m *Monitor) GetConfig(ctx context.Context) (SecurityConfig, error) {
	var cfg SecurityConfig
	err := m.view(ctx, "get_config", func(tx *txn) error {
		if !tx.state.Initialized {
			return ErrNotInitialized
		}
		cfg = tx.state.Config
		return nil
	})
	return cfg, err
}

// Admin returns the admin principal, or ErrNotInitialized.
func (m *Monitor) Admin(ctx context.Context) (string, error) {
	var admin string
	err := m.view(ctx, "admin", func(tx *txn) error {
		if !tx.state.Initialized {
			return ErrNotInitialized
		}
		admin = tx.state.Admin
		return nil
	})
	return admin, err
}

// IsInitialized reports whether Initialize has succeeded.
func (m *Monitor) IsInitialized(ctx context.Context) (bool, error) {
	var ok bool
	err := m.view(ctx, "is_initialized", func(tx *txn) error {
		ok = tx.state.Initialized
		return nil
	})
	return ok, err
}

// requireAdmin checks that the monitor is initialized, that admin is the
// configured admin, and that the call was authorized by admin.
func (m *Monitor) requireAdmin(tx *txn, admin string) error {
	if !tx.state.Initialized {
		return ErrNotInitialized
	}
	if admin == "" || admin != tx.state.Admin {
		m.logger.Warn("admin operation rejected", "principal", admin)
		return errorf(ErrPermissionDenied, "%q is not the admin", admin)
	}
	if err := m.authz.Require(tx.ctx, admin); err != nil {
		m.logger.Warn("admin authorization failed", "principal", admin, "error", err)
		return errorf(ErrUnauthorized, "admin %s: %v", admin, err)
	}
	return nil
}
