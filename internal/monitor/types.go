package monitor

import (
	"fmt"
	"slices"
	"time"
)

// Severity of a threat or intelligence entry. Higher is worse.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for k, v := range severityNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// ThreatType classifies a threat.
type ThreatType string

const (
	ThreatBurstActivity          ThreatType = "burst_activity"
	ThreatAnomalousActor         ThreatType = "anomalous_actor"
	ThreatActorChurn             ThreatType = "actor_churn"
	ThreatErrorRateSpike         ThreatType = "error_rate_spike"
	ThreatRateLimitExceeded      ThreatType = "rate_limit_exceeded"
	ThreatBehavioralAnomaly      ThreatType = "behavioral_anomaly"
	ThreatCredentialFraud        ThreatType = "credential_fraud"
	ThreatBiometricFailure       ThreatType = "biometric_failure"
	ThreatKnownMaliciousActor    ThreatType = "known_malicious_actor"
	ThreatAccessViolation        ThreatType = "access_violation"
	ThreatReentrancyAttempt      ThreatType = "reentrancy_attempt"
	ThreatValidationFailure      ThreatType = "validation_failure"
	ThreatSequenceIntegrityIssue ThreatType = "sequence_integrity_issue"
)

var threatTypes = []ThreatType{
	ThreatBurstActivity, ThreatAnomalousActor, ThreatActorChurn, ThreatErrorRateSpike,
	ThreatRateLimitExceeded, ThreatBehavioralAnomaly, ThreatCredentialFraud,
	ThreatBiometricFailure, ThreatKnownMaliciousActor, ThreatAccessViolation,
	ThreatReentrancyAttempt, ThreatValidationFailure, ThreatSequenceIntegrityIssue,
}

func (t ThreatType) Valid() bool {
	return slices.Contains(threatTypes, t)
}

// ThreatStatus is the lifecycle of a threat.
type ThreatStatus string

const (
	ThreatOpen      ThreatStatus = "open"
	ThreatMitigated ThreatStatus = "mitigated"
	ThreatDismissed ThreatStatus = "dismissed"
)

// Resolution records how a threat was closed.
type Resolution struct {
	Action   MitigationAction `json:"action"`
	By       string           `json:"by"`
	At       time.Time        `json:"at"`
	Function string           `json:"function,omitempty"`
	MaxCalls uint32           `json:"max_calls,omitempty"`
	Note     string           `json:"note,omitempty"`
}

// SecurityThreat is a detected threat. ID is the fingerprint of
// (service, threat_type, window_id).
type SecurityThreat struct {
	ID             string       `json:"id"`
	Service        string       `json:"service"`
	ThreatType     ThreatType   `json:"threat_type"`
	Severity       Severity     `json:"severity"`
	DetectedAt     time.Time    `json:"detected_at"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
	WindowID       int64        `json:"window_id"`
	AffectedActors []string     `json:"affected_actors"`
	EvidenceRefs   []string     `json:"evidence_refs"`
	Status         ThreatStatus `json:"status"`
	Resolution     *Resolution  `json:"resolution,omitempty"`
	Seq            uint64       `json:"seq"`
}

// SecurityMetrics summarises one (service, window) of activity.
type SecurityMetrics struct {
	Service         string    `json:"service"`
	WindowID        int64     `json:"window_id"`
	WindowSeconds   uint64    `json:"window_seconds"`
	TotalCalls      uint64    `json:"total_calls"`
	FailedCalls     uint64    `json:"failed_calls"`
	DistinctActors  uint32    `json:"distinct_actors"`
	ThreatsDetected uint32    `json:"threats_detected"`
	ErrorRate       uint32    `json:"error_rate"`     // percent
	SecurityScore   uint32    `json:"security_score"` // 0-100, higher is healthier
	CalculatedAt    time.Time `json:"calculated_at"`
}

// RecommendationStatus is Pending until an admin acknowledges it.
type RecommendationStatus string

const (
	RecommendationPending      RecommendationStatus = "pending"
	RecommendationAcknowledged RecommendationStatus = "acknowledged"
)

// RecommendationCategory groups remediations.
type RecommendationCategory string

const (
	CategoryRateLimiting         RecommendationCategory = "rate_limiting"
	CategoryAccessControl        RecommendationCategory = "access_control"
	CategoryReentrancyPrevention RecommendationCategory = "reentrancy_prevention"
	CategoryInputValidation      RecommendationCategory = "input_validation"
	CategoryEventIntegrity       RecommendationCategory = "event_integrity"
	CategoryConfiguration        RecommendationCategory = "configuration"
	CategoryIdentity             RecommendationCategory = "identity"
)

// SecurityRecommendation is a suggested remediation for a threat.
type SecurityRecommendation struct {
	ID             string                 `json:"id"`
	ThreatID       string                 `json:"threat_id"`
	Category       RecommendationCategory `json:"category"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	FixSuggestion  string                 `json:"fix_suggestion,omitempty"`
	Priority       Severity               `json:"priority"`
	Status         RecommendationStatus   `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
}

// UserRiskScore is the current risk assessment of a principal.
type UserRiskScore struct {
	User        string    `json:"user"`
	Score       uint32    `json:"score"`
	RiskFactors []string  `json:"risk_factors"`
	Source      string    `json:"source"` // "admin" or "oracle:<purpose>"
	LastUpdated time.Time `json:"last_updated"`
}

func (r *UserRiskScore) addFactor(f string) {
	if f != "" && !slices.Contains(r.RiskFactors, f) {
		r.RiskFactors = append(r.RiskFactors, f)
		slices.Sort(r.RiskFactors)
	}
}

// ThreatIntelligence is an admin-maintained reference entry, keyed by
// Identifier (typically an actor principal).
type ThreatIntelligence struct {
	Identifier string    `json:"identifier"`
	Descriptor string    `json:"descriptor"`
	Severity   Severity  `json:"severity"`
	Source     string    `json:"source"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OraclePurpose selects which verification an oracle performs.
type OraclePurpose string

const (
	PurposeAnomaly         OraclePurpose = "anomaly"
	PurposeBiometric       OraclePurpose = "biometric"
	PurposeCredentialFraud OraclePurpose = "credential_fraud"
)

// Purposes lists every oracle purpose.
var Purposes = []OraclePurpose{PurposeAnomaly, PurposeBiometric, PurposeCredentialFraud}

func (p OraclePurpose) Valid() bool {
	return slices.Contains(Purposes, p)
}

// OracleStatus is the lifecycle of an oracle request. Pending→Resolved is
// the only transition a callback can make.
type OracleStatus string

const (
	OraclePending  OracleStatus = "pending"
	OracleResolved OracleStatus = "resolved"
	OracleExpired  OracleStatus = "expired"
)

// OracleRequest is one outstanding or completed verification.
type OracleRequest struct {
	ID         string            `json:"request_id"`
	Purpose    OraclePurpose     `json:"purpose"`
	Requester  string            `json:"requester"`
	Service    string            `json:"service"`
	Payload    map[string]string `json:"payload,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     OracleStatus      `json:"status"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	Result     map[string]any    `json:"result,omitempty"`
	ThreatID   string            `json:"threat_id,omitempty"`
}

// OracleRegistration authorizes a principal to answer callbacks for the
// listed purposes.
type OracleRegistration struct {
	Oracle   string          `json:"oracle"`
	Purposes []OraclePurpose `json:"purposes"`
	AddedBy  string          `json:"added_by"`
	AddedAt  time.Time       `json:"added_at"`
}

// IncidentStatus of an incident report.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// IncidentReport aggregates threats into a single report.
type IncidentReport struct {
	ID             string         `json:"id"`
	ThreatIDs      []string       `json:"threat_ids"`
	Services       []string       `json:"services"`
	AffectedActors []string       `json:"affected_actors"`
	MaxSeverity    Severity       `json:"max_severity"`
	ImpactSummary  string         `json:"impact_summary"`
	Status         IncidentStatus `json:"status"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
}

// TrainingModule is one completed training module.
type TrainingModule struct {
	Module      string    `json:"module"`
	Score       uint32    `json:"score"`
	Passed      bool      `json:"passed"`
	CompletedAt time.Time `json:"completed_at"`
}

// TrainingStatus is a principal's security training record.
type TrainingStatus struct {
	User         string           `json:"user"`
	Modules      []TrainingModule `json:"modules"`
	Completed    int              `json:"completed"`
	AverageScore uint32           `json:"average_score"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// MitigationAction is what an admin does about a threat.
type MitigationAction string

const (
	ActionPause          MitigationAction = "pause"
	ActionThrottle       MitigationAction = "throttle"
	ActionRestrictAccess MitigationAction = "restrict_access"
	ActionAlert          MitigationAction = "alert"
	ActionRequireReauth  MitigationAction = "require_reauth"
	ActionLockAccount    MitigationAction = "lock_account"
	ActionDismiss        MitigationAction = "dismiss"
)

var mitigationActions = []MitigationAction{
	ActionPause, ActionThrottle, ActionRestrictAccess, ActionAlert,
	ActionRequireReauth, ActionLockAccount, ActionDismiss,
}

func (a MitigationAction) Valid() bool {
	return slices.Contains(mitigationActions, a)
}

// ThrottleOverride tightens the rate limit for one actor ("*" for the
// whole service) below the configured default.
type ThrottleOverride struct {
	Service  string    `json:"service"`
	Actor    string    `json:"actor"`
	MaxCalls uint32    `json:"max_calls"`
	ThreatID string    `json:"threat_id,omitempty"`
	SetBy    string    `json:"set_by"`
	SetAt    time.Time `json:"set_at"`
}
