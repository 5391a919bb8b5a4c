package monitor

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// Risk factors written by oracle callbacks.
const (
	FactorBehavioralAnomaly = "behavioral_anomaly"
	FactorBiometricFailure  = "biometric_failure"
	FactorCredentialFraud   = "credential_fraud"
)

// AddOracle authorizes oracle to answer callbacks for purposes. Adding an
// existing oracle replaces its purposes. Admin only.
func (m *Monitor) AddOracle(ctx context.Context, admin, oracle string, purposes []OraclePurpose) (*OracleRegistration, error) {
	if err := requireID("oracle", oracle); err != nil {
		return nil, err
	}
	if len(purposes) == 0 {
		return nil, errorf(ErrInvalidInput, "at least one purpose is required")
	}
	for _, p := range purposes {
		if !p.Valid() {
			return nil, errorf(ErrInvalidInput, "unknown purpose %q", p)
		}
	}
	purposes = slices.Clone(purposes)
	slices.Sort(purposes)
	purposes = slices.Compact(purposes)

	var out *OracleRegistration
	err := m.update(ctx, "add_oracle", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		out = &OracleRegistration{Oracle: oracle, Purposes: purposes, AddedBy: admin, AddedAt: tx.now}
		tx.info("oracle registered", "oracle", oracle, "purposes", purposes, "admin", admin)
		return tx.put(oracleKey(oracle), out)
	})
	return out, err
}

// RemoveOracle revokes an oracle. Admin only.
func (m *Monitor) RemoveOracle(ctx context.Context, admin, oracle string) error {
	if err := requireID("oracle", oracle); err != nil {
		return err
	}
	return m.update(ctx, "remove_oracle", func(tx *txn) error {
		if err := m.requireAdmin(tx, admin); err != nil {
			return err
		}
		var reg OracleRegistration
		found, err := tx.get(oracleKey(oracle), &reg)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "oracle %s is not registered", oracle)
		}
		tx.info("oracle removed", "oracle", oracle, "admin", admin)
		return tx.del(oracleKey(oracle))
	})
}

// ListOracles returns every registered oracle.
func (m *Monitor) ListOracles(ctx context.Context) ([]OracleRegistration, error) {
	var out []OracleRegistration
	err := m.view(ctx, "list_oracles", func(tx *txn) error {
		return tx.scan(prefixOracle, func(raw []byte) error {
			var reg OracleRegistration
			if err := decode(raw, &reg); err != nil {
				return err
			}
			out = append(out, reg)
			return nil
		})
	})
	return out, err
}

// RequestAnomalyAnalysis asks the anomaly oracle to analyse actor's
// behaviour on service.
func (m *Monitor) RequestAnomalyAnalysis(ctx context.Context, actor, service string) (string, error) {
	return m.requestVerification(ctx, PurposeAnomaly, actor, service, nil)
}

// VerifyBiometrics asks the biometric oracle to verify actor. ref points
// the oracle at the sample to check and may be empty.
func (m *Monitor) VerifyBiometrics(ctx context.Context, actor, service, ref string) (string, error) {
	var payload map[string]string
	if ref != "" {
		if len(ref) > 512 {
			return "", errorf(ErrInvalidInput, "biometric_ref too long")
		}
		payload = map[string]string{"biometric_ref": ref}
	}
	return m.requestVerification(ctx, PurposeBiometric, actor, service, payload)
}

// VerifyCredentialFraud asks the fraud oracle to check a credential, given
// by its hex hash.
func (m *Monitor) VerifyCredentialFraud(ctx context.Context, actor, service, credentialHash string) (string, error) {
	if !validation.IsValidHex(credentialHash) || len(credentialHash) > 130 {
		return "", errorf(ErrInvalidInput, "credential_hash must be a hex digest")
	}
	return m.requestVerification(ctx, PurposeCredentialFraud, actor, service, map[string]string{
		"credential_hash": credentialHash,
	})
}

func (m *Monitor) requestVerification(ctx context.Context, purpose OraclePurpose, actor, service string, payload map[string]string) (string, error) {
	if err := requireID("actor", actor); err != nil {
		return "", err
	}
	if err := requireID("service", service); err != nil {
		return "", err
	}

	var id string
	err := m.update(ctx, "request_"+string(purpose), func(tx *txn) error {
		tx.annotate(traces.Purpose(string(purpose)), traces.Actor(actor), traces.Service(service))
		if _, err := tx.config(); err != nil {
			return err
		}
		nonce := tx.nextNonce()
		id = idgen.Fingerprint(actor, service, string(purpose),
			strconv.FormatInt(tx.now.UnixNano(), 10), strconv.FormatUint(nonce, 10))

		req := &OracleRequest{
			ID:        id,
			Purpose:   purpose,
			Requester: actor,
			Service:   service,
			Payload:   payload,
			CreatedAt: tx.now,
			Status:    OraclePending,
		}
		if err := tx.put(oracleReqKey(id), req); err != nil {
			return err
		}

		data := map[string]any{
			"purpose":    purpose,
			"request_id": id,
			"actor":      actor,
		}
		if len(payload) > 0 {
			data["payload"] = payload
		}
		if err := m.signal(tx, &events.Event{
			Type:      events.TypeOracleRequest,
			Timestamp: tx.now,
			Service:   service,
			Data:      data,
		}); err != nil {
			return err
		}

		p := string(purpose)
		tx.onCommit(func() { metrics.OracleRequestsTotal.WithLabelValues(p).Inc() })
		tx.info("oracle request issued", "request_id", id, "purpose", p, "actor", actor, "service", service)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CallbackAnomalyAnalysis consumes the anomaly oracle's answer. When the
// actor is anomalous with a score at or above the configured risk
// threshold, a behavioural anomaly threat is raised and the actor's risk
// score becomes the higher of its current and the reported score.
func (m *Monitor) CallbackAnomalyAnalysis(ctx context.Context, oracle, requestID string, anomalous bool, riskScore uint32) (*OracleRequest, error) {
	return m.resolve(ctx, oracle, requestID, PurposeAnomaly, func(tx *txn, req *OracleRequest) error {
		if riskScore > 100 {
			return errorf(ErrInvalidInput, "risk_score %d exceeds 100", riskScore)
		}
		req.Result = map[string]any{"anomalous": anomalous, "risk_score": riskScore}
		if !anomalous || riskScore < tx.state.Config.OracleRiskThreshold {
			return nil
		}
		t, err := m.raiseThreat(tx, threatDraft{
			Service:  req.Service,
			Type:     ThreatBehavioralAnomaly,
			Severity: scoreSeverity(riskScore),
			WindowID: windowOf(tx.now, tx.state.Config.DetectionWindowSeconds),
			Actors:   []string{req.Requester},
			Evidence: []string{"oracle_request:" + req.ID, fmt.Sprintf("risk_score:%d", riskScore)},
		})
		if err != nil {
			return err
		}
		if t != nil {
			req.ThreatID = t.ID
		}
		return m.mergeRisk(tx, req.Requester, riskScore, FactorBehavioralAnomaly, "oracle:"+string(PurposeAnomaly))
	})
}

// CallbackBiometricVerification consumes the biometric oracle's answer. A
// failed verification raises the actor's risk score to at least
// 100 - confidence and flags it; no threat is raised.
func (m *Monitor) CallbackBiometricVerification(ctx context.Context, oracle, requestID string, verified bool, confidence uint32) (*OracleRequest, error) {
	return m.resolve(ctx, oracle, requestID, PurposeBiometric, func(tx *txn, req *OracleRequest) error {
		if confidence > 100 {
			return errorf(ErrInvalidInput, "confidence %d exceeds 100", confidence)
		}
		req.Result = map[string]any{"verified": verified, "confidence": confidence}
		if verified {
			return nil
		}
		return m.mergeRisk(tx, req.Requester, 100-confidence, FactorBiometricFailure, "oracle:"+string(PurposeBiometric))
	})
}

// CallbackCredentialFraud consumes the fraud oracle's answer. A fraudulent
// credential raises a High credential fraud threat carrying the
// credential hash as evidence.
func (m *Monitor) CallbackCredentialFraud(ctx context.Context, oracle, requestID string, fraudulent bool) (*OracleRequest, error) {
	return m.resolve(ctx, oracle, requestID, PurposeCredentialFraud, func(tx *txn, req *OracleRequest) error {
		req.Result = map[string]any{"fraudulent": fraudulent}
		if !fraudulent {
			return nil
		}
		t, err := m.raiseThreat(tx, threatDraft{
			Service:  req.Service,
			Type:     ThreatCredentialFraud,
			Severity: SeverityHigh,
			WindowID: windowOf(tx.now, tx.state.Config.DetectionWindowSeconds),
			Actors:   []string{req.Requester},
			Evidence: []string{"credential:" + req.Payload["credential_hash"], "oracle_request:" + req.ID},
		})
		if err != nil {
			return err
		}
		if t != nil {
			req.ThreatID = t.ID
		}
		return nil
	})
}

// resolve is the shared callback path. The Pending → Resolved move is the
// only transition a callback makes, so a request is consumed at most once.
func (m *Monitor) resolve(ctx context.Context, oracle, requestID string, purpose OraclePurpose,
	apply func(*txn, *OracleRequest) error) (*OracleRequest, error) {
	var out *OracleRequest
	err := m.update(ctx, "callback_"+string(purpose), func(tx *txn) error {
		tx.annotate(traces.Purpose(string(purpose)), traces.RequestID(requestID))
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		if err := m.authz.Require(tx.ctx, oracle); err != nil {
			return errorf(ErrUnauthorized, "oracle %s: %v", oracle, err)
		}
		var reg OracleRegistration
		found, err := tx.get(oracleKey(oracle), &reg)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrUnauthorized, "%s is not an authorized oracle", oracle)
		}
		if !slices.Contains(reg.Purposes, purpose) {
			return errorf(ErrPermissionDenied, "oracle %s is not registered for %s", oracle, purpose)
		}

		var req OracleRequest
		found, err = tx.get(oracleReqKey(requestID), &req)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "oracle request %s", requestID)
		}
		if req.Purpose != purpose {
			return errorf(ErrInvalidInput, "request %s is a %s request", requestID, req.Purpose)
		}
		if req.Status != OraclePending {
			return errorf(ErrRequestNotPending, "request %s is %s", requestID, req.Status)
		}
		if expired(cfg, &req, tx.now) {
			return errorf(ErrRequestNotPending, "request %s has expired", requestID)
		}

		if err := apply(tx, &req); err != nil {
			return err
		}
		at := tx.now
		req.Status = OracleResolved
		req.ResolvedBy = oracle
		req.ResolvedAt = &at
		if err := tx.put(oracleReqKey(req.ID), &req); err != nil {
			return err
		}

		tx.notify(events.TypeOracleResolved, req.Service, map[string]any{
			"purpose":    purpose,
			"request_id": req.ID,
			"oracle":     oracle,
			"actor":      req.Requester,
			"threat_id":  req.ThreatID,
		})
		tx.info("oracle request resolved", "request_id", req.ID, "purpose", string(purpose), "oracle", oracle)
		out = &req
		return nil
	})

	result := "resolved"
	if err != nil {
		result = "rejected"
		m.logger.Warn("oracle callback rejected", "request_id", requestID, "oracle", oracle, "error", err)
	}
	metrics.OracleCallbacksTotal.WithLabelValues(string(purpose), result).Inc()
	return out, err
}

func expired(cfg SecurityConfig, req *OracleRequest, now time.Time) bool {
	ttl := cfg.oracleTTL()
	return ttl > 0 && !now.Before(req.CreatedAt.Add(ttl))
}

// GetOracleRequest returns one oracle request.
func (m *Monitor) GetOracleRequest(ctx context.Context, id string) (*OracleRequest, error) {
	if !validation.IsValidFingerprint(id) {
		return nil, errorf(ErrDataNotFound, "oracle request %s", id)
	}
	var out OracleRequest
	err := m.view(ctx, "get_oracle_request", func(tx *txn) error {
		found, err := tx.get(oracleReqKey(id), &out)
		if err != nil {
			return err
		}
		if !found {
			return errorf(ErrDataNotFound, "oracle request %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOracleRequests returns requests in the given status (all when
// empty), oldest first.
func (m *Monitor) ListOracleRequests(ctx context.Context, status OracleStatus, limit int) ([]*OracleRequest, error) {
	var out []*OracleRequest
	err := m.view(ctx, "list_oracle_requests", func(tx *txn) error {
		return tx.scan(prefixOracleReq, func(raw []byte) error {
			var req OracleRequest
			if err := decode(raw, &req); err != nil {
				return err
			}
			if status == "" || req.Status == status {
				out = append(out, &req)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *OracleRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireOracleRequests marks every pending request older than the
// configured TTL as Expired and returns how many it expired. Admin only.
// With no TTL configured nothing expires.
func (m *Monitor) ExpireOracleRequests(ctx context.Context, admin string) (int, error) {
	return m.expireOracleRequests(ctx, &admin)
}

// expireOracleRequests skips the admin check when admin is nil; the
// maintenance timer uses that path.
func (m *Monitor) expireOracleRequests(ctx context.Context, admin *string) (int, error) {
	var n int
	err := m.update(ctx, "expire_oracle_requests", func(tx *txn) error {
		n = 0
		if admin != nil {
			if err := m.requireAdmin(tx, *admin); err != nil {
				return err
			}
		}
		cfg, err := tx.config()
		if err != nil {
			return err
		}
		if cfg.OracleRequestTTLSeconds == 0 {
			return nil
		}
		var stale []OracleRequest
		err = tx.scan(prefixOracleReq, func(raw []byte) error {
			var req OracleRequest
			if err := decode(raw, &req); err != nil {
				return err
			}
			if req.Status == OraclePending && expired(cfg, &req, tx.now) {
				stale = append(stale, req)
			}
			return nil
		})
		if err != nil {
			return err
		}
		slices.SortFunc(stale, func(a, b OracleRequest) int { return cmp.Compare(a.ID, b.ID) })
		for i := range stale {
			stale[i].Status = OracleExpired
			if err := tx.put(oracleReqKey(stale[i].ID), &stale[i]); err != nil {
				return err
			}
		}
		n = len(stale)
		if n > 0 {
			tx.info("oracle requests expired", "count", n)
		}
		return nil
	})
	return n, err
}
