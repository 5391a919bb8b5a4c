package monitor

import "fmt"

// Storage key layout. Identifiers never contain "/", so prefixes are
// unambiguous.
const (
	prefixOracle     = "oracle/"
	prefixBreaker    = "breaker/"
	prefixRateLimit  = "ratelimit/"
	prefixThrottle   = "throttle/"
	prefixThreat     = "threat/"
	prefixSvcThreat  = "svcthreat/"
	prefixMetrics    = "metrics/"
	prefixRec        = "rec/"
	prefixThreatRec  = "threatrec/"
	prefixRisk       = "risk/"
	prefixIntel      = "intel/"
	prefixOracleReq  = "oracle_req/"
	prefixIncident   = "incident/"
	prefixTraining   = "training/"
	throttleWholeSvc = "*"
)

func oracleKey(p string) string { return prefixOracle + p }
func breakerKey(svc, fn string) string { return prefixBreaker + svc + "/" + fn }
func bucketKey(svc, actor string) string { return prefixRateLimit + svc + "/" + actor }
func throttleKey(svc, actor string) string { return prefixThrottle + svc + "/" + actor }
func threatKey(id string) string { return prefixThreat + id }
func svcThreatKey(svc, id string) string { return prefixSvcThreat + svc + "/" + id }
func recKey(id string) string { return prefixRec + id }
func threatRecKey(threat, id string) string { return prefixThreatRec + threat + "/" + id }
func riskKey(user string) string { return prefixRisk + user }
func intelKey(id string) string { return prefixIntel + id }
func oracleReqKey(id string) string { return prefixOracleReq + id }
func incidentKey(id string) string { return prefixIncident + id }
func trainingKey(user string) string { return prefixTraining + user }

// metricsKey zero-pads the window so keys sort chronologically.
func metricsKey(svc string, window int64) string {
	return fmt.Sprintf("%s%s/%020d", prefixMetrics, svc, window)
}
