package release

import "bid-evaluation-service/internal/apperr"

// GateResult is the verdict of one release gate over a dataset.
type GateResult struct {
	Gate         string             `json:"gate"`
	DatasetID    string             `json:"dataset_id"`
	Passed       bool               `json:"passed"`
	FailedChecks []string           `json:"failed_checks"`
	Thresholds   map[string]float64 `json:"thresholds"`
	Values       map[string]float64 `json:"values"`
}

func newResult(gate, datasetID string, thresholds map[string]float64) GateResult {
	return GateResult{Gate: gate, DatasetID: datasetID, FailedChecks: []string{}, Thresholds: thresholds, Values: map[string]float64{}}
}

func (r *GateResult) check(failed bool, code string) {
	if failed {
		r.FailedChecks = append(r.FailedChecks, code)
	}
}

func (r GateResult) done() GateResult {
	r.Passed = len(r.FailedChecks) == 0
	return r
}

type QualityMetrics struct {
	ContextPrecision       float64 `json:"context_precision"`
	ContextRecall          float64 `json:"context_recall"`
	Faithfulness           float64 `json:"faithfulness"`
	ResponseRelevancy      float64 `json:"response_relevancy"`
	HallucinationRate      float64 `json:"hallucination_rate"`
	CitationResolvableRate float64 `json:"citation_resolvable_rate"`
}

func QualityThresholds() map[string]float64 {
	return map[string]float64{
		"ragas_context_precision_min":     0.80,
		"ragas_context_recall_min":        0.80,
		"ragas_faithfulness_min":          0.90,
		"ragas_response_relevancy_min":    0.85,
		"deepeval_hallucination_rate_max": 0.05,
		"citation_resolvable_rate_min":    0.98,
	}
}

func EvaluateQuality(datasetID string, m QualityMetrics) GateResult {
	t := QualityThresholds()
	r := newResult("quality", datasetID, t)
	r.check(m.ContextPrecision < t["ragas_context_precision_min"], "RAGAS_CONTEXT_PRECISION_LOW")
	r.check(m.ContextRecall < t["ragas_context_recall_min"], "RAGAS_CONTEXT_RECALL_LOW")
	r.check(m.Faithfulness < t["ragas_faithfulness_min"], "RAGAS_FAITHFULNESS_LOW")
	r.check(m.ResponseRelevancy < t["ragas_response_relevancy_min"], "RAGAS_RESPONSE_RELEVANCY_LOW")
	r.check(m.HallucinationRate > t["deepeval_hallucination_rate_max"], "DEEPEVAL_HALLUCINATION_RATE_HIGH")
	r.check(m.CitationResolvableRate < t["citation_resolvable_rate_min"], "CITATION_RESOLVABLE_RATE_LOW")
	r.Values = map[string]float64{
		"context_precision":        m.ContextPrecision,
		"context_recall":           m.ContextRecall,
		"faithfulness":             m.Faithfulness,
		"response_relevancy":       m.ResponseRelevancy,
		"hallucination_rate":       m.HallucinationRate,
		"citation_resolvable_rate": m.CitationResolvableRate,
	}
	return r.done()
}

// PerformanceMetrics holds p95 latencies in seconds and rates in [0, 1].
type PerformanceMetrics struct {
	APIP95S        float64 `json:"api_p95_s"`
	RetrievalP95S  float64 `json:"retrieval_p95_s"`
	Parse50PP95S   float64 `json:"parse_50p_p95_s"`
	EvaluationP95S float64 `json:"evaluation_p95_s"`
	QueueDLQRate   float64 `json:"queue_dlq_rate"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
}

func PerformanceThresholds() map[string]float64 {
	return map[string]float64{
		"api_p95_s_max":        1.5,
		"retrieval_p95_s_max":  4.0,
		"parse_50p_p95_s_max":  180.0,
		"evaluation_p95_s_max": 120.0,
		"queue_dlq_rate_max":   0.01,
		"cache_hit_rate_min":   0.70,
	}
}

func EvaluatePerformance(datasetID string, m PerformanceMetrics) GateResult {
	t := PerformanceThresholds()
	r := newResult("performance", datasetID, t)
	r.check(m.APIP95S > t["api_p95_s_max"], "API_P95_EXCEEDED")
	r.check(m.RetrievalP95S > t["retrieval_p95_s_max"], "RETRIEVAL_P95_EXCEEDED")
	r.check(m.Parse50PP95S > t["parse_50p_p95_s_max"], "PARSE_P95_EXCEEDED")
	r.check(m.EvaluationP95S > t["evaluation_p95_s_max"], "EVALUATION_P95_EXCEEDED")
	r.check(m.QueueDLQRate > t["queue_dlq_rate_max"], "QUEUE_DLQ_RATE_HIGH")
	r.check(m.CacheHitRate < t["cache_hit_rate_min"], "CACHE_HIT_RATE_LOW")
	r.Values = map[string]float64{
		"api_p95_s":        m.APIP95S,
		"retrieval_p95_s":  m.RetrievalP95S,
		"parse_50p_p95_s":  m.Parse50PP95S,
		"evaluation_p95_s": m.EvaluationP95S,
		"queue_dlq_rate":   m.QueueDLQRate,
		"cache_hit_rate":   m.CacheHitRate,
	}
	return r.done()
}

type SecurityMetrics struct {
	TenantScopeViolations    int     `json:"tenant_scope_violations"`
	AuthBypassFindings       int     `json:"auth_bypass_findings"`
	HighRiskApprovalCoverage float64 `json:"high_risk_approval_coverage"`
	LogRedactionFailures     int     `json:"log_redaction_failures"`
	SecretScanFindings       int     `json:"secret_scan_findings"`
}

func SecurityThresholds() map[string]float64 {
	return map[string]float64{
		"tenant_scope_violations_max":     0,
		"auth_bypass_findings_max":        0,
		"high_risk_approval_coverage_min": 1.0,
		"log_redaction_failures_max":      0,
		"secret_scan_findings_max":        0,
	}
}

func EvaluateSecurity(datasetID string, m SecurityMetrics) GateResult {
	t := SecurityThresholds()
	r := newResult("security", datasetID, t)
	r.check(float64(m.TenantScopeViolations) > t["tenant_scope_violations_max"], "TENANT_SCOPE_VIOLATION_FOUND")
	r.check(float64(m.AuthBypassFindings) > t["auth_bypass_findings_max"], "AUTH_BYPASS_FOUND")
	r.check(m.HighRiskApprovalCoverage < t["high_risk_approval_coverage_min"], "HIGH_RISK_APPROVAL_COVERAGE_LOW")
	r.check(float64(m.LogRedactionFailures) > t["log_redaction_failures_max"], "LOG_REDACTION_FAILURE_FOUND")
	r.check(float64(m.SecretScanFindings) > t["secret_scan_findings_max"], "SECRET_SCAN_FINDING_FOUND")
	r.Values = map[string]float64{
		"tenant_scope_violations":     float64(m.TenantScopeViolations),
		"auth_bypass_findings":        float64(m.AuthBypassFindings),
		"high_risk_approval_coverage": m.HighRiskApprovalCoverage,
		"log_redaction_failures":      float64(m.LogRedactionFailures),
		"secret_scan_findings":        float64(m.SecretScanFindings),
	}
	return r.done()
}

type CostMetrics struct {
	TaskCostP95          float64 `json:"task_cost_p95"`
	BaselineTaskCostP95  float64 `json:"baseline_task_cost_p95"`
	RoutingDegradePassed bool    `json:"routing_degrade_passed"`
	DegradeAvailability  float64 `json:"degrade_availability"`
	BudgetAlertCoverage  float64 `json:"budget_alert_coverage"`
}

func CostThresholds() map[string]float64 {
	return map[string]float64{
		"task_cost_p95_ratio_max":   1.2,
		"degrade_availability_min":  0.995,
		"budget_alert_coverage_min": 1.0,
	}
}

// EvaluateCost compares p95 task cost against its baseline. A non-positive
// baseline is rejected.
func EvaluateCost(datasetID string, m CostMetrics) (GateResult, error) {
	if m.BaselineTaskCostP95 <= 0 {
		return GateResult{}, apperr.Validation(apperr.CodeReqValidationFailed, "baseline_task_cost_p95 must be positive")
	}
	t := CostThresholds()
	r := newResult("cost", datasetID, t)
	ratio := m.TaskCostP95 / m.BaselineTaskCostP95
	r.check(ratio > t["task_cost_p95_ratio_max"], "TASK_COST_P95_RATIO_HIGH")
	r.check(!m.RoutingDegradePassed, "ROUTING_DEGRADE_FAILED")
	r.check(m.DegradeAvailability < t["degrade_availability_min"], "DEGRADE_AVAILABILITY_LOW")
	r.check(m.BudgetAlertCoverage < t["budget_alert_coverage_min"], "BUDGET_ALERT_COVERAGE_LOW")
	degrade := 0.0
	if m.RoutingDegradePassed {
		degrade = 1
	}
	r.Values = map[string]float64{
		"task_cost_p95":          m.TaskCostP95,
		"baseline_task_cost_p95": m.BaselineTaskCostP95,
		"task_cost_p95_ratio":    ratio,
		"routing_degrade_passed": degrade,
		"degrade_availability":   m.DegradeAvailability,
		"budget_alert_coverage":  m.BudgetAlertCoverage,
	}
	return r.done(), nil
}
