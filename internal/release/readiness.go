package release

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/models"
)

// ReadinessRequest is the evidence readiness is decided on.
type ReadinessRequest struct {
	ReleaseID      string          `json:"release_id"`
	DatasetVersion string          `json:"dataset_version"`
	ReplayPassed   bool            `json:"replay_passed"`
	GateResults    map[string]bool `json:"gate_results"`
	TraceID        string          `json:"-"`
}

// Assess is the pure readiness decision. Every required gate must be
// present and true, any other supplied gate must be true, the dataset
// version must be set and the replay must have passed.
func Assess(required []string, req ReadinessRequest) (admitted bool, failed []string, gates map[string]bool) {
	failed = []string{}
	gates = make(map[string]bool, len(required)+len(req.GateResults))
	for _, name := range required {
		gates[name] = req.GateResults[name]
	}
	var extra []string
	for name, ok := range req.GateResults {
		if _, seen := gates[name]; !seen {
			gates[name] = ok
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	if strings.TrimSpace(req.DatasetVersion) == "" {
		failed = append(failed, "DATASET_VERSION_REQUIRED")
	}
	for _, name := range append(append([]string(nil), required...), extra...) {
		if !gates[name] {
			failed = append(failed, strings.ToUpper(name)+"_GATE_FAILED")
		}
	}
	if !req.ReplayPassed {
		failed = append(failed, "REPLAY_E2E_FAILED")
	}
	return len(failed) == 0, failed, gates
}

// EvaluateReadiness records an assessment of req and audits it.
func (s *Service) EvaluateReadiness(ctx context.Context, tenantID string, req ReadinessRequest) (models.ReleaseReadinessAssessment, error) {
	admitted, failed, gates := Assess(s.opts.RequiredGates, req)
	a := models.ReleaseReadinessAssessment{
		AssessmentID:   models.NewID("ra"),
		ReleaseID:      req.ReleaseID,
		TenantID:       tenantID,
		DatasetVersion: req.DatasetVersion,
		Admitted:       admitted,
		FailedChecks:   failed,
		ReplayPassed:   req.ReplayPassed,
		GateResults:    gates,
		TraceID:        req.TraceID,
		CreatedAt:      s.now(),
	}
	if err := s.releases.PutAssessment(ctx, a); err != nil {
		return models.ReleaseReadinessAssessment{}, fmt.Errorf("put assessment: %w", err)
	}
	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditReadinessEvaluated,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"release_id":      req.ReleaseID,
			"assessment_id":   a.AssessmentID,
			"dataset_version": req.DatasetVersion,
			"admitted":        admitted,
			"failed_checks":   failed,
		},
	}); err != nil {
		return models.ReleaseReadinessAssessment{}, err
	}
	return a, nil
}

// PipelineRequest extends readiness evidence with the rollout target.
// Rollout is decided only when ProjectSize is set.
type PipelineRequest struct {
	ReadinessRequest
	ProjectSize string `json:"project_size,omitempty"`
	HighRisk    bool   `json:"high_risk,omitempty"`
}

type Canary struct {
	Ratio       float64 `json:"ratio"`
	DurationMin int     `json:"duration_min"`
}

type PipelineStage struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type PipelineResult struct {
	PipelineID            string                             `json:"pipeline_id"`
	ReleaseID             string                             `json:"release_id"`
	TenantID              string                             `json:"tenant_id"`
	DatasetVersion        string                             `json:"dataset_version"`
	Stage                 string                             `json:"stage"`
	Stages                []PipelineStage                    `json:"stages"`
	Admitted              bool                               `json:"admitted"`
	FailedChecks          []string                           `json:"failed_checks"`
	ReadinessAssessmentID string                             `json:"readiness_assessment_id"`
	ReadinessRequired     bool                               `json:"readiness_required"`
	Readiness             *models.ReleaseReadinessAssessment `json:"readiness,omitempty"`
	Rollout               *RolloutDecision                   `json:"rollout,omitempty"`
	Canary                Canary                             `json:"canary"`
	RollbackMaxMinutes    int                                `json:"rollback_max_minutes"`
}

// ExecutePipeline runs readiness and, when a target is given, the rollout
// decision. The release is ready only when every stage passed.
func (s *Service) ExecutePipeline(ctx context.Context, tenantID string, req PipelineRequest) (PipelineResult, error) {
	res := PipelineResult{
		PipelineID:         models.NewID("pl"),
		ReleaseID:          req.ReleaseID,
		TenantID:           tenantID,
		DatasetVersion:     req.DatasetVersion,
		Admitted:           true,
		FailedChecks:       []string{},
		ReadinessRequired:  s.opts.ReadinessRequired,
		Canary:             Canary{Ratio: s.opts.CanaryRatio, DurationMin: s.opts.CanaryDurationMin},
		RollbackMaxMinutes: s.opts.RollbackMaxMinutes,
	}
	if s.opts.ReadinessRequired {
		a, err := s.EvaluateReadiness(ctx, tenantID, req.ReadinessRequest)
		if err != nil {
			return PipelineResult{}, err
		}
		res.Readiness = &a
		res.ReadinessAssessmentID = a.AssessmentID
		res.Admitted = a.Admitted
		res.FailedChecks = append(res.FailedChecks, a.FailedChecks...)
		res.Stages = append(res.Stages, PipelineStage{Name: "readiness", Passed: a.Admitted})
	}
	if req.ProjectSize != "" {
		p, err := s.policy(ctx, req.ReleaseID)
		if err != nil {
			return PipelineResult{}, err
		}
		d := decide(p, tenantID, req.ProjectSize, req.HighRisk)
		if !res.Admitted {
			d.ForceHITL = false
		}
		res.Rollout = &d
		res.Admitted = res.Admitted && d.Admitted
		res.FailedChecks = append(res.FailedChecks, d.Reasons...)
		res.Stages = append(res.Stages, PipelineStage{Name: "rollout", Passed: d.Admitted})
	}
	res.Stage = StageBlocked
	if res.Admitted {
		res.Stage = StageReady
	}
	res.Stages = append(res.Stages, PipelineStage{Name: res.Stage, Passed: res.Admitted})

	if _, err := s.audit.Append(ctx, audit.Record{
		TenantID: tenantID,
		Action:   AuditPipelineExecuted,
		TraceID:  req.TraceID,
		Payload: map[string]any{
			"release_id":      req.ReleaseID,
			"pipeline_id":     res.PipelineID,
			"dataset_version": req.DatasetVersion,
			"stage":           res.Stage,
			"admitted":        res.Admitted,
			"failed_checks":   res.FailedChecks,
		},
	}); err != nil {
		return PipelineResult{}, err
	}
	return res, nil
}
