// Package release decides whether a release may ship: gate verdicts,
// replay evidence, rollout policy and rollback.
package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/audit"
	"bid-evaluation-service/internal/evaluation"
	"bid-evaluation-service/internal/jobs"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

const (
	AuditReadinessEvaluated = "release_readiness_evaluated"
	AuditPipelineExecuted   = "release_pipeline_executed"
	AuditReplayExecuted     = "release_replay_e2e_executed"
	AuditRollbackExecuted   = "rollback_executed"
	AuditRollbackVerified   = "rollback_replay_verified"

	StageReady   = "release_ready"
	StageBlocked = "release_blocked"
)

// DefaultRequiredGates are checked when no gate list is configured.
var DefaultRequiredGates = []string{"quality", "performance", "security", "cost", "rollout", "rollback", "ops"}

// Options carry the release settings from configuration.
type Options struct {
	RequiredGates      []string
	ReadinessRequired  bool
	CanaryRatio        float64
	CanaryDurationMin  int
	RollbackMaxMinutes int
}

type Service struct {
	releases    store.ReleaseStore
	executor    *jobs.Executor
	evaluations *evaluation.Service
	audit       *audit.Log
	opts        Options
	now         func() time.Time
}

func New(releases store.ReleaseStore, executor *jobs.Executor, evaluations *evaluation.Service, log *audit.Log, opts Options) *Service {
	if len(opts.RequiredGates) == 0 {
		opts.RequiredGates = DefaultRequiredGates
	}
	return &Service{
		releases:    releases,
		executor:    executor,
		evaluations: evaluations,
		audit:       log,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequiredGates lists the gates readiness insists on.
func (s *Service) RequiredGates() []string { return append([]string(nil), s.opts.RequiredGates...) }

var sizeOrder = map[string]int{"small": 1, "medium": 2, "large": 3}

// PlanRequest replaces the rollout policy of a release.
type PlanRequest struct {
	ReleaseID            string   `json:"release_id"`
	TenantWhitelist      []string `json:"tenant_whitelist"`
	EnabledProjectSizes  []string `json:"enabled_project_sizes"`
	HighRiskHITLEnforced bool     `json:"high_risk_hitl_enforced"`
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := []string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// PlanRollout stores the whitelist sorted and sizes ordered small to large.
func (s *Service) PlanRollout(ctx context.Context, tenantID string, req PlanRequest) (models.RolloutPolicy, error) {
	if strings.TrimSpace(req.ReleaseID) == "" {
		return models.RolloutPolicy{}, apperr.Validation(apperr.CodeReqValidationFailed, "release_id is required")
	}
	whitelist := dedupe(req.TenantWhitelist)
	sort.Strings(whitelist)
	sizes := dedupe(req.EnabledProjectSizes)
	sort.SliceStable(sizes, func(i, j int) bool { return rank(sizes[i]) < rank(sizes[j]) })
	policy := models.RolloutPolicy{
		ReleaseID:            req.ReleaseID,
		TenantID:             tenantID,
		TenantWhitelist:      whitelist,
		EnabledProjectSizes:  sizes,
		HighRiskHITLEnforced: req.HighRiskHITLEnforced,
		UpdatedAt:            s.now(),
	}
	if err := s.releases.PutRolloutPolicy(ctx, policy); err != nil {
		return models.RolloutPolicy{}, fmt.Errorf("put rollout policy: %w", err)
	}
	return policy, nil
}

func rank(size string) int {
	if r, ok := sizeOrder[size]; ok {
		return r
	}
	return 999
}

// RolloutDecision says whether a tenant's project receives the release.
type RolloutDecision struct {
	ReleaseID        string   `json:"release_id"`
	Admitted         bool     `json:"admitted"`
	Stage            string   `json:"stage"`
	MatchedWhitelist bool     `json:"matched_whitelist"`
	ForceHITL        bool     `json:"force_hitl"`
	Reasons          []string `json:"reasons"`
}

func (s *Service) policy(ctx context.Context, releaseID string) (models.RolloutPolicy, error) {
	p, err := s.releases.GetRolloutPolicy(ctx, releaseID)
	if errors.Is(err, store.ErrNotFound) {
		return models.RolloutPolicy{}, apperr.NotFound(apperr.CodeReleasePolicyNotFound, "release rollout policy not found")
	}
	if err != nil {
		return models.RolloutPolicy{}, fmt.Errorf("get rollout policy: %w", err)
	}
	return p, nil
}

func (s *Service) DecideRollout(ctx context.Context, releaseID, tenantID, projectSize string, highRisk bool) (RolloutDecision, error) {
	p, err := s.policy(ctx, releaseID)
	if err != nil {
		return RolloutDecision{}, err
	}
	return decide(p, tenantID, projectSize, highRisk), nil
}

func decide(p models.RolloutPolicy, tenantID, projectSize string, highRisk bool) RolloutDecision {
	d := RolloutDecision{ReleaseID: p.ReleaseID, Stage: "tenant_whitelist+project_size", Reasons: []string{}}
	for _, t := range p.TenantWhitelist {
		if t == tenantID {
			d.MatchedWhitelist = true
			break
		}
	}
	if !d.MatchedWhitelist {
		d.Reasons = append(d.Reasons, "TENANT_NOT_IN_WHITELIST")
	}
	sizeOK := false
	for _, size := range p.EnabledProjectSizes {
		if size == projectSize {
			sizeOK = true
			break
		}
	}
	if !sizeOK {
		d.Reasons = append(d.Reasons, "PROJECT_SIZE_NOT_ENABLED")
	}
	d.Admitted = len(d.Reasons) == 0
	d.ForceHITL = highRisk && p.HighRiskHITLEnforced
	return d
}
