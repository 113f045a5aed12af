// Package workflow records per-thread execution history and issues the
// single-use tokens that let a reviewer continue an interrupted evaluation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

// Checkpoint nodes written by the job executor.
const (
	NodeJobStarted             = "job_started"
	NodeJobRetrying            = "job_retrying"
	NodeJobFailed              = "job_failed"
	NodeJobDLQPending          = "job_dlq_pending"
	NodeJobDLQRecorded         = "job_dlq_recorded"
	NodeJobSucceeded           = "job_succeeded"
	NodeJobNeedsManualDecision = "job_needs_manual_decision"
	NodeJobCancelled           = "job_cancelled"
	NodeJobTransition          = "job_transition"
)

// Checkpoints appends and lists thread history.
type Checkpoints struct {
	store store.CheckpointStore
	now   func() time.Time
}

func NewCheckpoints(st store.CheckpointStore) *Checkpoints {
	return &Checkpoints{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Append records that job entered status at node.
func (c *Checkpoints) Append(ctx context.Context, job models.Job, node string, payload map[string]any) (models.WorkflowCheckpoint, error) {
	cp, err := c.store.AppendCheckpoint(ctx, models.WorkflowCheckpoint{
		CheckpointID: models.NewID("cp"),
		ThreadID:     job.ThreadID,
		JobID:        job.ID,
		TenantID:     job.TenantID,
		Node:         node,
		Status:       string(job.Status),
		Payload:      payload,
		OccurredAt:   c.now(),
	})
	if err != nil {
		return models.WorkflowCheckpoint{}, fmt.Errorf("append checkpoint %s: %w", node, err)
	}
	return cp, nil
}

// List returns the thread's checkpoints in insertion order.
func (c *Checkpoints) List(ctx context.Context, tenantID, threadID string) ([]models.WorkflowCheckpoint, error) {
	cps, err := c.store.ListCheckpoints(ctx, tenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// Tokens mints and redeems resume tokens.
type Tokens struct {
	store store.ResumeTokenStore
	ttl   time.Duration
	now   func() time.Time
}

func NewTokens(st store.ResumeTokenStore, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{store: st, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source used for issue and expiry checks.
func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	t.now = now
	return t
}

// Issue returns the evaluation's token, minting one on first call.
func (t *Tokens) Issue(ctx context.Context, tenantID, evaluationID string) (models.ResumeToken, error) {
	existing, err := t.store.GetResumeToken(ctx, evaluationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.ResumeToken{}, fmt.Errorf("load resume token: %w", err)
	}
	now := t.now()
	tok, err := t.store.PutResumeToken(ctx, models.ResumeToken{
		Token:        models.NewID("rt"),
		EvaluationID: evaluationID,
		TenantID:     tenantID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(t.ttl),
	})
	if err != nil {
		return models.ResumeToken{}, fmt.Errorf("store resume token: %w", err)
	}
	return tok, nil
}

// Get returns the token for an evaluation if one was minted.
func (t *Tokens) Get(ctx context.Context, evaluationID string) (models.ResumeToken, bool, error) {
	tok, err := t.store.GetResumeToken(ctx, evaluationID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ResumeToken{}, false, nil
	}
	if err != nil {
		return models.ResumeToken{}, false, fmt.Errorf("load resume token: %w", err)
	}
	return tok, true, nil
}

// Consume redeems token exactly once. Unknown, mismatched, expired or
// already used tokens fail with WF_INTERRUPT_RESUME_INVALID.
func (t *Tokens) Consume(ctx context.Context, tenantID, evaluationID, token string) error {
	if token == "" {
		return apperr.ErrResumeInvalid
	}
	ok, err := t.store.ConsumeResumeToken(ctx, tenantID, evaluationID, token, t.now())
	if err != nil {
		return fmt.Errorf("consume resume token: %w", err)
	}
	if !ok {
		return apperr.ErrResumeInvalid
	}
	return nil
}

// Restore hands a consumed token back when the resume it gated could not be
// submitted.
func (t *Tokens) Restore(ctx context.Context, tenantID, evaluationID, token string) error {
	if err := t.store.RestoreResumeToken(ctx, tenantID, evaluationID, token); err != nil {
		return fmt.Errorf("restore resume token: %w", err)
	}
	return nil
}
