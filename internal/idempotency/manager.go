// Package idempotency makes mutating commands safe to retry by remembering
// the first response produced for each (tenant, endpoint, key).
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/canonical"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
	"bid-evaluation-service/internal/telemetry"
)

// Result is the response returned to the caller, byte-identical across replays.
type Result struct {
	Response json.RawMessage
	Replayed bool
}

// Execute performs the mutation on first use of a key.
type Execute func(ctx context.Context) (any, error)

type Manager struct {
	store store.IdempotencyStore
	group singleflight.Group
	now   func() time.Time
}

func NewManager(st store.IdempotencyStore) *Manager {
	return &Manager{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Run executes at most once per key within this process. Concurrent callers
// with the same key wait for the first one and then compare fingerprints
// against the stored record.
func (m *Manager) Run(ctx context.Context, endpoint, tenantID, key string, payload any, execute Execute) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, apperr.ErrIdempotencyMissing
	}
	fingerprint, err := canonical.Fingerprint(payload)
	if err != nil {
		return Result{}, apperr.Wrap(err, apperr.CodeReqValidationFailed, apperr.KindValidation, http.StatusBadRequest, false, "payload cannot be fingerprinted")
	}

	type outcome struct {
		rec     models.IdempotencyRecord
		created bool
	}
	scope := tenantID + "\x1f" + endpoint + "\x1f" + key
	v, err, _ := m.group.Do(scope, func() (any, error) {
		rec, found, err := m.store.GetIdempotency(ctx, tenantID, endpoint, key)
		if err != nil {
			return nil, fmt.Errorf("load idempotency record: %w", err)
		}
		if found {
			return outcome{rec: rec}, nil
		}
		resp, err := execute(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}
		stored, created, err := m.store.PutIdempotencyIfAbsent(ctx, models.IdempotencyRecord{
			TenantID:    tenantID,
			Endpoint:    endpoint,
			Key:         key,
			Fingerprint: fingerprint,
			Response:    raw,
			CreatedAt:   m.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("store idempotency record: %w", err)
		}
		return outcome{rec: stored, created: created}, nil
	})
	if err != nil {
		return Result{}, err
	}

	out := v.(outcome)
	if out.rec.Fingerprint != fingerprint {
		telemetry.IdempotencyConflicts.Inc()
		return Result{}, apperr.ErrIdempotencyConflict
	}
	replayed := !out.created
	if replayed {
		telemetry.IdempotentReplays.Inc()
	}
	return Result{Response: out.rec.Response, Replayed: replayed}, nil
}
