package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/store"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) GetIdempotency(ctx context.Context, tenantID, endpoint, key string) (models.IdempotencyRecord, bool, error) {
	rec := models.IdempotencyRecord{TenantID: tenantID, Endpoint: endpoint, Key: key}
	var resp []byte
	err := s.pool.QueryRow(ctx, `
		SELECT fingerprint, response, created_at FROM idempotency_records
		WHERE tenant_id = $1 AND endpoint = $2 AND key = $3
	`, tenantID, endpoint, key).Scan(&rec.Fingerprint, &resp, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("query idempotency record: %w", err)
	}
	rec.Response = resp
	return rec, true, nil
}

func (s *Store) PutIdempotencyIfAbsent(ctx context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, endpoint, key, fingerprint, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, endpoint, key) DO NOTHING
	`, rec.TenantID, rec.Endpoint, rec.Key, rec.Fingerprint, []byte(rec.Response), rec.CreatedAt)
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, found, err := s.GetIdempotency(ctx, rec.TenantID, rec.Endpoint, rec.Key)
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	if !found {
		return models.IdempotencyRecord{}, false, errors.New("idempotency conflict but no existing record found")
	}
	return existing, false, nil
}

// CreateJob inserts the job row and its outbox events in a single transaction.
func (s *Store) CreateJob(ctx context.Context, job models.Job, events ...models.OutboxEvent) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	lastErr, err := marshalNullable(job.LastError)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (job_id, job_type, tenant_id, status, retry_count, thread_id, trace_id,
			resource_type, resource_id, payload, last_error, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.Type, job.TenantID, string(job.Status), job.RetryCount, job.ThreadID, job.TraceID,
		job.Resource.Type, job.Resource.ID, payload, lastErr, job.NextRetryAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, ev := range events {
		if err := insertOutbox(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const jobColumns = `job_id, job_type, tenant_id, status, retry_count, thread_id, trace_id,
	resource_type, resource_id, payload, last_error, next_retry_at, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var payload, lastErr []byte
	if err := row.Scan(&job.ID, &job.Type, &job.TenantID, &status, &job.RetryCount, &job.ThreadID, &job.TraceID,
		&job.Resource.Type, &job.Resource.ID, &payload, &lastErr, &job.NextRetryAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(lastErr) > 0 {
		job.LastError = &models.JobError{}
		if err := json.Unmarshal(lastErr, job.LastError); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		return models.Job{}, notFound(err)
	}
	return job, nil
}

// UpdateJob is a compare-and-set on status so concurrent transitions cannot both win.
func (s *Store) UpdateJob(ctx context.Context, job models.Job, from models.JobStatus) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	lastErr, err := marshalNullable(job.LastError)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, thread_id = $4, payload = $5, last_error = $6,
			next_retry_at = $7, updated_at = $8
		WHERE job_id = $1 AND status = $9
	`, job.ID, string(job.Status), job.RetryCount, job.ThreadID, payload, lastErr, job.NextRetryAt, job.UpdatedAt, string(from))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, job.ID); err != nil {
			return err
		}
		return store.ErrStaleStatus
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2)
			AND ($3 = '' OR job_type = $3) AND ($4 = '' OR thread_id = $4)
		ORDER BY created_at, job_id LIMIT $5
	`, f.TenantID, string(f.Status), f.Type, f.ThreadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) AppendCheckpoint(ctx context.Context, cp models.WorkflowCheckpoint) (models.WorkflowCheckpoint, error) {
	payload, err := marshalNullable(cp.Payload)
	if err != nil {
		return models.WorkflowCheckpoint{}, err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflow_checkpoints (checkpoint_id, thread_id, job_id, tenant_id, node, status, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`, cp.CheckpointID, cp.ThreadID, cp.JobID, cp.TenantID, cp.Node, cp.Status, payload, cp.OccurredAt).Scan(&cp.Seq)
	if err != nil {
		return models.WorkflowCheckpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, tenantID, threadID string) ([]models.WorkflowCheckpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, checkpoint_id, thread_id, job_id, tenant_id, node, status, payload, occurred_at
		FROM workflow_checkpoints WHERE tenant_id = $1 AND thread_id = $2 ORDER BY seq
	`, tenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	out := make([]models.WorkflowCheckpoint, 0)
	for rows.Next() {
		var cp models.WorkflowCheckpoint
		var payload []byte
		if err := rows.Scan(&cp.Seq, &cp.CheckpointID, &cp.ThreadID, &cp.JobID, &cp.TenantID, &cp.Node, &cp.Status, &payload, &cp.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := unmarshalNullable(payload, &cp.Payload); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *Store) PutResumeToken(ctx context.Context, tok models.ResumeToken) (models.ResumeToken, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resume_tokens (evaluation_id, token, tenant_id, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (evaluation_id) DO NOTHING
	`, tok.EvaluationID, tok.Token, tok.TenantID, tok.IssuedAt, tok.ExpiresAt)
	if err != nil {
		return models.ResumeToken{}, fmt.Errorf("insert resume token: %w", err)
	}
	return s.GetResumeToken(ctx, tok.EvaluationID)
}

func (s *Store) GetResumeToken(ctx context.Context, evaluationID string) (models.ResumeToken, error) {
	var tok models.ResumeToken
	err := s.pool.QueryRow(ctx, `
		SELECT evaluation_id, token, tenant_id, issued_at, expires_at, consumed, consumed_at
		FROM resume_tokens WHERE evaluation_id = $1
	`, evaluationID).Scan(&tok.EvaluationID, &tok.Token, &tok.TenantID, &tok.IssuedAt, &tok.ExpiresAt, &tok.Consumed, &tok.ConsumedAt)
	if err != nil {
		return models.ResumeToken{}, notFound(err)
	}
	return tok, nil
}

// ConsumeResumeToken relies on the row-level UPDATE predicate so only one caller flips consumed.
func (s *Store) ConsumeResumeToken(ctx context.Context, tenantID, evaluationID, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resume_tokens SET consumed = TRUE, consumed_at = $4
		WHERE evaluation_id = $1 AND token = $2 AND tenant_id = $3 AND consumed = FALSE AND expires_at >= $4
	`, evaluationID, token, tenantID, now)
	if err != nil {
		return false, fmt.Errorf("consume resume token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RestoreResumeToken(ctx context.Context, tenantID, evaluationID, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE resume_tokens SET consumed = FALSE, consumed_at = NULL
		WHERE evaluation_id = $1 AND token = $2 AND tenant_id = $3
	`, evaluationID, token, tenantID)
	if err != nil {
		return fmt.Errorf("restore resume token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PutReport(ctx context.Context, report models.EvaluationReport) error {
	return s.putDocument(ctx, `
		INSERT INTO evaluation_reports (evaluation_id, tenant_id, data, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (evaluation_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, report, report.EvaluationID, report.TenantID)
}

func (s *Store) GetReport(ctx context.Context, evaluationID string) (models.EvaluationReport, error) {
	var r models.EvaluationReport
	err := s.getDocument(ctx, `SELECT data FROM evaluation_reports WHERE evaluation_id = $1`, &r, evaluationID)
	return r, err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (tenant_id, event_id, event_type, aggregate_type, aggregate_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
	`, ev.TenantID, ev.EventID, ev.EventType, ev.AggregateType, ev.AggregateID, payload, ev.Status, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (s *Store) AppendOutboxEvent(ctx context.Context, ev models.OutboxEvent) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertOutbox(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const outboxColumns = `tenant_id, event_id, event_type, aggregate_type, aggregate_id, payload, status, created_at, published_at`

func scanOutbox(row pgx.Row) (models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var payload []byte
	if err := row.Scan(&ev.TenantID, &ev.EventID, &ev.EventType, &ev.AggregateType, &ev.AggregateID, &payload, &ev.Status, &ev.CreatedAt, &ev.PublishedAt); err != nil {
		return models.OutboxEvent{}, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return models.OutboxEvent{}, fmt.Errorf("unmarshal outbox payload: %w", err)
	}
	return ev, nil
}

func (s *Store) GetOutboxEvent(ctx context.Context, tenantID, eventID string) (models.OutboxEvent, error) {
	ev, err := scanOutbox(s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE tenant_id = $1 AND event_id = $2`, tenantID, eventID))
	if err != nil {
		return models.OutboxEvent{}, notFound(err)
	}
	return ev, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, tenantID, status string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox_events
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY seq LIMIT $3
	`, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()
	out := make([]models.OutboxEvent, 0)
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PendingOutboxTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM outbox_events WHERE status = $1 ORDER BY tenant_id`, models.OutboxPending)
	if err != nil {
		return nil, fmt.Errorf("list outbox tenants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) MarkOutboxPublished(ctx context.Context, tenantID, eventID string, at time.Time) (models.OutboxEvent, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET status = $3, published_at = $4
		WHERE tenant_id = $1 AND event_id = $2 AND status <> $3
	`, tenantID, eventID, models.OutboxPublished, at)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("mark outbox published: %w", err)
	}
	return s.GetOutboxEvent(ctx, tenantID, eventID)
}

func (s *Store) GetDelivery(ctx context.Context, tenantID, eventID, consumer string) (models.OutboxDelivery, bool, error) {
	d := models.OutboxDelivery{TenantID: tenantID, EventID: eventID, ConsumerName: consumer}
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, created_at FROM outbox_deliveries
		WHERE tenant_id = $1 AND event_id = $2 AND consumer_name = $3
	`, tenantID, eventID, consumer).Scan(&d.MessageID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxDelivery{}, false, nil
	}
	if err != nil {
		return models.OutboxDelivery{}, false, fmt.Errorf("query outbox delivery: %w", err)
	}
	return d, true, nil
}

func (s *Store) PutDelivery(ctx context.Context, d models.OutboxDelivery) (models.OutboxDelivery, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_deliveries (tenant_id, event_id, consumer_name, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, event_id, consumer_name) DO NOTHING
	`, d.TenantID, d.EventID, d.ConsumerName, d.MessageID, d.CreatedAt)
	if err != nil {
		return models.OutboxDelivery{}, false, fmt.Errorf("insert outbox delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return d, true, nil
	}
	existing, _, err := s.GetDelivery(ctx, d.TenantID, d.EventID, d.ConsumerName)
	return existing, false, err
}

// LockOutboxTenant holds a session advisory lock on a dedicated connection
// until the returned func runs.
func (s *Store) LockOutboxTenant(ctx context.Context, tenantID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	key := "outbox:" + tenantID
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("outbox advisory lock: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// the session still holds the lock; drop it rather than pool it
			slog.Warn("outbox advisory unlock failed", "tenant_id", tenantID, "err", err)
			_ = conn.Hijack().Close(ctx)
			return
		}
		conn.Release()
	}, nil
}

func (s *Store) CreateDLQItem(ctx context.Context, item models.DLQItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dlq_items (dlq_id, job_id, tenant_id, error_class, error_code, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.DLQID, item.JobID, item.TenantID, item.ErrorClass, item.ErrorCode, item.Reason, item.Status, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dlq item: %w", err)
	}
	return nil
}

const dlqColumns = `dlq_id, job_id, tenant_id, error_class, error_code, reason, status, created_at, updated_at`

func scanDLQ(row pgx.Row) (models.DLQItem, error) {
	var item models.DLQItem
	err := row.Scan(&item.DLQID, &item.JobID, &item.TenantID, &item.ErrorClass, &item.ErrorCode, &item.Reason, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *Store) GetDLQItem(ctx context.Context, dlqID string) (models.DLQItem, error) {
	item, err := scanDLQ(s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq_items WHERE dlq_id = $1`, dlqID))
	if err != nil {
		return models.DLQItem{}, notFound(err)
	}
	return item, nil
}

func (s *Store) UpdateDLQItem(ctx context.Context, item models.DLQItem, from string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dlq_items SET status = $2, reason = $3, updated_at = $4 WHERE dlq_id = $1 AND status = $5
	`, item.DLQID, item.Status, item.Reason, item.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("update dlq item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDLQItem(ctx, item.DLQID); err != nil {
			return err
		}
		return store.ErrStaleStatus
	}
	return nil
}

func (s *Store) ListDLQItems(ctx context.Context, tenantID, status string) ([]models.DLQItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM dlq_items
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY seq
	`, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	defer rows.Close()
	out := make([]models.DLQItem, 0)
	for rows.Next() {
		item, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AppendAudit locks the tenant's chain head row so concurrent appends serialize.
func (s *Store) AppendAudit(ctx context.Context, tenantID string, build store.AuditBuilder) (models.AuditEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_chain_heads (tenant_id, last_seq, last_hash) VALUES ($1, 0, '')
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID); err != nil {
		return models.AuditEntry{}, fmt.Errorf("init audit chain head: %w", err)
	}
	var lastSeq int64
	var lastHash string
	if err := tx.QueryRow(ctx, `
		SELECT last_seq, last_hash FROM audit_chain_heads WHERE tenant_id = $1 FOR UPDATE
	`, tenantID).Scan(&lastSeq, &lastHash); err != nil {
		return models.AuditEntry{}, fmt.Errorf("lock audit chain head: %w", err)
	}

	entry, err := build(lastHash)
	if err != nil {
		return models.AuditEntry{}, err
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	seq := lastSeq + 1
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (tenant_id, seq, audit_id, action, trace_id, occurred_at, payload, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tenantID, seq, entry.AuditID, entry.Action, entry.TraceID, entry.OccurredAt, payload, entry.PrevHash, entry.EntryHash); err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE audit_chain_heads SET last_seq = $2, last_hash = $3 WHERE tenant_id = $1
	`, tenantID, seq, entry.EntryHash); err != nil {
		return models.AuditEntry{}, fmt.Errorf("advance audit chain head: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AuditEntry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, tenantID string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, tenant_id, action, trace_id, occurred_at, payload, prev_hash, entry_hash
		FROM audit_logs WHERE tenant_id = $1 ORDER BY seq
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		var e models.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.AuditID, &e.TenantID, &e.Action, &e.TraceID, &e.OccurredAt, &payload, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateLegalHold(ctx context.Context, h models.LegalHold) error {
	releasedBy, err := marshalNullable(h.ReleasedBy)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO legal_holds (hold_id, tenant_id, object_type, object_id, storage_uri, reason, imposed_by, status, released_by, released_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.HoldID, h.TenantID, h.ObjectType, h.ObjectID, h.StorageURI, h.Reason, h.ImposedBy, h.Status, releasedBy, h.ReleasedAt, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert legal hold: %w", err)
	}
	return nil
}

const holdColumns = `hold_id, tenant_id, object_type, object_id, storage_uri, reason, imposed_by, status, released_by, released_at, created_at`

func scanHold(row pgx.Row) (models.LegalHold, error) {
	var h models.LegalHold
	var releasedBy []byte
	if err := row.Scan(&h.HoldID, &h.TenantID, &h.ObjectType, &h.ObjectID, &h.StorageURI, &h.Reason, &h.ImposedBy, &h.Status, &releasedBy, &h.ReleasedAt, &h.CreatedAt); err != nil {
		return models.LegalHold{}, err
	}
	if err := unmarshalNullable(releasedBy, &h.ReleasedBy); err != nil {
		return models.LegalHold{}, err
	}
	return h, nil
}

func (s *Store) GetLegalHold(ctx context.Context, holdID string) (models.LegalHold, error) {
	h, err := scanHold(s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM legal_holds WHERE hold_id = $1`, holdID))
	if err != nil {
		return models.LegalHold{}, notFound(err)
	}
	return h, nil
}

func (s *Store) UpdateLegalHold(ctx context.Context, h models.LegalHold, from string) error {
	releasedBy, err := marshalNullable(h.ReleasedBy)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE legal_holds SET status = $2, released_by = $3, released_at = $4 WHERE hold_id = $1 AND status = $5
	`, h.HoldID, h.Status, releasedBy, h.ReleasedAt, from)
	if err != nil {
		return fmt.Errorf("update legal hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetLegalHold(ctx, h.HoldID); err != nil {
			return err
		}
		return store.ErrStaleStatus
	}
	return nil
}

func (s *Store) ListLegalHolds(ctx context.Context, tenantID, status string) ([]models.LegalHold, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2) ORDER BY seq
	`, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list legal holds: %w", err)
	}
	defer rows.Close()
	out := make([]models.LegalHold, 0)
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan legal hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) FindActiveLegalHold(ctx context.Context, tenantID, objectType, objectID string) (models.LegalHold, bool, error) {
	h, err := scanHold(s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE tenant_id = $1 AND object_type = $2 AND object_id = $3 AND status = $4 ORDER BY seq LIMIT 1
	`, tenantID, objectType, objectID, models.HoldActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LegalHold{}, false, nil
	}
	if err != nil {
		return models.LegalHold{}, false, fmt.Errorf("query legal hold: %w", err)
	}
	return h, true, nil
}

func (s *Store) PutAssessment(ctx context.Context, a models.ReleaseReadinessAssessment) error {
	return s.putDocument(ctx, `
		INSERT INTO release_assessments (assessment_id, release_id, tenant_id, data) VALUES ($1, $4, $2, $3)
	`, a, a.AssessmentID, a.TenantID, a.ReleaseID)
}

func (s *Store) GetAssessment(ctx context.Context, assessmentID string) (models.ReleaseReadinessAssessment, error) {
	var a models.ReleaseReadinessAssessment
	err := s.getDocument(ctx, `SELECT data FROM release_assessments WHERE assessment_id = $1`, &a, assessmentID)
	return a, err
}

func (s *Store) PutRolloutPolicy(ctx context.Context, p models.RolloutPolicy) error {
	return s.putDocument(ctx, `
		INSERT INTO rollout_policies (release_id, tenant_id, data, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (release_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, data = EXCLUDED.data, updated_at = NOW()
	`, p, p.ReleaseID, p.TenantID)
}

func (s *Store) GetRolloutPolicy(ctx context.Context, releaseID string) (models.RolloutPolicy, error) {
	var p models.RolloutPolicy
	err := s.getDocument(ctx, `SELECT data FROM rollout_policies WHERE release_id = $1`, &p, releaseID)
	return p, err
}

func (s *Store) PutReplayRun(ctx context.Context, r models.ReplayRun) error {
	return s.putDocument(ctx, `
		INSERT INTO replay_runs (replay_run_id, release_id, tenant_id, data) VALUES ($1, $4, $2, $3)
	`, r, r.ReplayRunID, r.TenantID, r.ReleaseID)
}

// putDocument stores doc as jsonb. The query receives id, tenant, data and then extra args.
func (s *Store) putDocument(ctx context.Context, query string, doc any, id, tenantID string, extra ...any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	args := append([]any{id, tenantID, data}, extra...)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store document %s: %w", id, err)
	}
	return nil
}

func (s *Store) getDocument(ctx context.Context, query string, dst any, id string) error {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&data); err != nil {
		return notFound(err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal document %s: %w", id, err)
	}
	return nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *models.JobError:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

func unmarshalNullable(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}
