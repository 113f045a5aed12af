package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bid-evaluation-service/internal/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite persists queue state to a local file so messages survive restarts.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Enqueue(ctx context.Context, tenantID, queueName string, payload map[string]any) (models.QueueMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("marshal queue payload: %w", err)
	}
	now := s.now()
	msg := models.QueueMessage{
		MessageID:  newMessageID(),
		TenantID:   tenantID,
		QueueName:  queueName,
		Payload:    payload,
		Attempt:    initialAttempt(payload),
		VisibleAt:  now,
		EnqueuedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (message_id, tenant_id, queue_name, payload, attempt, visible_at_ms, enqueued_at_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
		msg.MessageID, tenantID, queueName, string(raw), msg.Attempt, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("insert queue message: %w", err)
	}
	return msg, nil
}

const selectMessage = `SELECT message_id, tenant_id, queue_name, payload, attempt, visible_at_ms, enqueued_at_ms, status FROM queue_messages`

func scanMessage(row interface{ Scan(...any) error }) (models.QueueMessage, string, error) {
	var (
		msg                 models.QueueMessage
		raw, status         string
		visibleMS, enqueued int64
	)
	if err := row.Scan(&msg.MessageID, &msg.TenantID, &msg.QueueName, &raw, &msg.Attempt, &visibleMS, &enqueued, &status); err != nil {
		return models.QueueMessage{}, "", err
	}
	if err := json.Unmarshal([]byte(raw), &msg.Payload); err != nil {
		return models.QueueMessage{}, "", fmt.Errorf("decode message payload: %w", err)
	}
	msg.VisibleAt = time.UnixMilli(visibleMS).UTC()
	msg.EnqueuedAt = time.UnixMilli(enqueued).UTC()
	return msg, status, nil
}

func (s *SQLite) Dequeue(ctx context.Context, tenantID, queueName string) (models.QueueMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectMessage+`
		WHERE tenant_id = ? AND queue_name = ? AND status = 'pending' AND visible_at_ms <= ?
		ORDER BY visible_at_ms, seq LIMIT 1`, tenantID, queueName, s.now().UnixMilli())
	msg, _, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueMessage{}, false, nil
	}
	if err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("select visible message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_messages SET status = 'inflight' WHERE message_id = ?`, msg.MessageID); err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("commit dequeue: %w", err)
	}
	return msg, true, nil
}

// inflight loads a message and checks ownership. Callers hold s.mu.
func (s *SQLite) inflight(ctx context.Context, tenantID, messageID string) (models.QueueMessage, error) {
	msg, status, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+` WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueMessage{}, ErrNotFound
	}
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("load message: %w", err)
	}
	if msg.TenantID != tenantID {
		return models.QueueMessage{}, ErrTenantMismatch
	}
	if status != "inflight" {
		return models.QueueMessage{}, ErrNotFound
	}
	return msg, nil
}

func (s *SQLite) Ack(ctx context.Context, tenantID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.inflight(ctx, tenantID, messageID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *SQLite) Nack(ctx context.Context, tenantID, messageID string, requeue bool, delay time.Duration) (models.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.inflight(ctx, tenantID, messageID)
	if err != nil {
		return models.QueueMessage{}, err
	}
	msg.Attempt++
	if !requeue {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE message_id = ?`, messageID); err != nil {
			return models.QueueMessage{}, fmt.Errorf("drop message: %w", err)
		}
		return msg, nil
	}
	msg.VisibleAt = s.now().Add(clampDelay(delay))
	_, err = s.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'pending', attempt = ?, visible_at_ms = ? WHERE message_id = ?`,
		msg.Attempt, msg.VisibleAt.UnixMilli(), messageID)
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("requeue message: %w", err)
	}
	return msg, nil
}

func (s *SQLite) PendingCount(ctx context.Context, tenantID, queueName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE tenant_id = ? AND queue_name = ? AND status = 'pending'`,
		tenantID, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (s *SQLite) ListTenants(ctx context.Context, queueName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM queue_messages WHERE queue_name = ? AND status = 'pending' ORDER BY tenant_id`, queueName)
	if err != nil {
		return nil, fmt.Errorf("list queue tenants: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages`)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
