package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/models"
)

// RedisQueue keeps one pending ZSET (scored by visible_at ms) and one
// in-flight SET per tenant queue, plus a hash per message.
type RedisQueue struct {
	client    *redis.Client
	namespace string
	now       func() time.Time
}

var _ Backend = (*RedisQueue)(nil)

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, "bea")
}

// NewRedisQueueWithClient wraps an existing client. Tests pass a miniredis-backed client.
func NewRedisQueueWithClient(client *redis.Client, namespace string) *RedisQueue {
	if namespace == "" {
		namespace = "bea"
	}
	return &RedisQueue{client: client, namespace: namespace, now: func() time.Time { return time.Now().UTC() }}
}

func (q *RedisQueue) pendingKey(tenantID, queueName string) string {
	return fmt.Sprintf("%s:%s:queue:%s:pending", q.namespace, tenantID, queueName)
}

func (q *RedisQueue) inflightKey(tenantID, queueName string) string {
	return fmt.Sprintf("%s:%s:queue:%s:inflight", q.namespace, tenantID, queueName)
}

func (q *RedisQueue) msgKey(messageID string) string {
	return fmt.Sprintf("%s:msg:%s", q.namespace, messageID)
}

func (q *RedisQueue) tenantsKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:tenants", q.namespace, queueName)
}

// Enqueue stores the message hash and schedules it as visible now.
func (q *RedisQueue) Enqueue(ctx context.Context, tenantID, queueName string, payload map[string]any) (models.QueueMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("marshal queue payload: %w", err)
	}
	now := q.now()
	msg := models.QueueMessage{
		MessageID:  newMessageID(),
		TenantID:   tenantID,
		QueueName:  queueName,
		Payload:    payload,
		Attempt:    initialAttempt(payload),
		VisibleAt:  now,
		EnqueuedAt: now,
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(msg.MessageID),
		"tenant_id", tenantID,
		"queue_name", queueName,
		"payload", string(raw),
		"attempt", msg.Attempt,
		"visible_at", now.UnixMilli(),
		"enqueued_at", now.UnixMilli(),
		"status", "pending",
	)
	pipe.ZAdd(ctx, q.pendingKey(tenantID, queueName), redis.Z{Score: float64(now.UnixMilli()), Member: msg.MessageID})
	pipe.SAdd(ctx, q.tenantsKey(queueName), tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueMessage{}, fmt.Errorf("enqueue message: %w", err)
	}
	return msg, nil
}

// Dequeue claims the oldest visible message atomically.
func (q *RedisQueue) Dequeue(ctx context.Context, tenantID, queueName string) (models.QueueMessage, bool, error) {
	keys := []string{q.pendingKey(tenantID, queueName), q.inflightKey(tenantID, queueName)}
	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().UnixMilli(), q.namespace+":msg:").Result()
	if err == redis.Nil {
		return models.QueueMessage{}, false, nil
	}
	if err != nil {
		return models.QueueMessage{}, false, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.QueueMessage{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	msg, err := q.load(ctx, id)
	if err != nil {
		return models.QueueMessage{}, false, err
	}
	return msg, true, nil
}

func (q *RedisQueue) load(ctx context.Context, messageID string) (models.QueueMessage, error) {
	fields, err := q.client.HGetAll(ctx, q.msgKey(messageID)).Result()
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("load message: %w", err)
	}
	if len(fields) == 0 {
		return models.QueueMessage{}, ErrNotFound
	}
	msg := models.QueueMessage{
		MessageID: messageID,
		TenantID:  fields["tenant_id"],
		QueueName: fields["queue_name"],
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &msg.Payload); err != nil {
		return models.QueueMessage{}, fmt.Errorf("decode message payload: %w", err)
	}
	msg.Attempt, _ = strconv.Atoi(fields["attempt"])
	msg.VisibleAt = parseMillis(fields["visible_at"])
	msg.EnqueuedAt = parseMillis(fields["enqueued_at"])
	return msg, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func scriptStatus(res any) error {
	code, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected type from queue script: %T", res)
	}
	switch code {
	case 1:
		return nil
	case -1:
		return ErrTenantMismatch
	default:
		return ErrNotFound
	}
}

// Ack deletes an in-flight message owned by tenantID.
func (q *RedisQueue) Ack(ctx context.Context, tenantID, messageID string) error {
	res, err := ackScript.Run(ctx, q.client, []string{q.msgKey(messageID)}, tenantID, messageID, q.namespace).Result()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return scriptStatus(res)
}

// Nack drops or reschedules an in-flight message owned by tenantID.
func (q *RedisQueue) Nack(ctx context.Context, tenantID, messageID string, requeue bool, delay time.Duration) (models.QueueMessage, error) {
	visibleAt := q.now().Add(clampDelay(delay)).UnixMilli()
	flag := 0
	if requeue {
		flag = 1
	}
	res, err := nackScript.Run(ctx, q.client, []string{q.msgKey(messageID)}, tenantID, messageID, q.namespace, flag, visibleAt).Result()
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("nack: %w", err)
	}
	if err := scriptStatus(res); err != nil {
		return models.QueueMessage{}, err
	}
	msg, err := q.load(ctx, messageID)
	if err != nil {
		return models.QueueMessage{}, err
	}
	if !requeue {
		if err := q.client.Del(ctx, q.msgKey(messageID)).Err(); err != nil {
			return models.QueueMessage{}, fmt.Errorf("drop message: %w", err)
		}
	}
	return msg, nil
}

func (q *RedisQueue) PendingCount(ctx context.Context, tenantID, queueName string) (int, error) {
	n, err := q.client.ZCard(ctx, q.pendingKey(tenantID, queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) ListTenants(ctx context.Context, queueName string) ([]string, error) {
	tenants, err := q.client.SMembers(ctx, q.tenantsKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue tenants: %w", err)
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(tenants))
	for i, t := range tenants {
		cmds[i] = pipe.ZCard(ctx, q.pendingKey(t, queueName))
	}
	if len(tenants) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("count tenant queues: %w", err)
		}
	}
	out := make([]string, 0, len(tenants))
	for i, t := range tenants {
		if cmds[i].Val() > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Reset deletes every key under the namespace.
func (q *RedisQueue) Reset(ctx context.Context) error {
	iter := q.client.Scan(ctx, 0, q.namespace+":*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan queue keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return q.client.Del(ctx, keys...).Err()
}

func (q *RedisQueue) Close() error { return q.client.Close() }

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
redis.call('HSET', ARGV[2] .. id, 'status', 'inflight')
return id
`)

var ackScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'tenant_id', 'queue_name', 'status')
if not data[1] then
  return 0
end
if data[1] ~= ARGV[1] then
  return -1
end
if data[3] ~= 'inflight' then
  return 0
end
redis.call('SREM', ARGV[3] .. ':' .. data[1] .. ':queue:' .. data[2] .. ':inflight', ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

var nackScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'tenant_id', 'queue_name', 'status')
if not data[1] then
  return 0
end
if data[1] ~= ARGV[1] then
  return -1
end
if data[3] ~= 'inflight' then
  return 0
end
local prefix = ARGV[3] .. ':' .. data[1] .. ':queue:' .. data[2]
redis.call('SREM', prefix .. ':inflight', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'attempt', 1)
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'visible_at', ARGV[5])
  redis.call('ZADD', prefix .. ':pending', ARGV[5], ARGV[2])
else
  redis.call('HSET', KEYS[1], 'status', 'discarded')
end
return 1
`)
