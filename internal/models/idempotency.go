package models

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord stores the first response produced for a key.
type IdempotencyRecord struct {
	TenantID    string          `json:"tenant_id"`
	Endpoint    string          `json:"endpoint"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"request_fingerprint"`
	Response    json.RawMessage `json:"stored_response"`
	CreatedAt   time.Time       `json:"created_at"`
}
