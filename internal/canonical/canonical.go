// Package canonical produces deterministic JSON used for request fingerprints
// and audit hash chains.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes keep hashes from different purposes apart.
const (
	DomainFingerprint = "bideval/fingerprint/v1"
	DomainAudit       = "bideval/audit/v1"
)

// Marshal encodes v with sorted object keys, NFC-normalized strings and no
// HTML escaping. Numbers keep their decimal text so 1.0 and 1 hash differently
// only when the caller sent them differently.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}

	var buf bytes.Buffer
	if err := write(&buf, normalize(generic)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return val
	}
}

// write relies on encoding/json sorting map keys.
func write(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode canonical: %w", err)
	}
	// json.Encoder appends a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}

// HashWithDomain returns hex(sha256(domain || 0x00 || data)).
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the request fingerprint of payload.
func Fingerprint(payload any) (string, error) {
	data, err := Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	return HashWithDomain(DomainFingerprint, data), nil
}
