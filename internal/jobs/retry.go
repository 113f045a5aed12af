package jobs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds transient retries and spaces them with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy matches the worker defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Second, Max: 30 * time.Second}
}

// BackoffMS returns min(max, base*2^(n-1)) plus a jitter derived from the
// job id so that a given attempt always waits the same amount.
func (p RetryPolicy) BackoffMS(jobID string, retryCount int) int64 {
	if retryCount < 1 {
		retryCount = 1
	}
	base := p.Base.Milliseconds()
	if base < 0 {
		base = 0
	}
	max := p.Max.Milliseconds()
	if max < base {
		max = base
	}
	wait := max
	// Past 2^40 the product is far beyond any sane max.
	if retryCount-1 < 40 {
		if exp := base << uint(retryCount-1); exp < max {
			wait = exp
		}
	}
	return wait + jitterMS(jobID, retryCount)
}

func jitterMS(jobID string, retryCount int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", jobID, retryCount)))
	return int64(binary.BigEndian.Uint16(sum[:2]) % 301)
}
