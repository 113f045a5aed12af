package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Base: time.Second, Max: 8 * time.Second}

	for n, want := range map[int]int64{1: 1000, 2: 2000, 3: 4000, 4: 8000, 5: 8000, 60: 8000} {
		got := p.BackoffMS("job_x", n)
		assert.GreaterOrEqual(t, got, want, "retry %d", n)
		assert.LessOrEqual(t, got, want+300, "retry %d", n)
	}
}

func TestBackoffJitterIsDeterministic(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.BackoffMS("job_abc", 2), p.BackoffMS("job_abc", 2))
	assert.Equal(t, p.BackoffMS("job_abc", 0), p.BackoffMS("job_abc", 1))
}

func TestClassifyUnknownIsTransient(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(CodeTextEncodingUnsupported).Class)
	assert.True(t, Classify(CodeParserFallbackExhausted).Retryable)
	c := Classify("SOMETHING_NEW")
	assert.Equal(t, ClassTransient, c.Class)
	assert.True(t, c.Retryable)
}
