package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finfeed/crawler-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want domain.ErrorKind
	}{
		{"rate limit 429", "HTTP 429 Too Many Requests", domain.KindRateLimit},
		{"rate limit quota", "daily quota exceeded", domain.KindRateLimit},
		{"timeout", "request/response timeout after 30s", domain.KindTimeout},
		{"network refused", "dial tcp: connection refused (ECONNREFUSED)", domain.KindNetwork},
		{"permanent 404", "HTTP 404 Not Found", domain.KindPermanent},
		{"permanent parse", "parse error: unexpected token", domain.KindPermanent},
		{"system 500", "HTTP 500 Internal Server Error", domain.KindSystem},
		{"default", "something weird happened", domain.KindTemporary},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.msg))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name    string
		kind    domain.ErrorKind
		attempt int
		want    bool
	}{
		{"permanent never retries", domain.KindPermanent, 1, false},
		{"permanent never retries late", domain.KindPermanent, 100, false},
		{"rate limit retries attempt 1", domain.KindRateLimit, 1, true},
		{"rate limit stops at attempt 2", domain.KindRateLimit, 2, false},
		{"system retries only before first attempt", domain.KindSystem, 0, true},
		{"system stops at attempt 1", domain.KindSystem, 1, false},
		{"temporary retries under max", domain.KindTemporary, 2, true},
		{"temporary stops at max", domain.KindTemporary, 3, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.ShouldRetry(tc.kind, tc.attempt))
		})
	}
}

func TestRetryDelayBounds(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	for attempt := 1; attempt <= 5; attempt++ {
		d := c.RetryDelay(domain.KindRateLimit, attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, c.cfg.MaxRetryDelay)
	}
}

func TestRetryDelayS2Scenario(t *testing.T) {
	// S2: rate-limit retry delay must fall within [22.5s, 37.5s] for attempt 1.
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d := c.RetryDelay(domain.KindRateLimit, 1)
		assert.GreaterOrEqual(t, d, 22500*time.Millisecond)
		assert.LessOrEqual(t, d, 37500*time.Millisecond)
	}
}

func TestHandleErrorActions(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("permanent skips", func(t *testing.T) {
		action := c.HandleError(ctx, "cfgA", errors.New("HTTP 404 Not Found"), 1)
		assert.Equal(t, domain.ActionSkip, action.Kind)
	})

	t.Run("system reduces concurrency once retries exhausted", func(t *testing.T) {
		action := c.HandleError(ctx, "cfgB", errors.New("HTTP 500 Internal Server Error"), 1)
		assert.Equal(t, domain.ActionReduceConcurrency, action.Kind)
	})

	t.Run("rate limit retries after delay", func(t *testing.T) {
		action := c.HandleError(ctx, "cfgC", errors.New("HTTP 429 Too Many Requests"), 1)
		assert.Equal(t, domain.ActionRetryAfterDelay, action.Kind)
		assert.Greater(t, action.Delay, time.Duration(0))
	})
}

func TestSummarize(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	c.HandleError(ctx, "a", errors.New("HTTP 404 Not Found"), 1)
	c.HandleError(ctx, "b", errors.New("HTTP 429 Too Many Requests"), 1)

	summary := c.Summarize()
	assert.Equal(t, 2, summary.Total)
	assert.Len(t, summary.Permanent, 1)
	assert.Len(t, summary.Retryable, 1)
	assert.Contains(t, summary.Report(), "errors: 2 total")
}

func TestRetryableWrapping(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := Transient(base)
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(base))
	assert.Equal(t, base.Error(), wrapped.Error())
}

func TestHandleErrorNeverRetriesPanicsOrCancellations(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("panic is skipped, not retried", func(t *testing.T) {
		action := c.HandleError(ctx, "cfgD", PanicError{Value: "nil pointer"}, 1)
		assert.Equal(t, domain.ActionSkip, action.Kind)
	})

	t.Run("job cancellation aborts", func(t *testing.T) {
		action := c.HandleError(ctx, "cfgE", JobCancelled{Reason: "shutdown"}, 1)
		assert.Equal(t, domain.ActionAbort, action.Kind)
	})
}

func TestPanicAndCancelledErrors(t *testing.T) {
	p := PanicError{Value: "boom", StackTrace: "stack"}
	assert.True(t, IsPanic(p))
	assert.Contains(t, p.Error(), "boom")

	jc := JobCancelled{Reason: "template gone"}
	assert.True(t, IsJobCancelled(jc))
	assert.Contains(t, jc.Error(), "template gone")
}
