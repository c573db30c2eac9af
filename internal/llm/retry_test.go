package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agerrors "agiraph/internal/errors"
)

func TestRetryOnTransientError(t *testing.T) {
	transient := agerrors.NewProviderError("anthropic", 429, errors.New("rate limited"))
	inner := NewScripted("m").Fail(transient).Respond("recovered")
	client := WithRetry(inner, time.Millisecond, nil)

	resp, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, inner.Calls())
}

func TestNoRetryOnPermanentError(t *testing.T) {
	permanent := agerrors.NewProviderError("anthropic", 401, errors.New("bad key"))
	inner := NewScripted("m").Fail(permanent).Respond("never reached")
	client := WithRetry(inner, time.Millisecond, nil)

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.Calls())
}

func TestSingleRetryOnly(t *testing.T) {
	transient := agerrors.NewProviderError("openai", 503, errors.New("upstream down"))
	inner := NewScripted("m").Fail(transient).Fail(transient).Respond("third time")
	client := WithRetry(inner, time.Millisecond, nil)

	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 2, inner.Calls())
}

func TestNoRetryOnCancellation(t *testing.T) {
	inner := NewScripted("m").Fail(agerrors.ErrCancelled)
	client := WithRetry(inner, time.Millisecond, nil)

	_, err := client.Complete(context.Background(), Request{})
	assert.True(t, agerrors.IsCancelled(err))
	assert.Equal(t, 1, inner.Calls())
}

func TestRetryAbortsWhenContextCancels(t *testing.T) {
	transient := agerrors.NewProviderError("anthropic", 500, errors.New("boom"))
	inner := NewScripted("m").Fail(transient).Respond("late")
	client := WithRetry(inner, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, Request{})
	assert.True(t, agerrors.IsCancelled(err))
	assert.Equal(t, 1, inner.Calls())
}
