package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
	assert.NotNil(t, GetStack(wrapped))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("write failed"), "key: queue_lock:content_generation")
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "key: queue_lock:content_generation", details[0])
}

func TestSentinels(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("schedule %s", "abc")))
	assert.True(t, IsInvalidRequestError(NewInvalidRequestError("bad kind %q", "weird")))
	assert.False(t, IsNotFoundError(nil))
	assert.True(t, Is(Wrap(ErrQueueTimeout, "job-1"), ErrQueueTimeout))
}

func TestRateLimitedError(t *testing.T) {
	t.Run("clamps retry after to minimum", func(t *testing.T) {
		rl := NewRateLimited(0, "")
		assert.Equal(t, MinRetryAfter, rl.RetryAfter)
		assert.Equal(t, "rate limited, retry after 1s", rl.Error())
	})

	t.Run("found through wrapping", func(t *testing.T) {
		err := Wrap(NewRateLimited(120*time.Second, "429 from upstream"), "content stage")
		rl, ok := AsRateLimited(err)
		require.True(t, ok)
		assert.Equal(t, 120*time.Second, rl.RetryAfter)
		assert.Equal(t, "429 from upstream", rl.Reason)
	})

	t.Run("plain errors are not rate limits", func(t *testing.T) {
		_, ok := AsRateLimited(fmt.Errorf("boom"))
		assert.False(t, ok)
		_, ok = AsRateLimited(nil)
		assert.False(t, ok)
	})
}

func TestStageFailure(t *testing.T) {
	err := Wrap(&StageFailure{Stage: "content", Err: ErrEmptyOutput}, "generate")

	sf, ok := AsStageFailure(err)
	require.True(t, ok)
	assert.Equal(t, "content", sf.Stage)
	assert.True(t, Is(err, ErrEmptyOutput))
	assert.Contains(t, err.Error(), "stage content failed: empty output")
}
