package rerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NilErrReturnsNil(t *testing.T) {
	assert.Nil(t, New(KindFatal, "op", nil))
}

func TestClassify_RoundTrip(t *testing.T) {
	err := New(KindAlreadyLeased, "lease.Acquire", errors.New("boom"))
	assert.Equal(t, KindAlreadyLeased, Classify(err))
	assert.True(t, Is(err, KindAlreadyLeased))
	assert.False(t, Is(err, KindTransient))
}

func TestClassify_UnknownForForeignErrors(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify(errors.New("plain error")))
}

func TestClassify_SurvivesWrapping(t *testing.T) {
	inner := New(KindTTLExpired, "dispatch.validate", errors.New("expired"))
	wrapped := fmt.Errorf("handling intent: %w", inner)
	assert.Equal(t, KindTTLExpired, Classify(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.False(t, KindFatal.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestError_MessageIncludesOpWhenPresent(t *testing.T) {
	withOp := New(KindFatal, "worktree.Ensure", errors.New("denied"))
	assert.Contains(t, withOp.Error(), "worktree.Ensure")
	assert.Contains(t, withOp.Error(), "Fatal")

	noOp := Newf(KindFatal, "", "denied: %s", "reason")
	assert.NotContains(t, noOp.Error(), ": : ")
}
