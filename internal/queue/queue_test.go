package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkrunner/runner/internal/store/memstore"
)

func TestEnqueue_ReplacesNotAppends(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.New())

	require.NoError(t, b.Enqueue(ctx, "sess-1", "first follow-up", "claude", "", "exec-1"))
	require.NoError(t, b.Enqueue(ctx, "sess-1", "second follow-up", "claude", "", "exec-1"))

	status, err := b.Status(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "second follow-up", status.Message)
}

func TestConsume_ClearsTheSlot(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.New())
	require.NoError(t, b.Enqueue(ctx, "sess-1", "do more", "claude", "", "exec-1"))

	consumed, err := b.Consume(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.Equal(t, "do more", consumed.Message)

	status, err := b.Status(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestConsume_NothingQueuedReturnsNil(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.New())
	consumed, err := b.Consume(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Nil(t, consumed)
}

func TestDiscard_ClearsTheSlot(t *testing.T) {
	ctx := context.Background()
	b := New(memstore.New())
	require.NoError(t, b.Enqueue(ctx, "sess-1", "abandoned", "claude", "", "exec-1"))
	require.NoError(t, b.Discard(ctx, "sess-1"))

	status, err := b.Status(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, status)
}
