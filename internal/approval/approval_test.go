package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vkrunner/runner/internal/store"
	"github.com/vkrunner/runner/internal/store/memstore"
)

func newTestBroker() *Broker {
	return New(memstore.New(), zap.NewNop().Sugar())
}

func TestRequestAndRespond(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker()

	ap, err := b.Request(ctx, "ws-1", "sess-1", "exec-1", "merge_to_main", "merge now?", nil)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, ap.Status)

	require.NoError(t, b.Respond(ctx, ap.ID, store.ApprovalApproved, "operator-1"))
	require.Error(t, b.Respond(ctx, ap.ID, store.ApprovalApproved, "operator-1"), "responding twice should conflict")
}

func TestRunReaper_FiresOnExpiredHookOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newTestBroker()
	past := time.Now().Add(-time.Minute)
	ap, err := b.Request(ctx, "ws-1", "sess-1", "exec-1", "merge_to_main", "merge now?", &past)
	require.NoError(t, err)

	hookCh := make(chan []store.Approval, 1)
	b.OnExpired(func(_ context.Context, expired []store.Approval) {
		hookCh <- expired
	})

	go b.RunReaper(ctx, 5*time.Millisecond)

	select {
	case expired := <-hookCh:
		require.Len(t, expired, 1)
		assert.Equal(t, ap.ID, expired[0].ID)
		assert.Equal(t, store.ApprovalExpired, expired[0].Status)
	case <-time.After(time.Second):
		t.Fatal("expired hook was never called")
	}
}

func TestRunReaper_NoHookWhenNothingExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBroker()

	called := make(chan struct{}, 1)
	b.OnExpired(func(_ context.Context, _ []store.Approval) { called <- struct{}{} })

	done := make(chan struct{})
	go func() {
		b.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-called:
		t.Fatal("onExpired should not fire when nothing is pending")
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	<-done
}
