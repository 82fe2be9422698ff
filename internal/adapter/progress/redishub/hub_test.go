package redishub

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumagallery/luma/internal/domain"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb)
}

func recvEvent(t *testing.T, ch <-chan domain.ProgressEvent) domain.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress event")
		return domain.ProgressEvent{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, 7)
	require.NoError(t, err)
	defer cancel()

	pct := 50.0
	require.NoError(t, h.Publish(ctx, domain.ProgressEvent{
		JobID: 7, Seq: 1, State: domain.JobRunning, Percent: &pct, Timestamp: time.Now().UTC(),
	}))

	ev := recvEvent(t, ch)
	assert.Equal(t, int64(7), ev.JobID)
	assert.Equal(t, domain.JobRunning, ev.State)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 50.0, *ev.Percent)
}

func TestChannelClosesOnTerminalEvent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, 8)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, domain.ProgressEvent{JobID: 8, Seq: 1, State: domain.JobRunning, Timestamp: time.Now().UTC()}))
	require.NoError(t, h.Publish(ctx, domain.ProgressEvent{JobID: 8, Seq: 2, State: domain.JobCompleted, Timestamp: time.Now().UTC()}))

	first := recvEvent(t, ch)
	assert.Equal(t, domain.JobRunning, first.State)
	second := recvEvent(t, ch)
	assert.Equal(t, domain.JobCompleted, second.State)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after terminal event")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestLateSubscriberGetsCachedTerminalEvent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, domain.ProgressEvent{JobID: 9, Seq: 5, State: domain.JobFailed, Timestamp: time.Now().UTC()}))

	ch, cancel, err := h.Subscribe(ctx, 9)
	require.NoError(t, err)
	defer cancel()

	ev := recvEvent(t, ch)
	assert.Equal(t, domain.JobFailed, ev.State)
	assert.Equal(t, int64(5), ev.Seq)

	_, ok := <-ch
	assert.False(t, ok, "late subscriber channel should close after the terminal event")
}

func TestSubscriberOrderingPreserved(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, 10)
	require.NoError(t, err)
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		state := domain.JobRunning
		if i == 5 {
			state = domain.JobCompleted
		}
		require.NoError(t, h.Publish(ctx, domain.ProgressEvent{JobID: 10, Seq: i, State: state, Timestamp: time.Now().UTC()}))
	}
	for i := int64(1); i <= 5; i++ {
		ev := recvEvent(t, ch)
		assert.Equal(t, i, ev.Seq)
	}
}

func TestCancelFlag(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	got, err := h.CancelRequested(ctx, 11)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, h.RequestCancel(ctx, 11))

	got, err = h.CancelRequested(ctx, 11)
	require.NoError(t, err)
	assert.True(t, got)

	// Raising the flag twice is harmless.
	require.NoError(t, h.RequestCancel(ctx, 11))
}

func TestCancelFuncIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	_, cancel, err := h.Subscribe(context.Background(), 12)
	require.NoError(t, err)
	cancel()
	cancel()
}
