package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceive(t *testing.T) {
	q := newQueue[int](2)
	require.NoError(t, q.Send(context.Background(), 1))
	require.True(t, q.TrySend(2))
	assert.Equal(t, 2, q.Len())
	assert.False(t, q.TrySend(3), "full queue")

	assert.Equal(t, 1, <-q.Receive())
	assert.Equal(t, 2, <-q.Receive())
	assert.Equal(t, 0, q.Len())
}

func TestSendHonoursContext(t *testing.T) {
	q := newQueue[int](0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Send(ctx, 1), context.DeadlineExceeded)
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	q := newQueue[int](0)
	errCh := make(chan error, 1)
	go func() { errCh <- q.Send(context.Background(), 1) }()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after Close")
	}

	_, open := <-q.Done()
	assert.False(t, open)
	assert.False(t, q.TrySend(2))
}

func TestClosedQueueKeepsItems(t *testing.T) {
	q := newQueue[string](4)
	require.NoError(t, q.Send(context.Background(), "a"))
	q.Close()
	assert.Equal(t, "a", <-q.Receive())
}
