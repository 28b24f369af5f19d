package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/scriptbox/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (c *collector) handle(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// --- LocalQueue ---

func TestLocal_DeliversEveryJob(t *testing.T) {
	c := &collector{}
	q := NewLocal(config.QueueConfig{Workers: 3}, c.handle, quietLogger())
	stop := q.Start(context.Background())

	for range 20 {
		require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	}
	require.Eventually(t, func() bool { return c.count() == 20 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestLocal_StopDrainsBuffered(t *testing.T) {
	c := &collector{}
	q := NewLocal(config.QueueConfig{Workers: 1, BufferSize: 10}, c.handle, quietLogger())
	for range 5 {
		require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	}

	stop := q.Start(context.Background())
	stop()
	assert.Equal(t, 5, c.count())
}

func TestLocal_FullQueue(t *testing.T) {
	q := NewLocal(config.QueueConfig{BufferSize: 1}, (&collector{}).handle, quietLogger())
	q.enqueueTimeout = 10 * time.Millisecond

	require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), uuid.New()), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestLocal_EnqueueAfterStop(t *testing.T) {
	q := NewLocal(config.QueueConfig{}, (&collector{}).handle, quietLogger())
	stop := q.Start(context.Background())
	stop()
	stop()
	assert.ErrorIs(t, q.Enqueue(context.Background(), uuid.New()), ErrClosed)
}

func TestLocal_HandlerErrorsAndPanicsDoNotStopWorkers(t *testing.T) {
	c := &collector{}
	var calls int
	var mu sync.Mutex
	h := func(ctx context.Context, id uuid.UUID) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("boom")
		}
		return c.handle(ctx, id)
	}
	q := NewLocal(config.QueueConfig{Workers: 1}, h, quietLogger())
	stop := q.Start(context.Background())
	for range 3 {
		require.NoError(t, q.Enqueue(context.Background(), uuid.New()))
	}
	stop()
	assert.Equal(t, 1, c.count())
}

// --- RedisQueue ---

func TestRedis_RequiresAddr(t *testing.T) {
	_, err := NewRedis(&config.RedisConfig{}, 1, nil, nil)
	assert.Error(t, err)
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c := &collector{}
	key := "scriptbox:test:" + uuid.NewString()
	q, err := NewRedis(&config.RedisConfig{Addr: addr, Key: key}, 2, c.handle, quietLogger())
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Ping(ctx))

	want := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range want {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	stop := q.Start(ctx)
	require.Eventually(t, func() bool { return c.count() == len(want) }, 10*time.Second, 20*time.Millisecond)
	stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.ElementsMatch(t, want, c.ids)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
