package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInbox_SendReceive(t *testing.T) {
	ib := New[int](2, time.Second, zap.NewNop())
	ctx := context.Background()

	require.True(t, ib.Send(ctx, 1))
	require.True(t, ib.Send(ctx, 2))
	assert.Equal(t, 2, ib.Len())

	v, ok := ib.Receive()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = ib.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = ib.TryReceive()
	assert.False(t, ok)

	stats := ib.GetStats()
	assert.Equal(t, int64(2), stats.TotalSent)
	assert.Equal(t, int64(2), stats.TotalReceived)
	assert.Equal(t, 2, stats.MaxDepthSeen)
	assert.Equal(t, 0, stats.CurrentDepth)
}

func TestInbox_SendTimeout(t *testing.T) {
	ib := New[string](1, 20*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	require.True(t, ib.Send(ctx, "a"))

	start := time.Now()
	assert.False(t, ib.Send(ctx, "b"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(1), ib.GetStats().TimeoutCount)
}

func TestInbox_SendHonoursContext(t *testing.T) {
	ib := New[string](0, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, ib.Send(ctx, "never delivered"))
}

func TestInbox_CloseDrains(t *testing.T) {
	ib := New[int](4, 0, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, ib.Send(ctx, i))
	}
	ib.Close()
	ib.Close() // idempotent

	var got []int
	for {
		v, ok := ib.Receive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestInbox_ConcurrentSendReceive(t *testing.T) {
	ib := New[int](8, 0, zap.NewNop())
	ctx := context.Background()

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				ib.Send(ctx, 1)
			}
		}()
	}
	go func() {
		wg.Wait()
		ib.Close()
	}()

	total := 0
	for {
		v, ok := ib.Receive()
		if !ok {
			break
		}
		total += v
	}
	assert.Equal(t, senders*perSender, total)
}
