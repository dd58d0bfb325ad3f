package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(customer string, i int) models.InboundMessage {
	return models.InboundMessage{MessageID: fmt.Sprintf("%s-%d", customer, i), CustomerPhone: customer, Text: fmt.Sprint(i)}
}

func TestPoolPreservesPerCustomerOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	p := NewPool(3, 64, func(ctx context.Context, m models.InboundMessage) {
		mu.Lock()
		seen[m.CustomerPhone] = append(seen[m.CustomerPhone], m.Text)
		mu.Unlock()
	})
	p.Start(context.Background())

	customers := []string{"+491", "+492", "+493", "+494"}
	for i := 0; i < 10; i++ {
		for _, c := range customers {
			require.NoError(t, p.Submit(msg(c, i)))
		}
	}
	require.NoError(t, p.Stop(context.Background()))

	for _, c := range customers {
		want := make([]string, 10)
		for i := range want {
			want[i] = fmt.Sprint(i)
		}
		assert.Equal(t, want, seen[c], c)
	}
}

func TestPoolBackPressure(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(ctx context.Context, m models.InboundMessage) { <-release })
	p.Start(context.Background())

	require.NoError(t, p.Submit(msg("+491", 0)))
	// wait until the worker picked up the first message
	require.Eventually(t, func() bool { return p.Depth() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(msg("+491", 1)))
	assert.ErrorIs(t, p.Submit(msg("+491", 2)), models.ErrQueueFull)
	assert.Equal(t, 1, p.Depth())

	close(release)
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(msg("+491", 3)), ErrStopped)
}

func TestPoolStopTimesOut(t *testing.T) {
	p := NewPool(1, 4, func(ctx context.Context, m models.InboundMessage) { <-ctx.Done() })
	p.Start(context.Background())
	require.NoError(t, p.Submit(msg("+491", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

func TestPoolRecoversFromPanics(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	p := NewPool(1, 4, func(ctx context.Context, m models.InboundMessage) {
		if m.Text == "0" {
			panic("boom")
		}
		mu.Lock()
		handled = append(handled, m.Text)
		mu.Unlock()
	})
	p.Start(context.Background())
	require.NoError(t, p.Submit(msg("+491", 0)))
	require.NoError(t, p.Submit(msg("+491", 1)))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, []string{"1"}, handled)
}

func TestShardForIsStable(t *testing.T) {
	a := shardFor("+491701112233", 3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a, shardFor("+491701112233", 3))
	}
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 3)
}
