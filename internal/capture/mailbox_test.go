package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-overlay/internal/types"
)

func TestMailbox_EmptyReturnsNil(t *testing.T) {
	m := NewMailbox()
	assert.Nil(t, m.Latest())
}

func TestMailbox_LatestFrameWins(t *testing.T) {
	m := NewMailbox()
	m.Publish(&types.Frame{Seq: 1})
	m.Publish(&types.Frame{Seq: 2})

	got := m.Latest()
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Seq)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Drops, "frame 1 was overwritten before anyone captured it")
}

func TestMailbox_LatestDoesNotConsume(t *testing.T) {
	m := NewMailbox()
	m.Publish(&types.Frame{Seq: 7})

	assert.Equal(t, uint64(7), m.Latest().Seq)
	assert.Equal(t, uint64(7), m.Latest().Seq)

	m.Publish(&types.Frame{Seq: 8})
	assert.Equal(t, uint64(0), m.Stats().Drops, "captured frames are not drops")
}

func TestMailbox_WaitFirst(t *testing.T) {
	m := NewMailbox()

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Publish(&types.Frame{Seq: 3})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := m.WaitFirst(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), frame.Seq)
}

func TestMailbox_WaitFirstCancelled(t *testing.T) {
	m := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.WaitFirst(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailbox_ConcurrentPublish(t *testing.T) {
	m := NewMailbox()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Publish(&types.Frame{Seq: uint64(i*100 + j)})
				m.Latest()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(800), m.Stats().Published)
}
