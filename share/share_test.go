package share

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectNeverBlocks(t *testing.T) {
	s := New(Direct, 0)
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	*h.Get() = 42
	h.Release()

	h2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, *h2.Get())
	h2.Release()
}

func TestCooperativePanicsOnReentrance(t *testing.T) {
	s := New(Cooperative, "x")
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = s.Acquire(context.Background())
	})

	h.Release()

	h2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	h2.Release()
}

func TestLockedBlocksUntilReleased(t *testing.T) {
	s := New(Locked, 0)
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h2, err := s.Acquire(context.Background())
		if err == nil {
			h2.Release()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire returned before first Release")
	case <-time.After(20 * time.Millisecond):
	}

	h.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never completed after Release")
	}
}

func TestLockedRespectsContextCancellation(t *testing.T) {
	s := New(Locked, 0)
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
