package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_FirstSettleWins(t *testing.T) {
	t.Parallel()

	f := newFuture[int]()
	assert.False(t, f.IsComplete())

	assert.True(t, f.resolve(1))
	assert.False(t, f.reject(errors.New("late")))
	assert.False(t, f.resolve(2))
	assert.True(t, f.IsComplete())

	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed after settle")
	}

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_AwaitHonorsContext(t *testing.T) {
	t.Parallel()

	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.IsComplete())
}
