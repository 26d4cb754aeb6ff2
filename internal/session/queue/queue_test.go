package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FIFOOrder(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "task-1"))
	require.NoError(t, q.Push(ctx, "task-2"))
	require.NoError(t, q.Push(ctx, "task-3"))
	assert.Equal(t, 3, q.Len())

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", first)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-2", second)

	assert.Equal(t, 1, q.Len())
}

func TestMemory_PopEmpty(t *testing.T) {
	q := NewMemory()
	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}
