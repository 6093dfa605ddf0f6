package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFixed(t *testing.T) {
	q := NewRingQueue[int](2, false)
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.ErrorIs(t, q.Enqueue(3), ErrQueueFull)

	v, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, q.Enqueue(3))

	front, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, 2, front)
	assert.Equal(t, 2, q.Len())
}

func TestRingQueueGrowKeepsOrder(t *testing.T) {
	q := NewRingQueue[string](2, true)
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))
	_, _ = q.Dequeue()
	for _, s := range []string{"c", "d", "e"} {
		require.NoError(t, q.Enqueue(s))
	}

	var got []string
	for !q.IsEmpty() {
		v, err := q.Dequeue()
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"b", "c", "d", "e"}, got)

	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
