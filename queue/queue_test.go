package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopExpiredOrder(t *testing.T) {
	q := New()
	q.Push("w1", 20)
	q.Push("w2", 10)
	q.Push("w3", 30)
	q.Push("w4", 15)

	expired := q.PopExpired(20)
	require.Len(t, expired, 3)
	assert.Equal(t, "w2", expired[0].Value)
	assert.Equal(t, "w4", expired[1].Value)
	assert.Equal(t, "w1", expired[2].Value)
	assert.Equal(t, 1, q.Len())

	item, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "w3", item.Value)
}

func TestPopExpiredEmpty(t *testing.T) {
	q := New()
	assert.Empty(t, q.PopExpired(100))
	_, ok := q.Peek()
	assert.False(t, ok)
}

func TestSupersededEntries(t *testing.T) {
	q := New()
	q.Push("w1", 10)
	// a heartbeat pushes a later deadline for the same worker
	q.Push("w1", 50)

	expired := q.PopExpired(20)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(10), expired[0].Priority)

	// the superseding entry is still queued
	assert.Equal(t, 1, q.Len())
}
