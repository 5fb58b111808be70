package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_MonotonicAndUnique(t *testing.T) {
	n, err := NewNode(1)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	var prev int64
	for i := 0; i < 10000; i++ {
		id := n.Generate()
		assert.False(t, seen[id], "id %d generated twice", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNewNode_RejectsOutOfRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(1024)
	assert.Error(t, err)
}

func TestTime_RoundTrips(t *testing.T) {
	n, err := NewNode(5)
	require.NoError(t, err)
	id := n.Generate()
	got := Time(id)
	assert.WithinDuration(t, time.Now(), got, time.Second)
}
