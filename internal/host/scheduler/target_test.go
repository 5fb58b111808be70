package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget_Variants(t *testing.T) {
	tgt, err := ParseTarget("node1")
	require.NoError(t, err)
	assert.Equal(t, "node1", tgt.Hostname)
	assert.Nil(t, tgt.NUMANode)
	assert.Empty(t, tgt.GPUs)

	tgt, err = ParseTarget("node1:2")
	require.NoError(t, err)
	assert.Equal(t, "node1", tgt.Hostname)
	require.NotNil(t, tgt.NUMANode)
	assert.Equal(t, 2, *tgt.NUMANode)

	tgt, err = ParseTarget("node1::0,1")
	require.NoError(t, err)
	assert.Equal(t, "node1", tgt.Hostname)
	assert.Nil(t, tgt.NUMANode)
	assert.Equal(t, []int{0, 1}, tgt.GPUs)

	tgt, err = ParseTarget("node1:2::0,1")
	require.NoError(t, err)
	assert.Equal(t, "node1", tgt.Hostname)
	require.NotNil(t, tgt.NUMANode)
	assert.Equal(t, 2, *tgt.NUMANode)
	assert.Equal(t, []int{0, 1}, tgt.GPUs)

	tgt, err = ParseTarget("")
	require.NoError(t, err)
	assert.Equal(t, Target{}, tgt)
}

func TestParseTarget_RejectsMalformed(t *testing.T) {
	_, err := ParseTarget("node1:notanumber")
	assert.Error(t, err)

	_, err = ParseTarget(":2")
	assert.Error(t, err)

	_, err = ParseTarget("node1::notanumber")
	assert.Error(t, err)
}
