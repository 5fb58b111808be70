package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNumaTopologyParsesSysfsNodes(t *testing.T) {
	dir := t.TempDir()
	writeCPUList(t, dir, "node0", "0-3,8")
	writeCPUList(t, dir, "node1", "4-7")

	s := &Sampler{logger: zap.NewNop()}
	restore := withNodeDirForTest(dir)
	defer restore()

	topo := s.numaTopology(8)
	assert.Equal(t, []int{0, 1, 2, 3, 8}, topo[0])
	assert.Equal(t, []int{4, 5, 6, 7}, topo[1])
}

func TestNumaTopologyFallsBackToSingleNode(t *testing.T) {
	s := &Sampler{logger: zap.NewNop()}
	restore := withNodeDirForTest(filepath.Join(t.TempDir(), "does-not-exist"))
	defer restore()

	topo := s.numaTopology(4)
	assert.Equal(t, map[int][]int{0: {0, 1, 2, 3}}, topo)
}

func TestGPUInfoReturnsNilWhenNvidiaSMIMissing(t *testing.T) {
	s := New(zap.NewNop(), "definitely-not-a-real-binary")
	gpus, temp := s.gpuInfo(context.Background())
	assert.Nil(t, gpus)
	assert.Equal(t, float64(0), temp)
}

// withNodeDirForTest temporarily points the package's sysDevicesNode base at
// dir so sysfs-path tests don't need a real NUMA-capable host.
func withNodeDirForTest(dir string) func() {
	prev := sysDevicesNode
	sysDevicesNode = dir
	return func() { sysDevicesNode = prev }
}

func writeCPUList(t *testing.T, base, node, cpulist string) {
	t.Helper()
	dir := filepath.Join(base, node)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpulist"), []byte(cpulist+"\n"), 0644))
}
