package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func TestBuildEntrypointWithNUMAAndTunnelClient(t *testing.T) {
	numa := 1
	e := &Executor{logger: zap.NewNop(), paths: Paths{TunnelClientPath: "/opt/tc"}}
	t_ := &models.Task{Command: []string{"python", "train.py"}, NUMANode: &numa}

	got := e.buildEntrypoint(t_)
	assert.Contains(t, got, tunnelClientContainerPath+" &")
	assert.Contains(t, got, "numactl --cpunodebind=1 --membind=1")
	assert.Contains(t, got, "exec 'python' 'train.py'")
}

func TestBuildEntrypointWithoutTunnelClient(t *testing.T) {
	e := &Executor{logger: zap.NewNop(), paths: Paths{}}
	got := e.buildEntrypoint(&models.Task{Command: []string{"echo", "hi"}})
	assert.Equal(t, "exec 'echo' 'hi'", got)
}

func TestShellJoinEscapesSingleQuotes(t *testing.T) {
	got := shellJoin([]string{"echo", "it's fine"})
	assert.Equal(t, `'echo' 'it'"'"'s fine'`, got)
}

func TestResolveImagePrefersExplicitImage(t *testing.T) {
	assert.Equal(t, "ubuntu:22.04", resolveImage(models.ContainerEnv{Image: "ubuntu:22.04", Name: "myenv"}))
	assert.Equal(t, "myenv", resolveImage(models.ContainerEnv{Name: "myenv"}))
}

func TestResourcesMapsCoresMemoryAndGPUs(t *testing.T) {
	e := &Executor{}
	r := e.resources(&models.Task{Cores: 4, MemoryBytes: 8 << 30, RequiredGPU: []int{0, 1}})
	assert.Equal(t, int64(4_000_000_000), r.NanoCPUs)
	assert.Equal(t, int64(8<<30), r.Memory)
	assert.Len(t, r.DeviceRequests, 1)
	assert.Equal(t, []string{"0", "1"}, r.DeviceRequests[0].DeviceIDs)
}
