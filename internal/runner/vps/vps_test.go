package vps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/executor"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func TestBootstrapScriptUploadKeyMode(t *testing.T) {
	m := &Manager{}
	task := &models.Task{
		SSHKeyMode:   models.SSHKeyUpload,
		SSHPublicKey: "ssh-ed25519 AAAA test",
	}
	script := m.bootstrapScript(task)
	assert.Contains(t, script, "authorized_keys")
	assert.Contains(t, script, "ssh-ed25519 AAAA test")
	assert.Contains(t, script, "/usr/sbin/sshd -D")
}

func TestBootstrapScriptDefaultModeUsesPasswordlessRoot(t *testing.T) {
	m := &Manager{}
	task := &models.Task{SSHKeyMode: models.SSHKeyDisabled}
	script := m.bootstrapScript(task)
	assert.Contains(t, script, "PermitRootLogin")
	assert.Contains(t, script, "passwd -d root")
}

func TestBootstrapScriptIncludesTunnelClientWhenConfigured(t *testing.T) {
	m := &Manager{paths: executor.Paths{TunnelClientPath: "/host/tunnel-client"}}
	task := &models.Task{SSHKeyMode: models.SSHKeyGenerate}
	script := m.bootstrapScript(task)
	assert.Contains(t, script, executorTunnelPath+" &")
}

func TestEnvNamePrefersExplicitName(t *testing.T) {
	assert.Equal(t, "myenv", envName(models.ContainerEnv{Name: "myenv", Image: "docker.io/foo:latest"}))
}

func TestEnvNameFallsBackToSanitizedImage(t *testing.T) {
	assert.Equal(t, "docker.io-foo-latest", envName(models.ContainerEnv{Image: "docker.io/foo:latest"}))
}

func TestSortByTimestampSuffixOrdersOldestFirst(t *testing.T) {
	refs := []string{"kohakuriver/env:snapshot-300", "kohakuriver/env:snapshot-100", "kohakuriver/env:snapshot-200"}
	sortByTimestampSuffix(refs)
	require.Equal(t, []string{
		"kohakuriver/env:snapshot-100",
		"kohakuriver/env:snapshot-200",
		"kohakuriver/env:snapshot-300",
	}, refs)
}

func TestTimestampSuffixParsesTrailingInteger(t *testing.T) {
	assert.Equal(t, int64(1234), timestampSuffix("kohakuriver/env:snapshot-1234"))
	assert.Equal(t, int64(0), timestampSuffix("no-suffix-here"))
}
