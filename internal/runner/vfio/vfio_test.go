package vfio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsBridgeClassMatchesMajor06(t *testing.T) {
	assert.True(t, isBridgeClass("0x060400"))
	assert.False(t, isBridgeClass("0x030200")) // VGA display controller
	assert.False(t, isBridgeClass(""))
}

func TestDeviceClassReadsSysfsFile(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "0000:01:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "class"), []byte("0x030200\n"), 0644))

	b := &Binder{logger: zap.NewNop(), cfg: Config{}}
	oldBase := sysBusPCIForTest(dir)
	defer oldBase()

	class, err := b.deviceClass("0000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, "0x030200", class)
}

func TestCurrentDriverReadsSymlinkBase(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "0000:01:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	driverTarget := filepath.Join(dir, "drivers", "nvidia")
	require.NoError(t, os.MkdirAll(driverTarget, 0755))
	require.NoError(t, os.Symlink(driverTarget, filepath.Join(devDir, "driver")))

	b := &Binder{logger: zap.NewNop(), cfg: Config{}}
	oldBase := sysBusPCIForTest(dir)
	defer oldBase()

	assert.Equal(t, "nvidia", b.currentDriver("0000:01:00.0"))
}

func TestCurrentDriverReturnsEmptyWhenUnbound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "0000:01:00.0"), 0755))

	b := &Binder{logger: zap.NewNop(), cfg: Config{}}
	oldBase := sysBusPCIForTest(dir)
	defer oldBase()

	assert.Equal(t, "", b.currentDriver("0000:01:00.0"))
}

func TestNormalizePCIAddressLowercases(t *testing.T) {
	assert.Equal(t, "0000:3b:00.0", normalizePCIAddress("0000:3B:00.0"))
	assert.Equal(t, "0000:01:00.0", normalizePCIAddress("  0000:01:00.0  "))
}

func TestIOMMUGroupIDReadsSymlinkBase(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "0000:01:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	groupTarget := filepath.Join(dir, "..", "..", "kernel", "iommu_groups", "42")
	require.NoError(t, os.MkdirAll(groupTarget, 0755))
	require.NoError(t, os.Symlink(groupTarget, filepath.Join(devDir, "iommu_group")))

	b := &Binder{logger: zap.NewNop(), cfg: Config{}}
	oldBase := sysBusPCIForTest(dir)
	defer oldBase()

	group, err := b.iommuGroupID("0000:01:00.0")
	require.NoError(t, err)
	assert.Equal(t, 42, group)
}

func TestDiscoverGPUsReturnsNilWhenNvidiaSMIMissing(t *testing.T) {
	b := New(zap.NewNop(), Config{})
	devices, err := b.DiscoverGPUs(context.Background())
	require.NoError(t, err)
	assert.Nil(t, devices)
}

// sysBusPCIForTest temporarily points the package's sysBusPCI base at dir so
// sysfs-path tests don't need a real PCI bus; it returns a restore func.
func sysBusPCIForTest(dir string) func() {
	prev := sysBusPCI
	sysBusPCI = dir
	return func() { sysBusPCI = prev }
}
