package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContainerRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := ContainerRecord{TaskID: 42, ContainerName: "kr-task-42", ContainerID: "abc123", IsVPS: true, SSHPort: 32100}
	require.NoError(t, s.PutContainer(rec))

	got, err := s.GetContainer(42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	list, err := s.ListContainers()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteContainer(42))
	got, err = s.GetContainer(42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetContainerMissingReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetContainer(999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVMRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := VMRecord{TaskID: 7, VMName: "kr-vm-7", DiskPath: "/var/lib/kohakuriver/vm/7.qcow2", PidFile: "/run/kr-vm-7.pid"}
	require.NoError(t, s.PutVM(rec))

	got, err := s.GetVM(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	list, err := s.ListVMs()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteVM(7))
	got, err = s.GetVM(7)
	require.NoError(t, err)
	assert.Nil(t, got)
}
