package naming

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesAreDeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, ContainerName(42), ContainerName(42))
	assert.NotEqual(t, ContainerName(42), ContainerName(43))
	assert.Equal(t, TapName(42), TapName(42))
	assert.NotEqual(t, TapName(42), TapName(43))
	assert.Equal(t, MACAddress(42), MACAddress(42))
	assert.NotEqual(t, MACAddress(42), MACAddress(43))
}

func TestTapNameFitsKernelLimit(t *testing.T) {
	for _, id := range []int64{1, 42, 123456789, 9223372036854775807} {
		assert.LessOrEqual(t, len(TapName(id)), maxIfaceName)
	}
}

func TestMACAddressIsUnicastAndLocallyAdministered(t *testing.T) {
	mac := MACAddress(7)
	first, err := strconv.ParseInt(mac[:2], 16, 32)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first&0x01, "must be unicast")
	assert.Equal(t, int64(0x02), first&0x02, "must be locally administered")
}

func TestSnapshotNameFormat(t *testing.T) {
	assert.Equal(t, "kohakuriver/ubuntu:snapshot-1700000000", SnapshotName("ubuntu", 1700000000))
}
