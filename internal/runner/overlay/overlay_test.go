package overlay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// EnsureEndpoint/AttachTap/CreateTap require CAP_NET_ADMIN and real kernel
// netlink support, so only the pure address-math helper is unit tested here;
// the netlink-backed paths are exercised in integration environments.

func TestFirstHost(t *testing.T) {
	_, subnet, err := net.ParseCIDR("10.244.3.0/24")
	require.NoError(t, err)

	ip, err := firstHost(subnet)
	require.NoError(t, err)
	assert.Equal(t, "10.244.3.1", ip.String())
}

func TestFirstHost_RejectsIPv6(t *testing.T) {
	_, subnet, err := net.ParseCIDR("fd00::/64")
	require.NoError(t, err)

	_, err = firstHost(subnet)
	assert.Error(t, err)
}
