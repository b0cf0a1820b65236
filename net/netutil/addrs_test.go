package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostIPsSpecific(t *testing.T) {
	ips, err := HostIPs(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.True(t, ips[0].Equal(net.ParseIP("127.0.0.1")))
}

func TestHostIPsUnspecifiedIPv4(t *testing.T) {
	ips, err := HostIPs(net.IPv4zero)
	require.NoError(t, err)
	for _, ip := range ips {
		assert.NotNil(t, ip.To4(), "%s is not IPv4", ip)
	}
}

func TestAdvertiseAddrSpecific(t *testing.T) {
	addr, err := AdvertiseAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4567})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4567", addr)
}

func TestIsSelf(t *testing.T) {
	loopback := net.ParseIP("127.0.0.1")
	other := net.ParseIP("10.1.2.3")

	bound := &net.UDPAddr{IP: loopback, Port: 4000}
	assert.True(t, IsSelf(&net.UDPAddr{IP: loopback, Port: 4000}, bound, nil))
	assert.False(t, IsSelf(&net.UDPAddr{IP: loopback, Port: 4001}, bound, nil))
	assert.False(t, IsSelf(&net.UDPAddr{IP: other, Port: 4000}, bound, []net.IP{other}))

	wildcard := &net.UDPAddr{IP: net.IPv4zero, Port: 4000}
	hostIPs := []net.IP{loopback, other}
	assert.True(t, IsSelf(&net.UDPAddr{IP: other, Port: 4000}, wildcard, hostIPs))
	assert.True(t, IsSelf(&net.UDPAddr{IP: loopback, Port: 4000}, wildcard, hostIPs))
	assert.False(t, IsSelf(&net.UDPAddr{IP: net.ParseIP("10.9.9.9"), Port: 4000}, wildcard, hostIPs))
	assert.False(t, IsSelf(&net.UDPAddr{IP: other, Port: 4000}, nil, hostIPs))
}
