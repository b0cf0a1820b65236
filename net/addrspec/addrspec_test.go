package addrspec

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver map[string][]net.IPAddr

func (s stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if a, ok := s[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestParseAddresses(t *testing.T) {
	resolver := stubResolver{
		"www.google.com": {
			{IP: net.ParseIP("2a00:1450:400f:80c::2004")},
			{IP: net.ParseIP("142.250.74.36")},
		},
	}

	addrs, err := ParseAddressesContext(context.Background(), resolver, "127.0.0.1;127.0.0.2:127.0.0.3, www.google.com")
	require.NoError(t, err)
	require.Len(t, addrs, 4)

	assert.True(t, addrs[0].Equal(net.ParseIP("127.0.0.1")))
	assert.True(t, addrs[1].Equal(net.ParseIP("127.0.0.2")))
	assert.True(t, addrs[2].Equal(net.ParseIP("127.0.0.3")))
	assert.True(t, addrs[3].Equal(net.ParseIP("142.250.74.36")), "IPv4 result should be preferred")
}

func TestParseAddressesUnresolvable(t *testing.T) {
	_, err := ParseAddressesContext(context.Background(), stubResolver{}, "127.0.0.1, nosuchhost.invalid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvable))
	assert.Contains(t, err.Error(), "nosuchhost.invalid")
}

func TestParseAddressesEmptyToken(t *testing.T) {
	_, err := ParseAddressesContext(context.Background(), stubResolver{}, "127.0.0.1, ,127.0.0.2")
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = ParseAddressesContext(context.Background(), stubResolver{}, "")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("1,2,3;4: 5 , 7 - 9, 14 - 12")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 7, 8, 9, 12, 13, 14}, ports)
}

func TestParsePortsReversedRange(t *testing.T) {
	ports, err := ParsePorts("14-12")
	require.NoError(t, err)
	assert.Equal(t, []int{12, 13, 14}, ports)
}

func TestParsePortsDuplicatesCollapse(t *testing.T) {
	ports, err := ParsePorts("5,5,4-6")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 6}, ports)
}

func TestParsePortsInvalid(t *testing.T) {
	cases := map[string]error{
		"1,65536-65540": ErrInvalidPort,
		"70000":         ErrInvalidPort,
		"-1":            ErrInvalidPort,
		"1-2-3":         ErrInvalidRange,
		"abc":           ErrInvalidPort,
		"":              ErrEmptyPortSpec,
	}
	for spec, want := range cases {
		t.Run(spec, func(t *testing.T) {
			_, err := ParsePorts(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestParsePortsErrorNamesPort(t *testing.T) {
	_, err := ParsePorts("1,65536-65540")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "65536")
}

func TestTargets(t *testing.T) {
	addrs := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("127.0.0.2"), net.ParseIP("127.0.0.1")}
	targets := Targets(addrs, []int{4000, 4001})
	require.Len(t, targets, 4)
	assert.Equal(t, "127.0.0.1:4000", targets[0].String())
	assert.Equal(t, "127.0.0.1:4001", targets[1].String())
	assert.Equal(t, "127.0.0.2:4000", targets[2].String())
	assert.Equal(t, "127.0.0.2:4001", targets[3].String())
}
