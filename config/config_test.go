package config

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := NewEmptyConfig("unused.json")

	d, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d.HeartbeatInterval)
	require.Len(t, d.PeerAddresses, 1)
	assert.True(t, d.PeerAddresses[0].Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, []int{40001, 40002, 40003}, d.PeerPorts)
	assert.Empty(t, d.HostAddress)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(path)
	cfg.Discovery.PeerPorts = "5000-5002, 6000"
	cfg.Node.Caches = []string{"sessions", "users"}
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded.File())
	assert.Equal(t, "5000-5002, 6000", loaded.Discovery.PeerPorts)
	assert.Equal(t, []string{"sessions", "users"}, loaded.Node.Caches)

	_, err = NewConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := NewEmptyConfig("unused.json")
	cfg.Discovery.HeartbeatInterval = 0
	cfg.Discovery.PeerPorts = "1,65536-65540"
	cfg.Node.RPCListenAddress = "no-port"
	cfg.Node.Caches = []string{"ok", "bad/name"}

	_, err := cfg.Validate()
	require.Error(t, err)

	errs := multierr.Errors(err)
	assert.Len(t, errs, 4)
	assert.Contains(t, err.Error(), "heartbeatInterval")
	assert.Contains(t, err.Error(), "65536")
	assert.Contains(t, err.Error(), "rpcListenAddress")
	assert.Contains(t, err.Error(), "bad/name")
}
