package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"cachepeers/net/addrspec"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var log = logrus.New()

// Config represents the configuration of a cache peer node
type Config struct {
	// Default config file location
	configFile string

	// Discovery settings drive the unicast heartbeat
	Discovery struct {
		HeartbeatInterval int64  `json:"heartbeatInterval"` // Milliseconds between heartbeats
		PeerAddresses     string `json:"peerAddresses"`     // Addresses separated by ',', ';' or ':'
		PeerPorts         string `json:"peerPorts"`         // Ports and port ranges, e.g. "40001-40003,40010"
		HostAddress       string `json:"hostAddress"`       // Interface to bind the heartbeat socket to, empty for all
		Workers           int    `json:"workers"`           // Concurrently processed heartbeats, 0 for the default
	} `json:"discovery"`

	Node struct {
		RPCListenAddress    string   `json:"rpcListenAddress"`
		RPCAdvertiseAddress string   `json:"rpcAdvertiseAddress"` // Derived from the listener when empty
		Caches              []string `json:"caches"`
	} `json:"node"`

	DataStore struct {
		PeerIndexPath    string `json:"peerIndex"`
		SnapshotInterval int64  `json:"snapshotInterval"` // Milliseconds between peer snapshots, 0 disables them
	} `json:"datastore"`

	Metrics struct {
		ListenAddress string `json:"listenAddress"` // Prometheus endpoint, empty disables it
	} `json:"metrics"`
}

// Discovery is the validated, parsed form of the discovery settings.
type Discovery struct {
	HeartbeatInterval time.Duration
	PeerAddresses     []net.IP
	PeerPorts         []int
	HostAddress       string
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Discovery.HeartbeatInterval = 5000
	cfg.Discovery.PeerAddresses = "127.0.0.1"
	cfg.Discovery.PeerPorts = "40001-40003"

	cfg.Node.RPCListenAddress = "0.0.0.0:40100"
	cfg.Node.Caches = []string{"default"}

	cfg.DataStore.PeerIndexPath = "/tmp/cachepeers/peers"
	cfg.DataStore.SnapshotInterval = 10000

	cfg.Metrics.ListenAddress = "127.0.0.1:9464"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// Validate checks every setting and parses the discovery specs. All problems
// are reported together.
func (c *Config) Validate() (*Discovery, error) {
	var errs error
	d := &Discovery{
		HeartbeatInterval: time.Duration(c.Discovery.HeartbeatInterval) * time.Millisecond,
		HostAddress:       strings.TrimSpace(c.Discovery.HostAddress),
	}

	if c.Discovery.HeartbeatInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("discovery.heartbeatInterval must be positive, got %d", c.Discovery.HeartbeatInterval))
	}
	if c.Discovery.Workers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("discovery.workers must not be negative, got %d", c.Discovery.Workers))
	}

	addrs, err := addrspec.ParseAddresses(c.Discovery.PeerAddresses)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("discovery.peerAddresses: %w", err))
	}
	d.PeerAddresses = addrs

	ports, err := addrspec.ParsePorts(c.Discovery.PeerPorts)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("discovery.peerPorts: %w", err))
	}
	d.PeerPorts = ports

	if _, _, err := net.SplitHostPort(c.Node.RPCListenAddress); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("node.rpcListenAddress: %w", err))
	}
	if c.Node.RPCAdvertiseAddress != "" {
		if _, _, err := net.SplitHostPort(c.Node.RPCAdvertiseAddress); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node.rpcAdvertiseAddress: %w", err))
		}
	}
	for _, cache := range c.Node.Caches {
		if cache == "" || strings.Contains(cache, "/") || strings.Contains(cache, "|") {
			errs = multierr.Append(errs, fmt.Errorf("node.caches: invalid cache name %q", cache))
		}
	}

	if c.DataStore.SnapshotInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("datastore.snapshotInterval must not be negative, got %d", c.DataStore.SnapshotInterval))
	}
	if c.DataStore.SnapshotInterval > 0 && c.DataStore.PeerIndexPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("datastore.peerIndex is required when snapshots are enabled"))
	}

	if errs != nil {
		return nil, errs
	}
	return d, nil
}
