package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"cachepeers/datamodel/peer"
	"cachepeers/metrics"
	"cachepeers/net/addrspec"
	"cachepeers/net/crpc"
	"cachepeers/net/heartbeat"
	"cachepeers/net/netutil"
	"cachepeers/swarm/client"
	"cachepeers/swarm/registry"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrNoBindablePort = errors.New("none of the configured peer ports could be bound")

type Options struct {
	HeartbeatInterval time.Duration // heartbeat.DefaultInterval when zero
	PeerAddresses     []net.IP      // Addresses heartbeats are sent to
	PeerPorts         []int         // Ports heartbeats are sent to; the local socket binds the first free one
	HostAddress       string        // Interface the heartbeat socket binds to, all interfaces when empty

	AdvertiseAddress string   // host:port of the RPC server as seen by peers, derived from the listener when empty
	Caches           []string // Caches served by this node

	Resolver registry.Resolver // Defaults to a crpc based client.Resolver
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Workers  int
}

type Node struct {
	origin    string
	advertise string

	conn      *net.UDPConn
	rpcServer *crpc.Server

	Registry *registry.Registry
	sender   *heartbeat.Sender
	receiver *heartbeat.Receiver

	mu     sync.RWMutex
	caches map[string]struct{}

	runMu     sync.Mutex
	stop      context.CancelFunc
	closed    bool
	closeOnce sync.Once
}

func New(opts Options, rpcServer *crpc.Server) (*Node, error) {
	if rpcServer == nil {
		return nil, errors.New("node: an RPC server is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Resolver == nil {
		opts.Resolver = &client.Resolver{}
	}

	advertise := opts.AdvertiseAddress
	if advertise == "" {
		var err error
		if advertise, err = netutil.AdvertiseAddr(rpcServer.Addr()); err != nil {
			return nil, fmt.Errorf("node: cannot work out advertised RPC address: %w", err)
		}
	}

	conn, err := bindFirst(opts.HostAddress, opts.PeerPorts)
	if err != nil {
		return nil, err
	}

	n := &Node{
		origin:    uuid.NewString(),
		advertise: advertise,
		conn:      conn,
		rpcServer: rpcServer,
		caches:    make(map[string]struct{}),
	}
	for _, c := range opts.Caches {
		n.caches[c] = struct{}{}
	}

	if err := rpcServer.Register(&Server{node: n}); err != nil {
		conn.Close()
		return nil, err
	}

	n.Registry = registry.New(opts.Resolver, opts.HeartbeatInterval,
		registry.WithClock(opts.Clock), registry.WithMetrics(opts.Metrics))

	n.sender = heartbeat.NewSender(conn, heartbeat.NewEncoder(n.origin), n, heartbeat.SenderConfig{
		Interval: opts.HeartbeatInterval,
		Targets:  addrspec.Targets(opts.PeerAddresses, opts.PeerPorts),
		Clock:    opts.Clock,
		Metrics:  opts.Metrics,
	})

	n.receiver = heartbeat.NewReceiver(conn, n.Registry, heartbeat.ReceiverConfig{
		Origin:    n.origin,
		LocalBase: peer.Base(advertise),
		Workers:   opts.Workers,
		Metrics:   opts.Metrics,
	})

	log.Infof("Node %s advertising %s, heartbeat socket %s", n.origin, advertise, conn.LocalAddr())

	return n, nil
}

// bindFirst binds the heartbeat socket to the first port in ports that is free on host.
func bindFirst(host string, ports []int) (*net.UDPConn, error) {
	if host == "localhost" {
		log.Warnf("Explicitly setting the host address to 'localhost' will make peer discovery work only on this machine")
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no ports configured", ErrNoBindablePort)
	}

	var errs []error
	for _, port := range ports {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, fmt.Errorf("node: cannot resolve host address %q: %w", host, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, nil
		}
		log.Debugf("Heartbeat socket cannot bind %s: %v", addr, err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w on %q: %w", ErrNoBindablePort, host, errors.Join(errs...))
}

func (n *Node) Origin() string {
	return n.origin
}

func (n *Node) AdvertiseAddress() string {
	return n.advertise
}

// LocalAddr is the address of the heartbeat socket.
func (n *Node) LocalAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

func (n *Node) AddCache(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.caches[name] = struct{}{}
}

func (n *Node) RemoveCache(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.caches, name)
}

func (n *Node) HasCache(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.caches[name]
	return ok
}

func (n *Node) Caches() []string {
	n.mu.RLock()
	caches := make([]string, 0, len(n.caches))
	for c := range n.caches {
		caches = append(caches, c)
	}
	n.mu.RUnlock()

	sort.Strings(caches)
	return caches
}

// LocalIdentifiers returns the identifiers this node advertises, one per cache.
func (n *Node) LocalIdentifiers() []string {
	caches := n.Caches()
	ids := make([]string, len(caches))
	for i, c := range caches {
		ids[i] = peer.FormatIdentifier(n.advertise, c)
	}
	return ids
}

// ListPeers returns the live remote handles for cacheName.
func (n *Node) ListPeers(cacheName string) []registry.Handle {
	return n.Registry.ListPeers(cacheName)
}

// TimeForClusterToForm is how long after start the peer list can be trusted.
func (n *Node) TimeForClusterToForm() time.Duration {
	return n.Registry.TimeForClusterToForm()
}

// Run serves RPC and runs the heartbeat until ctx is cancelled or Close is called.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.runMu.Lock()
	if n.closed {
		n.runMu.Unlock()
		return net.ErrClosed
	}
	n.stop = cancel
	n.runMu.Unlock()

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.sender.Run(cctx)
	})

	wg.Go(func() error {
		return n.receiver.Run(cctx)
	})

	wg.Go(func() error {
		if err := n.rpcServer.Serve(cctx); cctx.Err() == nil {
			return err
		}
		return nil
	})

	wg.Go(func() error {
		<-cctx.Done()
		// Unblocks the receiver
		n.conn.Close()
		return nil
	})

	err := wg.Wait()
	n.Registry.Close()

	log.Infof("Node %s stopped", n.origin)
	return err
}

// Close stops a running node and releases the heartbeat socket.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.runMu.Lock()
		n.closed = true
		if n.stop != nil {
			n.stop()
		}
		n.runMu.Unlock()

		n.conn.Close()
		n.Registry.Close()
	})
	return nil
}
