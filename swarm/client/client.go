// Package client resolves peer identifiers into live RPC handles.
package client

import (
	"context"
	"fmt"
	"time"

	"cachepeers/datamodel/peer"
	"cachepeers/net/crpc"
	"cachepeers/swarm/protocol"
	"cachepeers/swarm/registry"
)

const DefaultTimeout = 2 * time.Second

var _ registry.Handle = (*Client)(nil)

// Client is the remote handle of one cache on one peer node.
type Client struct {
	*crpc.Client

	identifier string
	cacheName  string
	timeout    time.Duration
}

func (c *Client) Identifier() string {
	return c.identifier
}

func (c *Client) CacheName() string {
	return c.cacheName
}

func (c *Client) Lookup(ctx context.Context) (*protocol.LookupResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res := &protocol.LookupResponse{}
	if err := c.Call(ctx, protocol.MethodLookup, &protocol.LookupRequest{CacheName: c.cacheName}, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checks that the peer still serves the cache. A peer that answers but no
// longer serves it yields registry.ErrNotFound.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.Lookup(ctx)
	if err != nil {
		return err
	}
	if !res.Bound {
		return fmt.Errorf("%s: %w", c.identifier, registry.ErrNotFound)
	}
	return nil
}

var _ registry.Resolver = (*Resolver)(nil)

// Resolver dials the node named by an identifier and checks it serves the cache.
type Resolver struct {
	Network string        // Defaults to "tcp"
	Timeout time.Duration // Dial and lookup timeout, DefaultTimeout when zero
}

func (r *Resolver) Resolve(ctx context.Context, identifier string) (registry.Handle, error) {
	hostport, cacheName, err := peer.ParseIdentifier(identifier)
	if err != nil {
		// A malformed identifier will never become reachable
		return nil, fmt.Errorf("%w: %v", registry.ErrNotFound, err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	network := r.Network
	if network == "" {
		network = "tcp"
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpcc, err := crpc.DialContext(dctx, network, hostport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}

	c := &Client{
		Client:     rpcc,
		identifier: identifier,
		cacheName:  cacheName,
		timeout:    timeout,
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
