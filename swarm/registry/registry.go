// Package registry tracks the peers learned from heartbeats together with
// their resolved remote handles. Entries go stale when no heartbeat refreshed
// them for two heartbeat intervals plus a short grace period; stale entries
// are evicted lazily whenever peers are listed.
package registry

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"cachepeers/datamodel/peer"
	"cachepeers/metrics"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// ShortDelay is the grace period added on top of two heartbeat intervals.
const ShortDelay = 100 * time.Millisecond

// ErrNotFound is returned (wrapped) by a Resolver when the identifier is
// permanently unavailable. Any other resolution error is treated as transient.
var ErrNotFound = errors.New("peer not found")

// ErrClosed is returned by RegisterPeer once the registry has been closed.
var ErrClosed = errors.New("registry closed")

// Handle is a resolved remote peer.
type Handle interface {
	Identifier() string
}

// Resolver looks up the remote handle for a peer identifier.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (Handle, error)
}

type entry struct {
	handle   Handle
	lastSeen time.Time
}

// resolution is the result of one resolver call, shared by every caller
// coalesced into it. A handle that ends up unused is discarded exactly once.
type resolution struct {
	handle  Handle
	discard sync.Once
}

func (res *resolution) close() {
	res.discard.Do(func() { closeHandle(res.handle) })
}

func (e *entry) touch(now time.Time) {
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

type Registry struct {
	resolver  Resolver
	staleTime time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	resolving singleflight.Group
}

func New(resolver Resolver, heartbeatInterval time.Duration, opts ...Option) *Registry {
	r := &Registry{
		resolver:  resolver,
		staleTime: 2*heartbeatInterval + ShortDelay,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	return r
}

// StaleTime is the age after which an entry no longer counts as alive.
func (r *Registry) StaleTime() time.Duration {
	return r.staleTime
}

// TimeForClusterToForm is how long a freshly started node should wait before
// its view of the cluster can be considered complete.
func (r *Registry) TimeForClusterToForm() time.Duration {
	return r.staleTime
}

func (r *Registry) isStale(e *entry, now time.Time) bool {
	return now.Sub(e.lastSeen) > r.staleTime
}

// RegisterPeer records that a heartbeat referenced identifier. Fresh entries
// only get their timestamp refreshed; unknown or stale ones are resolved.
func (r *Registry) RegisterPeer(ctx context.Context, identifier string) error {
	if r.refresh(identifier) {
		r.metrics.Registrations.WithLabelValues(metrics.ResultRefreshed).Inc()
		return nil
	}

	v, err, _ := r.resolving.Do(identifier, func() (interface{}, error) {
		h, err := r.resolver.Resolve(ctx, identifier)
		if err != nil {
			return nil, err
		}
		return &resolution{handle: h}, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.metrics.Registrations.WithLabelValues(metrics.ResultNotFound).Inc()
			if r.remove(identifier, metrics.ReasonNotFound) {
				log.Debugf("registry: %s is no longer bound, removed: %v", identifier, err)
			}
			return err
		}
		r.metrics.Registrations.WithLabelValues(metrics.ResultTransient).Inc()
		log.Debugf("registry: transient failure resolving %s: %v", identifier, err)
		return err
	}
	res := v.(*resolution)

	now := r.clock.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		res.close()
		return ErrClosed
	}
	old, ok := r.entries[identifier]
	if ok && !r.isStale(old, now) {
		// Someone else inserted a fresh entry while we were resolving
		old.touch(now)
		r.mu.Unlock()
		if old.handle != res.handle {
			res.close()
		}
		r.metrics.Registrations.WithLabelValues(metrics.ResultRefreshed).Inc()
		return nil
	}
	r.entries[identifier] = &entry{handle: res.handle, lastSeen: now}
	r.metrics.Peers.Set(float64(len(r.entries)))
	r.mu.Unlock()

	if ok && old.handle != res.handle {
		closeHandle(old.handle)
	}

	r.metrics.Registrations.WithLabelValues(metrics.ResultRegistered).Inc()
	log.Debugf("registry: registered %s", identifier)
	return nil
}

// refresh moves the timestamp of a fresh entry forward and reports whether it did.
func (r *Registry) refresh(identifier string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identifier]
	if !ok || r.isStale(e, now) {
		return false
	}
	e.touch(now)
	return true
}

// ListPeers returns the handles of every live entry serving cacheName, ordered
// by identifier. Stale entries of that cache are evicted along the way.
func (r *Registry) ListPeers(cacheName string) []Handle {
	now := r.clock.Now()

	var (
		live  []string
		stale []string
		found = make(map[string]Handle)
	)

	r.mu.RLock()
	for id, e := range r.entries {
		if peer.CacheName(id) != cacheName {
			continue
		}
		if r.isStale(e, now) {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
		found[id] = e.handle
	}
	r.mu.RUnlock()

	if len(stale) > 0 {
		var evicted []Handle

		r.mu.Lock()
		for _, id := range stale {
			// Re-check, the entry may have been refreshed since the snapshot
			e, ok := r.entries[id]
			if !ok || !r.isStale(e, now) {
				continue
			}
			delete(r.entries, id)
			evicted = append(evicted, e.handle)
			r.metrics.Evictions.WithLabelValues(metrics.ReasonStale).Inc()
			log.Debugf("registry: evicted stale peer %s, last seen %v ago", id, now.Sub(e.lastSeen))
		}
		r.metrics.Peers.Set(float64(len(r.entries)))
		r.mu.Unlock()

		for _, h := range evicted {
			closeHandle(h)
		}
	}

	sort.Strings(live)
	handles := make([]Handle, 0, len(live))
	for _, id := range live {
		handles = append(handles, found[id])
	}
	return handles
}

// Peers returns a snapshot of every entry, stale or not, ordered by identifier.
func (r *Registry) Peers() []peer.Metadata {
	r.mu.RLock()
	peers := make([]peer.Metadata, 0, len(r.entries))
	for id, e := range r.entries {
		peers = append(peers, peer.Metadata{
			Identifier: id,
			CacheName:  peer.CacheName(id),
			LastSeen:   e.lastSeen,
		})
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Identifier < peers[j].Identifier })
	return peers
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Remove drops identifier from the registry and closes its handle.
func (r *Registry) Remove(identifier string) bool {
	return r.remove(identifier, metrics.ReasonRemoved)
}

func (r *Registry) remove(identifier, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[identifier]
	if ok {
		delete(r.entries, identifier)
		r.metrics.Peers.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.Evictions.WithLabelValues(reason).Inc()
	closeHandle(e.handle)
	return true
}

// Close empties the registry and closes every handle. Registrations that
// complete afterwards are rejected with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.metrics.Peers.Set(0)
	r.mu.Unlock()

	for _, e := range entries {
		closeHandle(e.handle)
	}
	return nil
}

func closeHandle(h Handle) {
	c, ok := h.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Debugf("registry: closing handle for %s: %v", h.Identifier(), err)
	}
}
