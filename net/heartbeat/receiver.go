package heartbeat

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"cachepeers/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	tec "github.com/jbenet/go-temp-err-catcher"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultWorkers = 32

	decodeCacheSize = 256

	// Consecutive non-temporary read errors after which the receiver gives up
	maxReadErrors = 16
)

// Registrar is the part of the peer registry the receiver feeds.
type Registrar interface {
	RegisterPeer(ctx context.Context, identifier string) error
}

type ReceiverConfig struct {
	Origin    string // Origin token of this node's own heartbeats
	LocalBase string // Base of this node's identifiers, used to spot untagged self heartbeats
	Workers   int    // Maximum concurrently processed heartbeats, DefaultWorkers when zero
	Metrics   *metrics.Metrics
}

// Receiver reads heartbeats from the shared socket and registers the advertised
// identifiers asynchronously, one worker per heartbeat.
type Receiver struct {
	conn     net.PacketConn
	registry Registrar

	origin    string
	localBase string
	metrics   *metrics.Metrics

	pool     errgroup.Group
	inflight sync.Map // signature -> struct{}
	decoded  *lru.Cache[uint64, *Payload]
}

func NewReceiver(conn net.PacketConn, registry Registrar, cfg ReceiverConfig) *Receiver {
	r := &Receiver{
		conn:      conn,
		registry:  registry,
		origin:    cfg.Origin,
		localBase: cfg.LocalBase,
		metrics:   cfg.Metrics,
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r.pool.SetLimit(workers)

	// Only fails for a non-positive size
	r.decoded, _ = lru.New[uint64, *Payload](decodeCacheSize)

	return r
}

// Run reads datagrams until ctx is cancelled or the socket fails permanently.
// The socket is expected to be closed by the owner on cancellation to unblock
// the pending read. Workers still running on return are abandoned; they observe
// ctx and stop early.
func (r *Receiver) Run(ctx context.Context) error {
	log.Infof("heartbeat: receiver listening on %s", r.conn.LocalAddr())

	buf := make([]byte, MTU)
	var catcher tec.TempErrCatcher
	failures := 0

	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("heartbeat: receiver stopped")
				return nil
			}
			if catcher.IsTemporary(err) {
				log.Warnf("heartbeat: temporary error receiving heartbeat: %v", err)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				log.Errorf("heartbeat: socket closed, receiver exiting: %v", err)
				return err
			}
			failures++
			if failures >= maxReadErrors {
				log.Errorf("heartbeat: giving up after %d consecutive receive errors: %v", failures, err)
				return err
			}
			log.Errorf("heartbeat: error receiving heartbeat: %v", err)
			continue
		}
		failures = 0

		r.metrics.HeartbeatsReceived.Inc()
		r.handle(ctx, bytes.Clone(buf[:n]), from)
	}
}

func (r *Receiver) handle(ctx context.Context, raw []byte, from net.Addr) {
	sig := Signature(raw)

	p, ok := r.decoded.Get(sig)
	if !ok {
		var err error
		p, err = Decode(raw)
		if err != nil {
			r.metrics.DecodeErrors.Inc()
			log.Debugf("heartbeat: dropping undecodable datagram from %s: %v", from, err)
			return
		}
		r.decoded.Add(sig, p)
	}

	if r.isSelf(p) {
		r.metrics.SelfHeartbeats.Inc()
		return
	}

	log.Debugf("heartbeat: %d identifiers received from %s", len(p.Identifiers), from)

	if _, busy := r.inflight.Load(sig); busy {
		r.metrics.DuplicatePayloads.Inc()
		log.Debugf("heartbeat: already processing identical heartbeat from %s, skipping", from)
		return
	}

	if !r.pool.TryGo(func() error {
		r.process(ctx, sig, p)
		return nil
	}) {
		r.metrics.DroppedPayloads.Inc()
		log.Debugf("heartbeat: all workers busy, dropping heartbeat from %s", from)
	}
}

func (r *Receiver) process(ctx context.Context, sig uint64, p *Payload) {
	if _, loaded := r.inflight.LoadOrStore(sig, struct{}{}); loaded {
		r.metrics.DuplicatePayloads.Inc()
		return
	}
	defer r.inflight.Delete(sig)

	for _, id := range p.Identifiers {
		if ctx.Err() != nil {
			return
		}
		if err := r.registry.RegisterPeer(ctx, id); err != nil {
			log.Debugf("heartbeat: could not register %s: %v", id, err)
		}
	}
}

// isSelf reports whether p is one of this node's own heartbeats. Tagged
// payloads are matched on the exact origin token; untagged ones fall back to
// looking for this node's identifier base.
func (r *Receiver) isSelf(p *Payload) bool {
	if p.Origin != "" {
		return p.Origin == r.origin
	}
	if r.localBase == "" {
		return false
	}
	for _, id := range p.Identifiers {
		if strings.Contains(id, r.localBase) {
			return true
		}
	}
	return false
}
