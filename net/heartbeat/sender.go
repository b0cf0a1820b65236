package heartbeat

import (
	"context"
	"net"
	"time"

	"cachepeers/helper/timer"
	"cachepeers/metrics"
	"cachepeers/net/netutil"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 5000 * time.Millisecond

// LocalPeers provides the identifiers this node advertises.
type LocalPeers interface {
	LocalIdentifiers() []string
}

type SenderConfig struct {
	Interval time.Duration   // Heartbeat period, DefaultInterval when zero
	Targets  []*net.UDPAddr  // Every destination a heartbeat is sent to
	Clock    clock.Clock     // Defaults to the wall clock
	Metrics  *metrics.Metrics
}

// Sender periodically pushes the local identifiers to every target over the shared socket.
type Sender struct {
	conn    net.PacketConn
	encoder *Encoder
	local   LocalPeers
	targets []*net.UDPAddr

	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics

	localAddr *net.UDPAddr
	hostIPs   []net.IP
}

func NewSender(conn net.PacketConn, encoder *Encoder, local LocalPeers, cfg SenderConfig) *Sender {
	s := &Sender{
		conn:     conn,
		encoder:  encoder,
		local:    local,
		targets:  cfg.Targets,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.localAddr = la
		ips, err := netutil.HostIPs(la.IP)
		if err != nil {
			log.Warnf("heartbeat: could not enumerate local addresses for %s: %v", la, err)
		}
		s.hostIPs = ips
	}

	return s
}

func (s *Sender) Interval() time.Duration {
	return s.interval
}

// Run sends one heartbeat immediately and then one per interval until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	log.Infof("heartbeat: sender started, %d targets every %v", len(s.targets), s.interval)

	if err := s.Beat(ctx); err != nil {
		return err
	}

	err := timer.RunWithTicker(ctx, s.clock, &timer.Interval{Duration: s.interval}, s.Beat)
	if ctx.Err() != nil {
		log.Infof("heartbeat: sender stopped")
		return nil
	}
	return err
}

// Beat sends the current payload to every target once. Send failures are
// logged and never abort the loop; the next beat retries naturally.
func (s *Sender) Beat(ctx context.Context) error {
	chunks, err := s.encoder.Encode(s.local.LocalIdentifiers())
	if err != nil {
		log.Errorf("heartbeat: failed to encode payload: %v", err)
		return nil
	}

	for _, chunk := range chunks {
		for _, target := range s.targets {
			if ctx.Err() != nil {
				return nil
			}
			if netutil.IsSelf(target, s.localAddr, s.hostIPs) {
				continue
			}

			log.Debugf("heartbeat: sending %d bytes to %s", len(chunk), target)
			if _, err := s.conn.WriteTo(chunk, target); err != nil {
				s.metrics.SendErrors.Inc()
				log.Warnf("heartbeat: failed to send to %s: %v", target, err)
				continue
			}
			s.metrics.HeartbeatsSent.Inc()
			s.metrics.HeartbeatBytesSent.Add(float64(len(chunk)))
		}
	}
	return nil
}
