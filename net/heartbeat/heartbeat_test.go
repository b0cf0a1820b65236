package heartbeat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"cachepeers/metrics"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPeers []string

func (s staticPeers) LocalIdentifiers() []string {
	return s
}

type recordingRegistrar struct {
	mu    sync.Mutex
	calls map[string]int
	block chan struct{}
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{calls: make(map[string]int)}
}

func (r *recordingRegistrar) RegisterPeer(ctx context.Context, id string) error {
	r.mu.Lock()
	r.calls[id]++
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingRegistrar) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *net.UDPConn) *Payload {
	t.Helper()
	buf := make([]byte, MTU)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	p, err := Decode(buf[:n])
	require.NoError(t, err)
	return p
}

func TestSenderBeatSkipsOwnAddress(t *testing.T) {
	self := listenLoopback(t)
	peerA := listenLoopback(t)
	peerB := listenLoopback(t)

	ids := staticPeers{"//127.0.0.1:5001/cache1", "//127.0.0.1:5001/cache2"}
	m := metrics.New(nil)
	s := NewSender(self, NewEncoder("me"), ids, SenderConfig{
		Targets: []*net.UDPAddr{
			self.LocalAddr().(*net.UDPAddr),
			peerA.LocalAddr().(*net.UDPAddr),
			peerB.LocalAddr().(*net.UDPAddr),
		},
		Metrics: m,
	})

	require.NoError(t, s.Beat(context.Background()))

	for _, c := range []*net.UDPConn{peerA, peerB} {
		p := readPayload(t, c)
		assert.Equal(t, "me", p.Origin)
		assert.Equal(t, []string(ids), p.Identifiers)
	}

	require.NoError(t, self.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := self.ReadFromUDP(make([]byte, MTU))
	assert.Error(t, err, "sender must not send to its own socket")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HeartbeatsSent))
}

func TestSenderRunRepeatsUntilCancelled(t *testing.T) {
	self := listenLoopback(t)
	peer := listenLoopback(t)

	mock := clock.NewMock()
	s := NewSender(self, NewEncoder("me"), staticPeers{"//h:1/c"}, SenderConfig{
		Interval: time.Second,
		Targets:  []*net.UDPAddr{peer.LocalAddr().(*net.UDPAddr)},
		Clock:    mock,
	})
	assert.Equal(t, time.Second, s.Interval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Immediate first beat, then one per interval
	readPayload(t, peer)
	buf := make([]byte, MTU)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		_ = peer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, _, err := peer.ReadFromUDP(buf)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestSenderDefaults(t *testing.T) {
	s := NewSender(listenLoopback(t), NewEncoder(""), staticPeers{}, SenderConfig{})
	assert.Equal(t, DefaultInterval, s.Interval())
	assert.NoError(t, s.Beat(context.Background()))
}

func startReceiver(t *testing.T, reg Registrar, cfg ReceiverConfig) (*Receiver, *net.UDPConn, func()) {
	t.Helper()
	conn := listenLoopback(t)
	r := NewReceiver(conn, reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	stop := func() {
		cancel()
		conn.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("receiver did not stop")
		}
	}
	return r, conn, stop
}

func send(t *testing.T, to *net.UDPConn, payload []byte) {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, to.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write(payload)
	require.NoError(t, err)
}

func TestReceiverRegistersIdentifiers(t *testing.T) {
	reg := newRecordingRegistrar()
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me"})
	defer stop()

	ids := []string{"//10.0.0.1:5001/cache1", "//10.0.0.1:5001/cache2"}
	chunks, err := NewEncoder("other").Encode(ids)
	require.NoError(t, err)
	send(t, conn, chunks[0])

	require.Eventually(t, func() bool {
		return reg.count(ids[0]) == 1 && reg.count(ids[1]) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReceiverIgnoresOwnHeartbeats(t *testing.T) {
	reg := newRecordingRegistrar()
	m := metrics.New(nil)
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me", LocalBase: "//10.0.0.9:5001/", Metrics: m})
	defer stop()

	tagged, err := NewEncoder("me").Encode([]string{"//10.0.0.9:5001/cache1"})
	require.NoError(t, err)
	send(t, conn, tagged[0])

	untagged, err := NewEncoder("").Encode([]string{"//10.0.0.9:5001/cache2"})
	require.NoError(t, err)
	send(t, conn, untagged[0])

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SelfHeartbeats) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, reg.count("//10.0.0.9:5001/cache1"))
	assert.Zero(t, reg.count("//10.0.0.9:5001/cache2"))
}

func TestReceiverDropsGarbage(t *testing.T) {
	reg := newRecordingRegistrar()
	m := metrics.New(nil)
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me", Metrics: m})
	defer stop()

	send(t, conn, []byte("not a heartbeat"))

	chunks, err := NewEncoder("other").Encode([]string{"//10.0.0.2:1/c"})
	require.NoError(t, err)
	send(t, conn, chunks[0])

	require.Eventually(t, func() bool {
		return reg.count("//10.0.0.2:1/c") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors))
}

func TestReceiverSkipsInFlightDuplicates(t *testing.T) {
	reg := newRecordingRegistrar()
	reg.block = make(chan struct{})
	m := metrics.New(nil)
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me", Metrics: m})
	defer stop()

	id := "//10.0.0.3:5001/cache1"
	chunks, err := NewEncoder("other").Encode([]string{id})
	require.NoError(t, err)

	send(t, conn, chunks[0])
	require.Eventually(t, func() bool { return reg.count(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, chunks[0])
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DuplicatePayloads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reg.count(id))

	close(reg.block)

	// Once the first heartbeat has been processed the same payload is accepted again
	resend, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer resend.Close()
	require.Eventually(t, func() bool {
		_, _ = resend.Write(chunks[0])
		return reg.count(id) >= 2
	}, 2*time.Second, 50*time.Millisecond)
}

func TestReceiverStopsMidPayloadOnCancel(t *testing.T) {
	reg := newRecordingRegistrar()
	reg.block = make(chan struct{})
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me"})

	ids := makeIdentifiers(5)
	chunks, err := NewEncoder("other").Encode(ids)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	send(t, conn, chunks[0])

	// The worker is stuck registering the first identifier
	require.Eventually(t, func() bool { return reg.count(ids[0]) == 1 }, 2*time.Second, 10*time.Millisecond)

	stop()
	time.Sleep(50 * time.Millisecond)

	for _, id := range ids[1:] {
		assert.Zero(t, reg.count(id), id)
	}
}

func TestReceiverDropsWhenPoolSaturated(t *testing.T) {
	reg := newRecordingRegistrar()
	reg.block = make(chan struct{})
	m := metrics.New(nil)
	_, conn, stop := startReceiver(t, reg, ReceiverConfig{Origin: "me", Workers: 1, Metrics: m})
	defer stop()

	first, err := NewEncoder("other").Encode([]string{"//10.0.0.4:5001/a"})
	require.NoError(t, err)
	second, err := NewEncoder("other").Encode([]string{"//10.0.0.5:5001/b"})
	require.NoError(t, err)

	send(t, conn, first[0])
	require.Eventually(t, func() bool { return reg.count("//10.0.0.4:5001/a") == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, second[0])
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DroppedPayloads) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, reg.count("//10.0.0.5:5001/b"))
	assert.Zero(t, testutil.ToFloat64(m.DuplicatePayloads))
}

func TestReceiverStopsWhenSocketCloses(t *testing.T) {
	conn := listenLoopback(t)
	r := NewReceiver(conn, newRecordingRegistrar(), ReceiverConfig{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}
}
