package packet_test

import (
	"context"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"bytemomo/sonar/internal/adapter/logger"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/packet/packettest"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = netip.MustParseAddr("192.0.2.1")
	target = netip.MustParseAddr("192.0.2.50")
)

func newEngine(t *testing.T, net *packettest.Network, opts ...packet.Option) *packet.Engine {
	t.Helper()
	opts = append([]packet.Option{packet.WithRouter(packet.StaticRouter{V4: local})}, opts...)
	e, err := packet.NewEngine(logger.Discard(), net, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func syn(t *testing.T, sport, dport uint16) []byte {
	t.Helper()
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: local, Dst: target, SrcPort: sport, DstPort: dport, Seq: 77, Flags: packet.SYN, Window: 1024,
	})
	require.NoError(t, err)
	return raw
}

func TestExchangeMatchesReply(t *testing.T) {
	host := &packettest.Host{Addr: target, TTL: 128, Window: 8192, ISN: 5000}
	net := packettest.New(packettest.ToTCPPort(target, 80, host.SynAck))
	e := newEngine(t, net)

	sport := e.EphemeralPort()
	reply, rtt, err := e.Exchange(context.Background(), syn(t, sport, 80), target,
		packet.TCPFrom(target, 80, sport), time.Second)
	require.NoError(t, err)
	assert.Equal(t, packet.SYN|packet.ACK, reply.TCP.Flags)
	assert.Equal(t, uint32(78), reply.TCP.Ack)
	assert.Equal(t, uint8(128), reply.TTL)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
	assert.Equal(t, 0, e.Subscribers())
	assert.Len(t, net.Sent(), 1)
}

func TestExchangeTimesOut(t *testing.T) {
	e := newEngine(t, packettest.New())
	sport := e.EphemeralPort()
	start := time.Now()
	_, _, err := e.Exchange(context.Background(), syn(t, sport, 81), target,
		packet.TCPFrom(target, 81, sport), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceiveHonoursCancellation(t *testing.T) {
	e := newEngine(t, packettest.New())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := e.ReceiveMatching(ctx, func(*packet.Packet) bool { return true }, time.Now().Add(5*time.Second))
	assert.ErrorIs(t, err, sonarerr.ErrCancelled)
}

func TestUnrelatedPacketsAreIgnored(t *testing.T) {
	host := &packettest.Host{Addr: target}
	net := packettest.New(packettest.ToTCPPort(target, 22, host.Rst))
	e := newEngine(t, net)

	sport := e.EphemeralPort()
	// a reply for a different local port must not satisfy the waiter
	_, _, err := e.Exchange(context.Background(), syn(t, sport+1, 22), target,
		packet.TCPFrom(target, 22, sport), 50*time.Millisecond)
	assert.ErrorIs(t, err, sonarerr.ErrTimeout)
}

func TestUnparseableInboundIsDropped(t *testing.T) {
	host := &packettest.Host{Addr: target}
	net := packettest.New(packettest.ToTCPPort(target, 443, host.SynAck))
	e := newEngine(t, net)

	net.Inject([]byte{0x45, 0x00})
	net.Inject([]byte{0x99})

	sport := e.EphemeralPort()
	reply, _, err := e.Exchange(context.Background(), syn(t, sport, 443), target,
		packet.TCPFrom(target, 443, sport), time.Second)
	require.NoError(t, err)
	assert.NotNil(t, reply.TCP)
}

func TestHandlePoolBoundsAndReturnsHandles(t *testing.T) {
	net := packettest.New()
	e := newEngine(t, net, packet.WithHandles(2))

	probes := make([][]byte, 20)
	for i := range probes {
		probes[i] = syn(t, uint16(40000+i), 80)
	}
	var wg sync.WaitGroup
	for _, raw := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Send(context.Background(), raw, target))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, net.Opened(), 2)
	assert.Equal(t, 0, e.HandlesInUse())
	assert.Len(t, net.Sent(), 20)

	require.NoError(t, e.Close())
	assert.Equal(t, 0, net.OpenConns())
}

func TestSendWithoutPrivilege(t *testing.T) {
	net := packettest.New()
	net.OpenErr = syscall.EPERM
	e := newEngine(t, net)

	err := e.Send(context.Background(), syn(t, 40000, 80), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
	assert.True(t, sonarerr.IsFatal(err))
	assert.Equal(t, 0, e.HandlesInUse())
}

func TestListenWithoutPrivilege(t *testing.T) {
	net := packettest.New()
	net.ListenErr = syscall.EACCES
	_, err := packet.NewEngine(logger.Discard(), net)
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
}

func TestEphemeralPortsRotate(t *testing.T) {
	e := newEngine(t, packettest.New())
	seen := map[uint16]bool{}
	for range 1000 {
		p := e.EphemeralPort()
		assert.GreaterOrEqual(t, p, uint16(33000))
		assert.False(t, seen[p])
		seen[p] = true
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := packet.NewEngine(logger.Discard(), packettest.New(), packet.WithRouter(packet.StaticRouter{V4: local}))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Error(t, e.Send(context.Background(), syn(t, 40000, 80), target))
}
