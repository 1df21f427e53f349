package scanner_test

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"bytemomo/sonar/internal/adapter/logger"
	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/packet/packettest"
	"bytemomo/sonar/internal/scanner"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = netip.MustParseAddr("10.0.0.1")
	target = netip.MustParseAddr("10.0.0.2")
)

func fastConfig() domain.ScanConfig {
	cfg := domain.DefaultScanConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxTimeout = 200 * time.Millisecond
	cfg.DiscoveryTimeout = 50 * time.Millisecond
	return cfg
}

func newScanner(t *testing.T, network *packettest.Network) (*scanner.Scanner, *packet.Engine) {
	t.Helper()
	eng, err := packet.NewEngine(logger.Discard(), network, packet.WithRouter(packet.StaticRouter{V4: local}))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return scanner.New(logger.Discard(), fastConfig(), scanner.WithPacketEngine(eng)), eng
}

func tcp(ports ...uint16) []domain.PortSpec {
	out := make([]domain.PortSpec, len(ports))
	for i, p := range ports {
		out[i] = domain.PortSpec{Port: p, Protocol: domain.TCP}
	}
	return out
}

func udp(ports ...uint16) []domain.PortSpec {
	out := make([]domain.PortSpec, len(ports))
	for i, p := range ports {
		out[i] = domain.PortSpec{Port: p, Protocol: domain.UDP}
	}
	return out
}

func job(ports []domain.PortSpec, variants ...domain.ScanVariant) domain.ScanJob {
	return domain.ScanJob{
		Target:        domain.NewTarget(target),
		Ports:         ports,
		Variants:      variants,
		SkipDiscovery: true,
		Config:        fastConfig(),
	}
}

func isRST(p *packet.Packet) bool {
	return p.TCP != nil && p.TCP.Flags == packet.RST
}

func TestSYNOpenPortWithHostUp(t *testing.T) {
	host := &packettest.Host{Addr: target, TTL: 64, Window: 29200}
	network := packettest.New(
		packettest.ToEcho(target, host.EchoReply),
		packettest.ToTCPPort(target, 22, host.SynAck),
	)
	s, eng := newScanner(t, network)

	j := job(tcp(22), domain.VariantSYN)
	j.SkipDiscovery = false
	res, err := s.Scan(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, domain.HostUp, res.Host.State)
	p, ok := res.Port(22, domain.TCP)
	require.True(t, ok)
	assert.Equal(t, domain.StateOpen, p.State)
	assert.Equal(t, "syn-ack", p.Reason)
	assert.Equal(t, uint8(64), p.TTL)
	assert.Equal(t, 1, p.Attempts)

	assert.Eventually(t, func() bool { return network.SentMatching(isRST) == 1 }, time.Second, 5*time.Millisecond,
		"half-open connection must be reset")
	assert.Equal(t, 0, eng.HandlesInUse())
	assert.NotEmpty(t, res.JobID)
}

func TestSYNClosedPort(t *testing.T) {
	host := &packettest.Host{Addr: target}
	s, _ := newScanner(t, packettest.New(packettest.ToTCPPort(target, 9999, host.Rst)))

	res, err := s.Scan(context.Background(), job(tcp(9999), domain.VariantSYN))
	require.NoError(t, err)
	p, _ := res.Port(9999, domain.TCP)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Equal(t, "reset", p.Reason)
}

func TestSYNSilentPortIsFilteredAfterRetries(t *testing.T) {
	network := packettest.New()
	s, _ := newScanner(t, network)

	j := job(tcp(31337), domain.VariantSYN)
	start := time.Now()
	res, err := s.Scan(context.Background(), j)
	require.NoError(t, err)

	p, _ := res.Port(31337, domain.TCP)
	assert.Equal(t, domain.StateFiltered, p.State)
	assert.Equal(t, "no-response", p.Reason)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 3, network.SentMatching(func(p *packet.Packet) bool { return p.TCP != nil && p.TCP.DstPort == 31337 }))
	// 20ms + 40ms + 80ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestSYNAdminProhibitedIsFiltered(t *testing.T) {
	host := &packettest.Host{Addr: target}
	prohibited := func(p *packet.Packet) []byte { return host.Unreachable(p, 13) }
	s, _ := newScanner(t, packettest.New(packettest.ToTCPPort(target, 445, prohibited)))

	res, err := s.Scan(context.Background(), job(tcp(445), domain.VariantSYN))
	require.NoError(t, err)
	p, _ := res.Port(445, domain.TCP)
	assert.Equal(t, domain.StateFiltered, p.State)
	assert.Contains(t, p.Reason, "code 13")
	assert.Equal(t, 1, p.Attempts)
}

func TestUDPClassification(t *testing.T) {
	host := &packettest.Host{Addr: target}
	network := packettest.New(
		packettest.ToUDPPort(target, 53, func(p *packet.Packet) []byte { return host.UDPReply(p, []byte("answer")) }),
		packettest.ToUDPPort(target, 69, func(p *packet.Packet) []byte { return host.Unreachable(p, 3) }),
	)
	s, _ := newScanner(t, network)

	res, err := s.Scan(context.Background(), job(udp(53, 69, 500), domain.VariantUDP))
	require.NoError(t, err)

	want := map[uint16]domain.PortState{
		53:  domain.StateOpen,
		69:  domain.StateClosed,
		500: domain.StateOpenFiltered,
	}
	for port, st := range want {
		p, ok := res.Port(port, domain.UDP)
		require.True(t, ok)
		assert.Equal(t, st, p.State, "port %d", port)
	}

	dnsProbes := network.SentMatching(func(p *packet.Packet) bool {
		return p.UDP != nil && p.UDP.DstPort == 53 && len(p.Payload) > 12
	})
	assert.Equal(t, 1, dnsProbes, "dns port gets a real query")
}

func TestUDPSilencePolicy(t *testing.T) {
	s, _ := newScanner(t, packettest.New())
	j := job(udp(161), domain.VariantUDP)
	j.Config.Retries = 0
	j.Config.UDPNoResponse = domain.UDPFiltered

	res, err := s.Scan(context.Background(), j)
	require.NoError(t, err)
	p, _ := res.Port(161, domain.UDP)
	assert.Equal(t, domain.StateFiltered, p.State)
}

func TestPartialJobConfigKeepsCallerFields(t *testing.T) {
	s, _ := newScanner(t, packettest.New())
	j := job(udp(161), domain.VariantUDP)
	j.Config = domain.ScanConfig{UDPNoResponse: domain.UDPOpen}

	res, err := s.Scan(context.Background(), j)
	require.NoError(t, err)
	p, _ := res.Port(161, domain.UDP)
	assert.Equal(t, domain.StateOpen, p.State)
	assert.Equal(t, 1, p.Attempts)
}

func TestResultsKeepSubmissionOrder(t *testing.T) {
	host := &packettest.Host{Addr: target}
	network := packettest.New(
		packettest.ToTCPPort(target, 80, host.SynAck),
		packettest.ToTCPPort(target, 81, host.Rst),
	)
	network.Delay = 5 * time.Millisecond
	s, _ := newScanner(t, network)

	ports := tcp(1000, 81, 80, 2000, 443)
	res, err := s.Scan(context.Background(), job(ports, domain.VariantSYN))
	require.NoError(t, err)
	require.Len(t, res.Ports, len(ports))
	for i, p := range ports {
		assert.Equal(t, p, res.Ports[i].Port)
		assert.True(t, res.Ports[i].State.IsTerminal())
	}
}

func TestCancellationReturnsPartialResults(t *testing.T) {
	host := &packettest.Host{Addr: target}
	var responders []packettest.Responder
	answered := []uint16{1, 2, 3}
	for _, p := range answered {
		responders = append(responders, packettest.ToTCPPort(target, p, host.Rst))
	}
	network := packettest.New(responders...)
	s, eng := newScanner(t, network)

	j := job(tcp(1, 2, 3, 4, 5, 6, 7), domain.VariantSYN)
	j.Config.Timeout = 10 * time.Second
	j.Config.MaxTimeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.PortResult, len(j.Ports))
	done := make(chan struct{})
	var (
		res *domain.ScanResult
		err error
	)
	go func() {
		defer close(done)
		res, err = s.ScanStream(ctx, j, out)
	}()

	for range answered {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatal("answered ports were not streamed")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}

	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrCancelled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	counts := res.Counts()
	assert.Equal(t, 3, counts[domain.StateClosed])
	assert.Equal(t, 4, counts[domain.StateUnknown])
	assert.Equal(t, 0, eng.HandlesInUse())
	assert.Equal(t, 0, eng.Subscribers())
}

func TestPermissionDeniedAbortsJob(t *testing.T) {
	network := packettest.New()
	network.OpenErr = syscall.EPERM
	s, eng := newScanner(t, network)

	res, err := s.Scan(context.Background(), job(tcp(22, 80, 443), domain.VariantSYN))
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Err)
	for _, p := range res.Ports {
		assert.Equal(t, domain.StateUnknown, p.State)
	}
	assert.Equal(t, 0, eng.HandlesInUse())
}

func TestRawVariantWithoutEngine(t *testing.T) {
	s := scanner.New(logger.Discard(), fastConfig())
	res, err := s.Scan(context.Background(), job(tcp(22), domain.VariantSYN))
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
	require.NotNil(t, res)
	assert.Len(t, res.Ports, 1)
}

func TestInvalidJob(t *testing.T) {
	s := scanner.New(logger.Discard(), fastConfig())
	_, err := s.Scan(context.Background(), job(udp(53), domain.VariantConnect))
	assert.ErrorIs(t, err, sonarerr.ErrMalformedRequest)

	_, err = s.Scan(context.Background(), job(nil, domain.VariantConnect))
	assert.ErrorIs(t, err, sonarerr.ErrMalformedRequest)
}

func TestDiscoveryVerdicts(t *testing.T) {
	t.Run("silent host is down", func(t *testing.T) {
		s, _ := newScanner(t, packettest.New())
		j := job(tcp(22), domain.VariantSYN)
		j.SkipDiscovery = false
		j.Config.Retries = 0
		res, err := s.Scan(context.Background(), j)
		require.NoError(t, err)
		assert.Equal(t, domain.HostDown, res.Host.State)
		assert.Len(t, res.Host.Evidence, 3)
	})

	t.Run("tcp fallback when icmp is filtered", func(t *testing.T) {
		host := &packettest.Host{Addr: target}
		s, _ := newScanner(t, packettest.New(packettest.ToTCPPort(target, 443, host.Rst)))
		j := job(tcp(22), domain.VariantSYN)
		j.SkipDiscovery = false
		j.Config.Retries = 0
		res, err := s.Scan(context.Background(), j)
		require.NoError(t, err)
		assert.Equal(t, domain.HostUp, res.Host.State)
		assert.Equal(t, "tcp-syn/443", res.Host.Evidence[len(res.Host.Evidence)-1].Probe)
	})

	t.Run("unknown when probes cannot run", func(t *testing.T) {
		s := scanner.New(logger.Discard(), fastConfig())
		j := job(tcp(22), domain.VariantConnect)
		j.Target = domain.NewTarget(netip.MustParseAddr("192.0.2.1"))
		j.SkipDiscovery = false
		j.Config.DiscoveryPorts = nil
		j.Config.Retries = 0
		res, err := s.Scan(context.Background(), j)
		require.NoError(t, err)
		assert.Equal(t, domain.HostUnknown, res.Host.State)
	})
}

func TestConnectVariant(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	open := uint16(ln.Addr().(*net.TCPAddr).Port)

	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := uint16(closedLn.Addr().(*net.TCPAddr).Port)
	closedLn.Close()

	s := scanner.New(logger.Discard(), fastConfig())
	j := job(tcp(open, closed), domain.VariantConnect)
	j.Target = domain.NewTarget(netip.MustParseAddr("127.0.0.1"))
	j.Config.Timeout = time.Second

	res, err := s.Scan(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, res.Ports[0].State)
	assert.Equal(t, domain.StateClosed, res.Ports[1].State)
	assert.Equal(t, domain.VariantConnect, res.Ports[0].Variant)
}

func TestUDPPayloads(t *testing.T) {
	assert.NotEmpty(t, scanner.UDPPayload(53))
	assert.Len(t, scanner.UDPPayload(123), 48)
	snmp := scanner.UDPPayload(161)
	require.Len(t, snmp, 43)
	assert.Equal(t, byte(0x30), snmp[0])
	assert.Equal(t, int(snmp[1]), len(snmp)-2)
	assert.Nil(t, scanner.UDPPayload(40000))
}
