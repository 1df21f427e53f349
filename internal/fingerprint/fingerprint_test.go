package fingerprint_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"bytemomo/sonar/internal/adapter/logger"
	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/fingerprint"
	"bytemomo/sonar/internal/match"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/packet/packettest"
	"bytemomo/sonar/internal/sigdb"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = netip.MustParseAddr("10.0.0.1")
	target = netip.MustParseAddr("10.0.0.2")
)

func fastConfig() domain.FingerprintConfig {
	cfg := domain.DefaultFingerprintConfig()
	cfg.Timeout = 60 * time.Millisecond
	cfg.SeqProbes = 4
	cfg.SeqInterval = 5 * time.Millisecond
	cfg.SkewSamples = 5
	cfg.SkewInterval = 20 * time.Millisecond
	cfg.Banner = false
	return cfg
}

func only(b fingerprint.Battery) domain.FingerprintConfig {
	cfg := fastConfig()
	cfg.TCP = b == fingerprint.BatteryTCP
	cfg.ICMP = b == fingerprint.BatteryICMP
	cfg.UDP = b == fingerprint.BatteryUDP
	cfg.ClockSkew = b == fingerprint.BatteryClock
	cfg.Banner = b == fingerprint.BatteryBanner
	return cfg
}

func newEngine(t *testing.T, network *packettest.Network) *packet.Engine {
	t.Helper()
	eng, err := packet.NewEngine(logger.Discard(), network, packet.WithRouter(packet.StaticRouter{V4: local}))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func linuxHost() *packettest.Host {
	return &packettest.Host{
		Addr:   target,
		TTL:    61,
		Window: 64240,
		Options: []packet.TCPOption{
			packet.MSS(1460), packet.SACKPermitted(), packet.Timestamp(0, 0), packet.NOP(), packet.WScale(7),
		},
		ISN:     1000,
		ISNStep: 64000,
		DF:      true,
		TSHz:    1000,
	}
}

func linuxNetwork(h *packettest.Host) *packettest.Network {
	return packettest.New(
		packettest.ToTCPPort(target, 22, h.SynAck),
		packettest.ToTCPPort(target, 9999, h.Rst),
		packettest.ToEcho(target, h.EchoReply),
		packettest.ToUDPPort(target, 40125, func(p *packet.Packet) []byte { return h.Unreachable(p, 3) }),
	)
}

func feature(t *testing.T, data *domain.FingerprintData, name string) domain.Value {
	t.Helper()
	v, ok := data.Features.Get(name)
	require.True(t, ok, "feature %s missing", name)
	return v
}

func TestFingerprintLinuxStack(t *testing.T) {
	h := linuxHost()
	eng := newEngine(t, linuxNetwork(h))
	fp := fingerprint.New(logger.Discard(), eng, fastConfig())

	data, err := fp.Fingerprint(context.Background(), domain.NewTarget(target), 22, 9999, false)
	require.NoError(t, err)

	assert.Equal(t, 61.0, feature(t, data, fingerprint.FeatTTL).Num)
	assert.Equal(t, 64.0, feature(t, data, fingerprint.FeatTTLInitial).Num)
	assert.Equal(t, 64240.0, feature(t, data, fingerprint.FeatWindow).Num)
	assert.Equal(t, "M,S,T,N,W", feature(t, data, fingerprint.FeatOptions).Str)
	assert.Equal(t, 1460.0, feature(t, data, fingerprint.FeatMSS).Num)
	assert.Equal(t, 7.0, feature(t, data, fingerprint.FeatWScale).Num)
	assert.True(t, feature(t, data, fingerprint.FeatSACK).Bool)
	assert.True(t, feature(t, data, fingerprint.FeatTimestamp).Bool)
	assert.True(t, feature(t, data, fingerprint.FeatDF).Bool)
	assert.Equal(t, fingerprint.ISNIncremental, feature(t, data, fingerprint.FeatISNPattern).Str)
	assert.Equal(t, 64000.0, feature(t, data, fingerprint.FeatISNGCD).Num)
	assert.Equal(t, fingerprint.IPIDIncremental, feature(t, data, fingerprint.FeatIPIDPattern).Str)

	assert.Equal(t, 0.0, feature(t, data, fingerprint.FeatRSTWindow).Num)
	assert.True(t, feature(t, data, fingerprint.FeatRSTDF).Bool)

	assert.Equal(t, 64.0, feature(t, data, fingerprint.FeatEchoTTLInitial).Num)
	assert.True(t, feature(t, data, fingerprint.FeatEchoPayload).Bool)
	assert.False(t, feature(t, data, fingerprint.FeatTimestampReply).Bool)

	assert.True(t, feature(t, data, fingerprint.FeatUnreach).Bool)
	assert.Equal(t, 28.0, feature(t, data, fingerprint.FeatQuoteLen).Num)
	assert.True(t, feature(t, data, fingerprint.FeatQuoteIPIDIntact).Bool)
	assert.True(t, feature(t, data, fingerprint.FeatQuoteLenIntact).Bool)

	assert.Equal(t, 1000.0, feature(t, data, fingerprint.FeatClockHZ).Num)
	require.NotNil(t, data.ClockSkew)
	assert.Equal(t, 5, data.ClockSkew.Samples)

	assert.Equal(t, uint16(22), data.OpenPort)
	assert.Equal(t, uint16(9999), data.ClosedPort)
	require.NotEmpty(t, data.Probes)
	assert.Equal(t, "SEQ", data.Probes[0].Template)
	assert.Zero(t, eng.HandlesInUse())
	assert.Zero(t, eng.Subscribers())

	db, err := sigdb.New(context.Background(), logger.Discard(), sigdb.BuiltinLoader{})
	require.NoError(t, err)
	ranked := match.Rank(data.Features, db.Snapshot().OS(), match.OSOptions(domain.DefaultEngineConfig().Match))
	require.NotEmpty(t, ranked)
	assert.Equal(t, "linux-5", ranked[0].Signature.ID)
	assert.Greater(t, ranked[0].Score, 0.8)
}

func TestFingerprintSilentICMPLeavesEchoFeaturesUnset(t *testing.T) {
	h := linuxHost()
	network := packettest.New(packettest.ToTCPPort(target, 22, h.SynAck))
	fp := fingerprint.New(logger.Discard(), newEngine(t, network), fastConfig())

	data, err := fp.Fingerprint(context.Background(), domain.NewTarget(target), 22, 0, false)
	require.NoError(t, err)

	_, ok := data.Features.Get(fingerprint.FeatEchoTTLInitial)
	assert.False(t, ok)
	_, ok = data.Features.Get(fingerprint.FeatRSTWindow)
	assert.False(t, ok, "no closed port was given")
	assert.False(t, feature(t, data, fingerprint.FeatUnreach).Bool)
	assert.Equal(t, 64.0, feature(t, data, fingerprint.FeatTTLInitial).Num)
}

func TestFingerprintWithoutTimestamps(t *testing.T) {
	h := &packettest.Host{Addr: target, TTL: 120, Window: 8192, Options: []packet.TCPOption{packet.MSS(1460)}}
	network := packettest.New(packettest.ToTCPPort(target, 445, h.SynAck))
	fp := fingerprint.New(logger.Discard(), newEngine(t, network), only(fingerprint.BatteryClock))

	data, err := fp.Fingerprint(context.Background(), domain.NewTarget(target), 445, 0, false)
	require.NoError(t, err)
	assert.Nil(t, data.ClockSkew)
	_, ok := data.Features.Get(fingerprint.FeatClockHZ)
	assert.False(t, ok)
	require.Len(t, data.Probes, 1)
	assert.Equal(t, "peer does not send timestamps", data.Probes[0].Note)
}

func TestFingerprintActiveProbes(t *testing.T) {
	respond := func(p *packet.Packet) [][]byte {
		if p.TCP == nil || p.Dst != target || p.TCP.DstPort != 80 {
			return nil
		}
		flags := packet.RST | packet.ACK
		if p.TCP.Flags.Has(packet.SYN | packet.ECE | packet.CWR) {
			flags = packet.SYN | packet.ACK | packet.ECE
		}
		raw, err := packet.Build(packet.KindTCP, packet.Fields{
			Src: target, Dst: p.Src, TTL: 64, SrcPort: 80, DstPort: p.TCP.SrcPort,
			Ack: p.TCP.Seq + 1, Flags: flags, Window: 512,
		})
		if err != nil {
			panic(err)
		}
		return [][]byte{raw}
	}
	network := packettest.New(respond)
	cfg := only(0)
	fp := fingerprint.New(logger.Discard(), newEngine(t, network), cfg)

	data, err := fp.Fingerprint(context.Background(), domain.NewTarget(target), 80, 0, true)
	require.NoError(t, err)

	assert.Equal(t, "AR", feature(t, data, "tcp.t2_flags").Str)
	assert.Equal(t, "AR", feature(t, data, "tcp.t3_flags").Str)
	assert.Equal(t, 512.0, feature(t, data, "tcp.t4_window").Num)
	assert.Equal(t, "SAE", feature(t, data, "tcp.ecn_flags").Str)
	assert.True(t, feature(t, data, fingerprint.FeatECNEcho).Bool)

	skipped := 0
	for _, p := range data.Probes {
		if p.Sent == 0 {
			skipped++
			assert.Contains(t, []string{"T5", "T6", "T7"}, p.Template)
		}
	}
	assert.Equal(t, 3, skipped)
	// the SYN/ACK to the ECN probe is torn down
	assert.Equal(t, 1, network.SentMatching(func(p *packet.Packet) bool {
		return p.TCP != nil && p.TCP.Flags == packet.RST
	}))
}

func TestFingerprintBannerHints(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("SSH-2.0-OpenSSH_9.6p1 Ubuntu-3ubuntu13\r\n"))
			c.Close()
		}
	}()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	cfg := only(fingerprint.BatteryBanner)
	fp := fingerprint.New(logger.Discard(), newEngine(t, packettest.New()), cfg)
	data, err := fp.Fingerprint(context.Background(), domain.NewTarget(netip.MustParseAddr("127.0.0.1")), port, 0, false)
	require.NoError(t, err)

	assert.True(t, feature(t, data, fingerprint.FeatBannerTokens).HasToken("openssh"))
	assert.Equal(t, "linux", feature(t, data, fingerprint.FeatOSHint).Str)
}

func TestFingerprintRequests(t *testing.T) {
	fp := fingerprint.New(logger.Discard(), newEngine(t, packettest.New()), fastConfig())
	tgt := domain.NewTarget(target)

	_, err := fp.Fingerprint(context.Background(), tgt, 0, 0, false)
	assert.Equal(t, sonarerr.MalformedRequest, sonarerr.KindOf(err))

	_, err = fp.Fingerprint(context.Background(), tgt, 80, 80, false)
	assert.Equal(t, sonarerr.MalformedRequest, sonarerr.KindOf(err))

	_, err = fp.Fingerprint(context.Background(), domain.Target{}, 80, 0, false)
	assert.Equal(t, sonarerr.MalformedRequest, sonarerr.KindOf(err))

	noRaw := fingerprint.New(logger.Discard(), nil, fastConfig())
	_, err = noRaw.Fingerprint(context.Background(), tgt, 80, 0, false)
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
}

func TestFingerprintCancellationReleasesResources(t *testing.T) {
	network := packettest.New() // silent
	eng := newEngine(t, network)
	cfg := fastConfig()
	cfg.Timeout = 5 * time.Second
	fp := fingerprint.New(logger.Discard(), eng, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	data, err := fp.Fingerprint(ctx, domain.NewTarget(target), 22, 9999, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrCancelled)
	assert.NotNil(t, data)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, eng.HandlesInUse())
	assert.Eventually(t, func() bool { return eng.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
