package scanner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/pkg/sonarerr"
)

const echoPayloadLen = 32

// discovery accumulates the verdict of the liveness probes.
type discovery struct {
	status  domain.HostStatus
	ran     int
	skipped int
}

func (d *discovery) up(probe, detail string, rtt time.Duration) {
	if d.status.State != domain.HostUp {
		d.status.RTT = rtt
	}
	d.status.State = domain.HostUp
	d.status.Evidence = append(d.status.Evidence, domain.Evidence{Probe: probe, Detail: detail})
}

func (d *discovery) silent(probe string) {
	d.ran++
	d.status.Evidence = append(d.status.Evidence, domain.Evidence{Probe: probe, Kind: sonarerr.Timeout, Detail: "no response"})
}

func (d *discovery) skip(probe string, err error) {
	d.skipped++
	d.status.Evidence = append(d.status.Evidence, domain.Evidence{Probe: probe, Kind: sonarerr.KindOf(err), Error: err.Error()})
}

func (d *discovery) record(probe string, err error) {
	if sonarerr.KindOf(err) == sonarerr.Timeout {
		d.silent(probe)
		return
	}
	d.skip(probe, err)
}

// discover decides host liveness. It stops at the first positive answer.
// The host is Down only when every probe ran and none was answered; when
// some probe could not run the verdict stays Unknown.
func (s *Scanner) discover(ctx context.Context, job domain.ScanJob) domain.HostStatus {
	d := &discovery{status: domain.HostStatus{State: domain.HostUnknown}}
	addr := job.Target.Addr
	timeout := job.Config.DiscoveryTimeout
	if timeout <= 0 {
		timeout = job.Config.Timeout
	}

	if job.Config.ARP && addr.Is4() {
		s.discoverARP(ctx, d, addr, timeout)
		if d.status.State == domain.HostUp {
			return d.status
		}
	}

	if s.packets != nil {
		s.discoverEcho(ctx, d, addr, timeout)
		if d.status.State == domain.HostUp {
			return d.status
		}
	} else {
		d.skip("icmp-echo", sonarerr.E(sonarerr.PermissionDenied, "discovery", "raw sockets unavailable", nil))
	}

	for _, port := range job.Config.DiscoveryPorts {
		if ctx.Err() != nil {
			d.skip("tcp", sonarerr.FromOS("discovery", ctx.Err()))
			break
		}
		if s.packets != nil {
			s.discoverSYN(ctx, d, addr, port, timeout)
		} else {
			s.discoverConnect(ctx, d, addr, port, timeout)
		}
		if d.status.State == domain.HostUp {
			return d.status
		}
	}

	if d.skipped == 0 && d.ran > 0 {
		d.status.State = domain.HostDown
	}
	return d.status
}

func (s *Scanner) discoverARP(ctx context.Context, d *discovery, addr netip.Addr, timeout time.Duration) {
	if s.arp == nil {
		d.skip("arp", sonarerr.E(sonarerr.Config, "discovery", "arp resolver not configured", nil))
		return
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	mac, err := s.arp.Resolve(actx, addr)
	if err != nil {
		if sonarerr.KindOf(err) == sonarerr.Unreachable {
			// off-link targets are left to the other probes
			d.status.Evidence = append(d.status.Evidence, domain.Evidence{Probe: "arp", Kind: sonarerr.Unreachable, Error: err.Error()})
			return
		}
		d.record("arp", err)
		return
	}
	d.status.MAC = mac.String()
	d.up("arp", "is-at "+mac.String(), time.Since(start))
}

func (s *Scanner) discoverEcho(ctx context.Context, d *discovery, addr netip.Addr, timeout time.Duration) {
	src, err := s.packets.Source(addr)
	if err != nil {
		d.skip("icmp-echo", err)
		return
	}
	id, seq := uint16(rand.Uint32()), uint16(1)
	raw, err := packet.Build(packet.KindICMPEcho, packet.Fields{
		Src: src, Dst: addr, IPID: s.packets.NextIPID(),
		ICMPID: id, ICMPSeq: seq, Payload: make([]byte, echoPayloadLen),
	})
	if err != nil {
		d.skip("icmp-echo", err)
		return
	}
	s.metrics.RecordProbe("icmp-echo")
	reply, rtt, err := s.packets.Exchange(ctx, raw, addr,
		packet.Any(packet.EchoReplyFrom(addr, id, seq), packet.ICMPEchoErrorFor(addr, id, seq)), timeout)
	if err != nil {
		d.record("icmp-echo", err)
		return
	}
	if reply.IsEchoReply() {
		d.up("icmp-echo", fmt.Sprintf("echo reply ttl %d", reply.TTL), rtt)
		return
	}
	// an error about our echo from the target itself still proves it is up
	if reply.Src == addr {
		d.up("icmp-echo", fmt.Sprintf("icmp type %d code %d", reply.ICMP.Type, reply.ICMP.Code), rtt)
		return
	}
	d.ran++
	d.status.Evidence = append(d.status.Evidence, domain.Evidence{
		Probe:  "icmp-echo",
		Kind:   sonarerr.Unreachable,
		Detail: fmt.Sprintf("icmp type %d code %d from %s", reply.ICMP.Type, reply.ICMP.Code, reply.Src),
	})
}

func (s *Scanner) discoverSYN(ctx context.Context, d *discovery, addr netip.Addr, port uint16, timeout time.Duration) {
	probe := fmt.Sprintf("tcp-syn/%d", port)
	src, err := s.packets.Source(addr)
	if err != nil {
		d.skip(probe, err)
		return
	}
	sport := s.packets.EphemeralPort()
	isn := rand.Uint32()
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: src, Dst: addr, IPID: s.packets.NextIPID(),
		SrcPort: sport, DstPort: port, Seq: isn, Flags: packet.SYN, Window: synWindow,
	})
	if err != nil {
		d.skip(probe, err)
		return
	}
	s.metrics.RecordProbe("discovery")
	reply, rtt, err := s.packets.Exchange(ctx, raw, addr, packet.TCPFrom(addr, port, sport), timeout)
	if err != nil {
		d.record(probe, err)
		return
	}
	if reply.TCP.Flags.Has(packet.SYN | packet.ACK) {
		s.reset(ctx, src, addr, sport, port, isn+1)
	}
	d.up(probe, "tcp "+reply.TCP.Flags.String(), rtt)
}

func (s *Scanner) discoverConnect(ctx context.Context, d *discovery, addr netip.Addr, port uint16, timeout time.Duration) {
	probe := fmt.Sprintf("tcp-connect/%d", port)
	state, reason, rtt, err := s.dial(ctx, netip.AddrPortFrom(addr, port).String(), timeout)
	switch state {
	case domain.StateOpen, domain.StateClosed:
		d.up(probe, reason, rtt)
	case domain.StateFiltered:
		d.ran++
		d.status.Evidence = append(d.status.Evidence, domain.Evidence{Probe: probe, Kind: sonarerr.KindOf(err), Error: err.Error()})
	default:
		d.record(probe, err)
	}
}
