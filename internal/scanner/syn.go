package scanner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"
)

const synWindow = 1024

func (s *Scanner) probeSYN(ctx context.Context, job domain.ScanJob, th *throttle.Controller, spec domain.PortSpec) (domain.PortResult, error) {
	pr := domain.PortResult{Port: spec, Variant: domain.VariantSYN}
	dst := job.Target.Addr
	src, err := s.packets.Source(dst)
	if err != nil {
		pr.State, pr.Reason = domain.StateFiltered, "no-route"
		pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: "route", Kind: sonarerr.KindOf(err), Error: err.Error()})
		return pr, nil
	}

	for attempt := 0; attempt <= job.Config.Retries; attempt++ {
		slot, err := th.Acquire(ctx)
		if err != nil {
			return pr, err
		}
		sport := s.packets.EphemeralPort()
		isn := rand.Uint32()
		raw, err := packet.Build(packet.KindTCP, packet.Fields{
			Src: src, Dst: dst, IPID: s.packets.NextIPID(),
			SrcPort: sport, DstPort: spec.Port, Seq: isn,
			Flags: packet.SYN, Window: synWindow,
			Options: []packet.TCPOption{packet.MSS(1460)},
		})
		if err != nil {
			slot.Release()
			return pr, err
		}

		pr.Attempts++
		s.metrics.RecordProbe(string(domain.VariantSYN))
		match := packet.Any(
			packet.TCPFrom(dst, spec.Port, sport),
			packet.ICMPErrorFor(dst, packet.ProtoTCP, sport, spec.Port),
		)
		reply, rtt, err := s.packets.Exchange(ctx, raw, dst, match, job.Config.AttemptTimeout(attempt))
		if err != nil {
			if classifyErr(err, slot, &pr, "syn") == attemptAbort {
				return pr, err
			}
			continue
		}
		slot.Report(throttle.Success, rtt)
		s.metrics.RecordRTT(string(domain.VariantSYN), rtt)

		if done := s.classifySYN(ctx, &pr, reply, src, dst, sport, isn); done {
			pr.RTT, pr.TTL = rtt, reply.TTL
			return pr, nil
		}
	}
	pr.State, pr.Reason = domain.StateFiltered, "no-response"
	return pr, nil
}

// classifySYN applies one reply to the port. It returns false when the
// reply is only evidence and the port needs another attempt.
func (s *Scanner) classifySYN(ctx context.Context, pr *domain.PortResult, reply *packet.Packet, src, dst netip.Addr, sport uint16, isn uint32) bool {
	if t := reply.TCP; t != nil {
		switch {
		case t.Flags.Has(packet.SYN | packet.ACK):
			pr.State, pr.Reason = domain.StateOpen, "syn-ack"
			s.reset(ctx, src, dst, sport, pr.Port.Port, isn+1)
			return true
		case t.Flags.Has(packet.RST):
			pr.State, pr.Reason = domain.StateClosed, "reset"
			return true
		}
		pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: "syn", Detail: "unexpected tcp flags " + t.Flags.String()})
		return false
	}

	switch reply.Unreachable() {
	case packet.UnreachPort, packet.UnreachFiltered:
		pr.State = domain.StateFiltered
		pr.Reason = fmt.Sprintf("icmp-unreach code %d from %s", reply.ICMP.Code, reply.Src)
		return true
	}
	pr.Evidence = append(pr.Evidence, domain.Evidence{
		Probe:  "syn",
		Kind:   sonarerr.Unreachable,
		Detail: fmt.Sprintf("icmp type %d code %d from %s", reply.ICMP.Type, reply.ICMP.Code, reply.Src),
	})
	return false
}

// reset tears down the half-open connection so the target never completes
// the handshake.
func (s *Scanner) reset(ctx context.Context, src, dst netip.Addr, sport, dport uint16, seq uint32) {
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: src, Dst: dst, IPID: s.packets.NextIPID(),
		SrcPort: sport, DstPort: dport, Seq: seq, Flags: packet.RST,
	})
	if err == nil {
		err = s.packets.Send(ctx, raw, dst)
	}
	if err != nil {
		s.Log.WithError(err).WithField("port", dport).Debug("Failed to send RST after SYN/ACK")
	}
}
