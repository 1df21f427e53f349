package scanner

import (
	"context"
	"fmt"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"
)

func (s *Scanner) probeUDP(ctx context.Context, job domain.ScanJob, th *throttle.Controller, spec domain.PortSpec) (domain.PortResult, error) {
	pr := domain.PortResult{Port: spec, Variant: domain.VariantUDP}
	dst := job.Target.Addr
	src, err := s.packets.Source(dst)
	if err != nil {
		pr.State, pr.Reason = domain.StateFiltered, "no-route"
		pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: "route", Kind: sonarerr.KindOf(err), Error: err.Error()})
		return pr, nil
	}
	payload := UDPPayload(spec.Port)

	for attempt := 0; attempt <= job.Config.Retries; attempt++ {
		slot, err := th.Acquire(ctx)
		if err != nil {
			return pr, err
		}
		sport := s.packets.EphemeralPort()
		raw, err := packet.Build(packet.KindUDP, packet.Fields{
			Src: src, Dst: dst, IPID: s.packets.NextIPID(),
			SrcPort: sport, DstPort: spec.Port, Payload: payload,
		})
		if err != nil {
			slot.Release()
			return pr, err
		}

		pr.Attempts++
		s.metrics.RecordProbe(string(domain.VariantUDP))
		match := packet.Any(
			packet.UDPFrom(dst, spec.Port, sport),
			packet.ICMPErrorFor(dst, packet.ProtoUDP, sport, spec.Port),
		)
		reply, rtt, err := s.packets.Exchange(ctx, raw, dst, match, job.Config.AttemptTimeout(attempt))
		if err != nil {
			if classifyErr(err, slot, &pr, "udp") == attemptAbort {
				return pr, err
			}
			continue
		}
		slot.Report(throttle.Success, rtt)
		s.metrics.RecordRTT(string(domain.VariantUDP), rtt)

		if reply.UDP != nil {
			pr.State, pr.Reason = domain.StateOpen, "udp-response"
			if len(reply.Payload) > 0 {
				pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: "udp", Detail: fmt.Sprintf("%d byte reply", len(reply.Payload))})
			}
			pr.RTT, pr.TTL = rtt, reply.TTL
			return pr, nil
		}
		switch reply.Unreachable() {
		case packet.UnreachPort:
			pr.State, pr.Reason = domain.StateClosed, "port-unreach"
			pr.RTT, pr.TTL = rtt, reply.TTL
			return pr, nil
		case packet.UnreachFiltered:
			pr.State = domain.StateFiltered
			pr.Reason = fmt.Sprintf("icmp-unreach code %d from %s", reply.ICMP.Code, reply.Src)
			pr.RTT, pr.TTL = rtt, reply.TTL
			return pr, nil
		}
		pr.Evidence = append(pr.Evidence, domain.Evidence{
			Probe:  "udp",
			Kind:   sonarerr.Unreachable,
			Detail: fmt.Sprintf("icmp type %d code %d from %s", reply.ICMP.Type, reply.ICMP.Code, reply.Src),
		})
	}
	pr.State, pr.Reason = job.Config.UDPNoResponse.State(), "no-response"
	return pr, nil
}
