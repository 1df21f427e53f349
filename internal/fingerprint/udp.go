package fingerprint

import (
	"context"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
)

// Feature names emitted by the UDP battery.
const (
	FeatUnreach           = "udp.unreach"
	FeatQuoteLen          = "udp.quote_len"
	FeatQuoteIPIDIntact   = "udp.quote_ipid_intact"
	FeatQuoteLenIntact    = "udp.quote_len_intact"
	FeatUnreachTTLInitial = "udp.unreach_ttl_initial"
	FeatUnreachDF         = "udp.unreach_df"
)

// udpClosed sends the U1 datagram to a port expected to be closed and
// inspects how the port unreachable quotes it.
func (r *run) udpClosed(ctx context.Context) error {
	t := template("U1")
	port := r.f.Config.ClosedUDPPort
	sport := r.f.packets.EphemeralPort()
	f := packet.Fields{
		Src: r.src, Dst: r.target.Addr, IPID: t.IPID,
		SrcPort: sport, DstPort: port, Payload: t.payload(),
	}
	raw, err := packet.Build(packet.KindUDP, f)
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.Any(
		packet.ICMPErrorFor(r.target.Addr, packet.ProtoUDP, sport, port),
		packet.UDPFrom(r.target.Addr, port, sport),
	))
	if err != nil {
		r.record(t, 1, 0, 0, err.Error())
		return err
	}
	fv := domain.FeatureVector{}
	switch {
	case reply == nil:
		r.record(t, 1, 0, 0, "no reply")
		fv.SetBool(FeatUnreach, false)
	case reply.UDP != nil:
		r.record(t, 1, 1, rtt, "port answered, not closed")
		return nil
	default:
		r.record(t, 1, 1, rtt, "")
		fv.SetBool(FeatUnreach, reply.Unreachable() == packet.UnreachPort)
		fv.SetNum(FeatUnreachTTLInitial, float64(InitialTTL(reply.TTL)))
		fv.SetBool(FeatUnreachDF, reply.DF)
		if q := reply.ICMP.Quoted; q != nil {
			fv.SetNum(FeatQuoteLen, float64(q.Length))
			if q.Version == 4 {
				fv.SetBool(FeatQuoteIPIDIntact, q.IPID == t.IPID)
			}
			fv.SetBool(FeatQuoteLenIntact, int(q.TotalLen) == len(raw))
		}
	}
	r.set(fv)
	return nil
}
