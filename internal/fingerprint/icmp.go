package fingerprint

import (
	"bytes"
	"context"
	"math/rand/v2"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
)

// Feature names emitted by the ICMP batteries.
const (
	FeatEchoTTL        = "icmp.echo_ttl"
	FeatEchoTTLInitial = "icmp.echo_ttl_initial"
	FeatEchoDF         = "icmp.echo_df"
	FeatEchoPayload    = "icmp.echo_payload"
	FeatEchoIPIDZero   = "icmp.echo_ipid_zero"
	FeatTimestampReply = "icmp.timestamp_reply"
	FeatEchoCode       = "icmp.echo_code_echoed"
	FeatEchoTOS        = "icmp.echo_tos_echoed"
	FeatEchoDFEchoed   = "icmp.echo_df_echoed"
)

func (r *run) echoFields(t ProbeTemplate, id, seq uint16) packet.Fields {
	return packet.Fields{
		Src: r.src, Dst: r.target.Addr, IPID: r.f.packets.NextIPID(),
		DontFragment: t.DF, TOS: t.TOS, ICMPID: id, ICMPSeq: seq, ICMPCode: t.ICMPCode,
		Payload: t.payload(),
	}
}

// icmpEcho sends one echo request and, on IPv4, one timestamp request. A
// silent echo leaves every echo feature unset so matching falls back to the
// other batteries.
func (r *run) icmpEcho(ctx context.Context) error {
	ie := template("IE")
	id, seq := uint16(rand.Uint32()), uint16(1)
	f := r.echoFields(ie, id, seq)
	raw, err := packet.Build(packet.KindICMPEcho, f)
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.EchoReplyFrom(r.target.Addr, id, seq))
	switch {
	case err != nil:
		r.record(ie, 1, 0, 0, err.Error())
		if isAbort(err) {
			return err
		}
	case reply == nil:
		r.record(ie, 1, 0, 0, "no reply")
	default:
		r.record(ie, 1, 1, rtt, "")
		fv := domain.FeatureVector{}
		fv.SetNum(FeatEchoTTL, float64(reply.TTL))
		fv.SetNum(FeatEchoTTLInitial, float64(InitialTTL(reply.TTL)))
		fv.SetBool(FeatEchoDF, reply.DF)
		fv.SetBool(FeatEchoPayload, bytes.Equal(reply.ICMP.Body, f.Payload))
		if reply.Version == 4 {
			fv.SetBool(FeatEchoIPIDZero, reply.IPID == 0)
		}
		r.set(fv)
	}

	if !r.target.Addr.Is4() {
		return nil
	}
	return r.icmpTimestamp(ctx)
}

func (r *run) icmpTimestamp(ctx context.Context) error {
	ts := template("TS")
	id, seq := uint16(rand.Uint32()), uint16(2)
	raw, err := packet.Build(packet.KindICMPTimestamp, r.echoFields(ts, id, seq))
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.TimestampReplyFrom(r.target.Addr, id, seq))
	if err != nil {
		r.record(ts, 1, 0, 0, err.Error())
		return err
	}
	fv := domain.FeatureVector{}
	fv.SetBool(FeatTimestampReply, reply != nil)
	r.set(fv)
	if reply == nil {
		r.record(ts, 1, 0, 0, "no reply")
		return nil
	}
	r.record(ts, 1, 1, rtt, "")
	return nil
}

// icmpActive sends an echo with a non-zero code, TOS and DF set, and records
// which of them the reply reflects.
func (r *run) icmpActive(ctx context.Context) error {
	t := template("IE2")
	id, seq := uint16(rand.Uint32()), uint16(3)
	raw, err := packet.Build(packet.KindICMPEcho, r.echoFields(t, id, seq))
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.EchoReplyFrom(r.target.Addr, id, seq))
	if err != nil {
		r.record(t, 1, 0, 0, err.Error())
		return err
	}
	if reply == nil {
		r.record(t, 1, 0, 0, "no reply")
		return nil
	}
	r.record(t, 1, 1, rtt, "")
	fv := domain.FeatureVector{}
	fv.SetBool(FeatEchoCode, reply.ICMP.Code == t.ICMPCode)
	fv.SetBool(FeatEchoTOS, reply.TOS == t.TOS)
	fv.SetBool(FeatEchoDFEchoed, reply.DF)
	r.set(fv)
	return nil
}
