package fingerprint

import (
	"context"
	"math/rand/v2"
	"strings"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
)

// Feature names emitted by the active TCP battery. Per-template features are
// prefixed with the lower-case template name, e.g. tcp.t2_flags.
const (
	FeatECNEcho     = "tcp.ecn_echo"
	featFlagsSuffix = "_flags"
	featWinSuffix   = "_window"
	NoResponse      = "none"
)

// ProbeFeature names the per-template feature for t, e.g. tcp.t5_window.
func ProbeFeature(t ProbeTemplate, suffix string) string {
	return "tcp." + strings.ToLower(t.Name) + suffix
}

// tcpActive sends the unusual-flag probes one after another. Templates that
// need a closed port are skipped when none is known.
func (r *run) tcpActive(ctx context.Context) error {
	for _, t := range templatesFor(BatteryActiveTCP) {
		dport := r.open
		if t.NeedsClosed {
			if r.closed == 0 {
				r.record(t, 0, 0, 0, "skipped: no closed port")
				continue
			}
			dport = r.closed
		}
		if err := r.activeProbe(ctx, t, dport); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) activeProbe(ctx context.Context, t ProbeTemplate, dport uint16) error {
	sport := r.f.packets.EphemeralPort()
	f := r.tcpFields(t, sport, dport, rand.Uint32(), 1)
	if t.Flags.Has(packet.ACK) {
		f.Ack = rand.Uint32()
	}
	raw, err := packet.Build(packet.KindTCP, f)
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.TCPFrom(r.target.Addr, dport, sport))
	if err != nil {
		r.record(t, 1, 0, 0, err.Error())
		if isAbort(err) {
			return err
		}
		return nil
	}

	fv := domain.FeatureVector{}
	if reply == nil {
		r.record(t, 1, 0, 0, "no reply")
		fv.SetStr(ProbeFeature(t, featFlagsSuffix), NoResponse)
		r.set(fv)
		return nil
	}
	r.record(t, 1, 1, rtt, "")
	if reply.TCP.Flags.Has(packet.SYN | packet.ACK) {
		r.reset(ctx, reply)
	}
	fv.SetStr(ProbeFeature(t, featFlagsSuffix), reply.TCP.Flags.String())
	fv.SetNum(ProbeFeature(t, featWinSuffix), float64(reply.TCP.Window))
	if t.Name == "ECN" {
		fv.SetBool(FeatECNEcho, reply.TCP.Flags.Has(packet.ECE))
	}
	r.set(fv)
	return nil
}
