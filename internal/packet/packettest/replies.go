package packettest

import (
	"net/netip"
	"sync"
	"time"

	"bytemomo/sonar/internal/packet"
)

// Host describes how a fake target stack answers.
type Host struct {
	Addr   netip.Addr
	TTL    uint8
	Window uint16
	// Options are echoed on SYN/ACK replies.
	Options []packet.TCPOption
	// ISN is the initial sequence number of SYN/ACK replies. Each reply
	// advances it by ISNStep.
	ISN     uint32
	ISNStep uint32
	IPID    uint16
	DF      bool
	// TSHz, when set, makes SYN/ACKs carry a timestamp clock ticking at
	// that rate. An existing Timestamp option is rewritten in place,
	// otherwise one is appended.
	TSHz float64

	mu      sync.Mutex
	tsStart time.Time
}

func (h *Host) ttl() uint8 {
	if h.TTL == 0 {
		return 64
	}
	return h.TTL
}

func (h *Host) nextIPID() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.IPID++
	return h.IPID
}

// SynAck answers a SYN with SYN/ACK.
func (h *Host) SynAck(sent *packet.Packet) []byte {
	h.mu.Lock()
	isn := h.ISN
	h.ISN += h.ISNStep
	h.IPID++
	ipid := h.IPID
	opts := h.options(sent)
	h.mu.Unlock()
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: sent.Dst, Dst: sent.Src, TTL: h.ttl(), IPID: ipid, DontFragment: h.DF,
		SrcPort: sent.TCP.DstPort, DstPort: sent.TCP.SrcPort,
		Seq: isn, Ack: sent.TCP.Seq + 1, Flags: packet.SYN | packet.ACK,
		Window: h.Window, Options: opts,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// options returns the SYN/ACK options. Callers hold h.mu.
func (h *Host) options(sent *packet.Packet) []packet.TCPOption {
	if h.TSHz <= 0 {
		return h.Options
	}
	now := time.Now()
	if h.tsStart.IsZero() {
		h.tsStart = now
	}
	val := 1000 + uint32(now.Sub(h.tsStart).Seconds()*h.TSHz)
	var ecr uint32
	if v, _, ok := sent.TCP.Timestamp(); ok {
		ecr = v
	}
	ts := packet.Timestamp(val, ecr)
	out := make([]packet.TCPOption, 0, len(h.Options)+1)
	replaced := false
	for _, o := range h.Options {
		if o.Kind == packet.OptTimestamp {
			o, replaced = ts, true
		}
		out = append(out, o)
	}
	if !replaced {
		out = append(out, ts)
	}
	return out
}

// Rst answers with RST/ACK.
func (h *Host) Rst(sent *packet.Packet) []byte {
	ipid := h.nextIPID()
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: sent.Dst, Dst: sent.Src, TTL: h.ttl(), IPID: ipid, DontFragment: h.DF,
		SrcPort: sent.TCP.DstPort, DstPort: sent.TCP.SrcPort,
		Ack: sent.TCP.Seq + 1, Flags: packet.RST | packet.ACK,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// Unreachable answers with an ICMP destination unreachable of the given
// code quoting the sent datagram.
func (h *Host) Unreachable(sent *packet.Packet, code uint8) []byte {
	quoted, err := rebuild(sent)
	if err != nil {
		panic(err)
	}
	if len(quoted) > 28 && sent.Version == 4 {
		quoted = quoted[:28]
	}
	raw, err := packet.Build(packet.KindICMPUnreachable, packet.Fields{
		Src: sent.Dst, Dst: sent.Src, TTL: h.ttl(), ICMPCode: code, Payload: quoted,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// EchoReply answers an ICMP echo request.
func (h *Host) EchoReply(sent *packet.Packet) []byte {
	ipid := h.nextIPID()
	raw, err := packet.Build(packet.KindICMPEchoReply, packet.Fields{
		Src: sent.Dst, Dst: sent.Src, TTL: h.ttl(), IPID: ipid, DontFragment: h.DF,
		ICMPID: sent.ICMP.ID, ICMPSeq: sent.ICMP.Seq, Payload: sent.ICMP.Body,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// UDPReply answers a UDP datagram with payload.
func (h *Host) UDPReply(sent *packet.Packet, payload []byte) []byte {
	raw, err := packet.Build(packet.KindUDP, packet.Fields{
		Src: sent.Dst, Dst: sent.Src, TTL: h.ttl(),
		SrcPort: sent.UDP.DstPort, DstPort: sent.UDP.SrcPort, Payload: payload,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// rebuild reserializes a decoded probe so it can be quoted.
func rebuild(p *packet.Packet) ([]byte, error) {
	f := packet.Fields{Src: p.Src, Dst: p.Dst, TTL: p.TTL, IPID: p.IPID, Payload: p.Payload}
	switch {
	case p.TCP != nil:
		f.SrcPort, f.DstPort = p.TCP.SrcPort, p.TCP.DstPort
		f.Seq, f.Ack, f.Flags, f.Window = p.TCP.Seq, p.TCP.Ack, p.TCP.Flags, p.TCP.Window
		return packet.Build(packet.KindTCP, f)
	case p.UDP != nil:
		f.SrcPort, f.DstPort = p.UDP.SrcPort, p.UDP.DstPort
		return packet.Build(packet.KindUDP, f)
	case p.ICMP != nil:
		f.ICMPID, f.ICMPSeq, f.Payload = p.ICMP.ID, p.ICMP.Seq, p.ICMP.Body
		return packet.Build(packet.KindICMPEcho, f)
	}
	return nil, ErrNoRoute
}

// ToTCPPort builds a responder that answers SYNs to port with fn.
func ToTCPPort(target netip.Addr, port uint16, fn func(*packet.Packet) []byte) Responder {
	return func(p *packet.Packet) [][]byte {
		if p.Dst != target || p.TCP == nil || p.TCP.DstPort != port || !p.TCP.Flags.Has(packet.SYN) {
			return nil
		}
		return [][]byte{fn(p)}
	}
}

// ToUDPPort builds a responder for UDP datagrams to port.
func ToUDPPort(target netip.Addr, port uint16, fn func(*packet.Packet) []byte) Responder {
	return func(p *packet.Packet) [][]byte {
		if p.Dst != target || p.UDP == nil || p.UDP.DstPort != port {
			return nil
		}
		return [][]byte{fn(p)}
	}
}

// ToEcho builds a responder for ICMP echo requests to target.
func ToEcho(target netip.Addr, fn func(*packet.Packet) []byte) Responder {
	return func(p *packet.Packet) [][]byte {
		if p.Dst != target || p.ICMP == nil || p.TCP != nil || p.UDP != nil {
			return nil
		}
		if (p.Version == 4 && p.ICMP.Type != 8) || (p.Version == 6 && p.ICMP.Type != 128) {
			return nil
		}
		return [][]byte{fn(p)}
	}
}
