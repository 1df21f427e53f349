package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"bytemomo/sonar/pkg/sonarerr"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func parseErr(msg string, err error) error {
	return sonarerr.E(sonarerr.Parse, "parse", msg, err)
}

// Parse decodes a captured IP datagram. Truncated, padded or nonsensical
// input yields a Parse error and never a panic.
func Parse(b []byte) (p *Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, parseErr(fmt.Sprintf("decoder panic: %v", r), nil)
		}
	}()
	if len(b) == 0 {
		return nil, parseErr("empty capture", nil)
	}

	var first gopacket.LayerType
	switch b[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, parseErr(fmt.Sprintf("ip version %d", b[0]>>4), nil)
	}
	pkt := gopacket.NewPacket(b, first, gopacket.DecodeOptions{NoCopy: true})

	p = &Packet{Truncated: pkt.Metadata().Truncated}
	switch l := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.Version = 4
		p.Src, _ = netip.AddrFromSlice(l.SrcIP.To4())
		p.Dst, _ = netip.AddrFromSlice(l.DstIP.To4())
		p.TTL, p.TOS, p.IPID = l.TTL, l.TOS, l.Id
		p.DF = l.Flags&layers.IPv4DontFragment != 0
		p.TotalLen = l.Length
		p.Protocol = uint8(l.Protocol)
	case *layers.IPv6:
		p.Version = 6
		p.Src, _ = netip.AddrFromSlice(l.SrcIP.To16())
		p.Dst, _ = netip.AddrFromSlice(l.DstIP.To16())
		p.TTL, p.TOS = l.HopLimit, l.TrafficClass
		p.TotalLen = l.Length + 40
		p.Protocol = uint8(l.NextHeader)
	default:
		return nil, parseErr("no network layer", decodeFailure(pkt))
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		p.TCP = decodeTCP(pkt.Layer(layers.LayerTypeTCP).(*layers.TCP))
		p.Payload = pkt.Layer(layers.LayerTypeTCP).LayerPayload()
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		u := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		p.UDP = &UDP{SrcPort: uint16(u.SrcPort), DstPort: uint16(u.DstPort), Length: u.Length}
		p.Payload = u.Payload
	case pkt.Layer(layers.LayerTypeICMPv4) != nil:
		ic := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		p.ICMP = decodeICMPv4(ic)
	case pkt.Layer(layers.LayerTypeICMPv6) != nil:
		ic := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		p.ICMP = decodeICMPv6(ic)
	}
	if err := transportFailure(pkt, p.Protocol); err != nil {
		return nil, parseErr(fmt.Sprintf("protocol %d header", p.Protocol), err)
	}
	return p, nil
}

// transportFailure reports a missing or malformed TCP, UDP or ICMP header.
// Decode errors in application layers behind an intact header are ignored,
// as are fragments, which carry no transport header to check.
func transportFailure(pkt gopacket.Packet, proto uint8) error {
	if pkt.Layer(gopacket.LayerTypeFragment) != nil || pkt.Layer(layers.LayerTypeIPv6Fragment) != nil {
		return nil
	}
	var (
		l     gopacket.Layer
		fresh gopacket.DecodingLayer
	)
	switch proto {
	case ProtoTCP:
		l, fresh = pkt.Layer(layers.LayerTypeTCP), &layers.TCP{}
	case ProtoUDP:
		l, fresh = pkt.Layer(layers.LayerTypeUDP), &layers.UDP{}
	case ProtoICMP:
		l = pkt.Layer(layers.LayerTypeICMPv4)
	case ProtoICMPv6:
		l = pkt.Layer(layers.LayerTypeICMPv6)
	default:
		return nil
	}
	el := pkt.ErrorLayer()
	if l == nil {
		if el != nil {
			return el.Error()
		}
		return errors.New("header missing")
	}
	if el == nil || fresh == nil {
		return nil
	}
	// gopacket keeps a partially decoded TCP or UDP layer when its header
	// fails, so decode it again to see whether the error is its own.
	whole := append(append([]byte{}, l.LayerContents()...), l.LayerPayload()...)
	return fresh.DecodeFromBytes(whole, gopacket.NilDecodeFeedback)
}

func decodeFailure(pkt gopacket.Packet) error {
	if el := pkt.ErrorLayer(); el != nil {
		return el.Error()
	}
	return nil
}

func decodeTCP(t *layers.TCP) *TCP {
	out := &TCP{
		SrcPort:    uint16(t.SrcPort),
		DstPort:    uint16(t.DstPort),
		Seq:        t.Seq,
		Ack:        t.Ack,
		Window:     t.Window,
		Urgent:     t.Urgent,
		DataOffset: t.DataOffset,
	}
	for _, fl := range []struct {
		set bool
		bit TCPFlags
	}{{t.FIN, FIN}, {t.SYN, SYN}, {t.RST, RST}, {t.PSH, PSH}, {t.ACK, ACK}, {t.URG, URG}, {t.ECE, ECE}, {t.CWR, CWR}} {
		if fl.set {
			out.Flags |= fl.bit
		}
	}
	for _, o := range t.Options {
		data := make([]byte, len(o.OptionData))
		copy(data, o.OptionData)
		out.Options = append(out.Options, TCPOption{Kind: uint8(o.OptionType), Data: data})
	}
	return out
}

func decodeICMPv4(ic *layers.ICMPv4) *ICMP {
	out := &ICMP{
		Type: ic.TypeCode.Type(),
		Code: ic.TypeCode.Code(),
		ID:   ic.Id,
		Seq:  ic.Seq,
		Body: ic.Payload,
	}
	switch out.Type {
	case layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4TypeTimeExceeded, layers.ICMPv4TypeParameterProblem:
		out.ID, out.Seq = 0, 0
		out.Quoted = parseQuoted(ic.Payload)
	case layers.ICMPv4TypeTimestampReply, layers.ICMPv4TypeTimestampRequest:
		if len(ic.Payload) >= 12 {
			out.Originate = binary.BigEndian.Uint32(ic.Payload[0:4])
			out.Receive = binary.BigEndian.Uint32(ic.Payload[4:8])
			out.Transmit = binary.BigEndian.Uint32(ic.Payload[8:12])
		}
	}
	return out
}

func decodeICMPv6(ic *layers.ICMPv6) *ICMP {
	out := &ICMP{Type: ic.TypeCode.Type(), Code: ic.TypeCode.Code()}
	body := ic.Payload
	switch out.Type {
	case layers.ICMPv6TypeEchoRequest, layers.ICMPv6TypeEchoReply:
		if len(body) >= 4 {
			out.ID = binary.BigEndian.Uint16(body[0:2])
			out.Seq = binary.BigEndian.Uint16(body[2:4])
			out.Body = body[4:]
		}
	case layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6TypeTimeExceeded, layers.ICMPv6TypeParameterProblem:
		if len(body) >= 4 {
			out.Body = body[4:]
			out.Quoted = parseQuoted(body[4:])
		}
	default:
		out.Body = body
	}
	return out
}

// parseQuoted reads the datagram quoted by an ICMP error. Stacks quote
// anything from the bare IP header to the full datagram and some rewrite
// length fields, so only the fixed header positions are trusted here.
func parseQuoted(b []byte) *Quoted {
	if len(b) < 1 {
		return nil
	}
	q := &Quoted{Length: len(b)}
	var l4 []byte
	switch b[0] >> 4 {
	case 4:
		ihl := int(b[0]&0x0f) * 4
		if ihl < 20 || len(b) < ihl {
			return nil
		}
		q.Version = 4
		q.TotalLen = binary.BigEndian.Uint16(b[2:4])
		q.IPID = binary.BigEndian.Uint16(b[4:6])
		q.TTL = b[8]
		q.Protocol = b[9]
		q.Src = netip.AddrFrom4([4]byte(b[12:16]))
		q.Dst = netip.AddrFrom4([4]byte(b[16:20]))
		l4 = b[ihl:]
	case 6:
		if len(b) < 40 {
			return nil
		}
		q.Version = 6
		q.TotalLen = binary.BigEndian.Uint16(b[4:6]) + 40
		q.Protocol = b[6]
		q.TTL = b[7]
		q.Src = netip.AddrFrom16([16]byte(b[8:24]))
		q.Dst = netip.AddrFrom16([16]byte(b[24:40]))
		l4 = b[40:]
	default:
		return nil
	}
	q.L4Len = len(l4)
	switch q.Protocol {
	case ProtoTCP, ProtoUDP:
		if len(l4) >= 4 {
			q.SrcPort = binary.BigEndian.Uint16(l4[0:2])
			q.DstPort = binary.BigEndian.Uint16(l4[2:4])
			q.HasPorts = true
		}
		if q.Protocol == ProtoTCP && len(l4) >= 8 {
			q.Seq = binary.BigEndian.Uint32(l4[4:8])
		}
	case ProtoICMP, ProtoICMPv6:
		if len(l4) >= 8 {
			q.ICMPID = binary.BigEndian.Uint16(l4[4:6])
			q.ICMPSeq = binary.BigEndian.Uint16(l4[6:8])
		}
	}
	return q
}
