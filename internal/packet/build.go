package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"bytemomo/sonar/pkg/sonarerr"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	maxTCPOptions = 40
	maxDatagram   = 65535
)

func malformed(msg string) error {
	return sonarerr.E(sonarerr.MalformedRequest, "build", msg, nil)
}

func (f *Fields) validate(kind Kind) error {
	if !f.Src.IsValid() || !f.Dst.IsValid() {
		return malformed("source and destination addresses are required")
	}
	if f.Src.Unmap().Is4() != f.Dst.Unmap().Is4() {
		return malformed("source and destination address families differ")
	}
	v6 := !f.Dst.Unmap().Is4()

	switch kind {
	case KindTCP, KindUDP:
		if f.SrcPort == 0 || f.DstPort == 0 {
			return malformed(kind.String() + " probe needs source and destination ports")
		}
	case KindICMPEcho, KindICMPEchoReply, KindICMPUnreachable:
	case KindICMPTimestamp, KindICMPTimestampReply:
		if v6 {
			return malformed("icmp timestamp has no IPv6 form")
		}
	default:
		return malformed("unknown packet kind " + kind.String())
	}

	if kind != KindTCP {
		if f.Flags != 0 || len(f.Options) > 0 {
			return malformed("tcp flags or options set on " + kind.String() + " probe")
		}
		if f.Seq != 0 || f.Ack != 0 || f.Window != 0 || f.Urgent != 0 {
			return malformed("tcp header fields set on " + kind.String() + " probe")
		}
	}
	if kind.isICMP() && (f.SrcPort != 0 || f.DstPort != 0) {
		return malformed("ports set on " + kind.String() + " probe")
	}
	if !kind.isICMP() && (f.ICMPID != 0 || f.ICMPSeq != 0 || f.ICMPCode != 0) {
		return malformed("icmp fields set on " + kind.String() + " probe")
	}

	if kind == KindTCP {
		if f.Flags.Has(SYN | RST) {
			return malformed("SYN and RST are mutually exclusive")
		}
		n := 0
		for _, o := range f.Options {
			if (o.Kind == OptEOL || o.Kind == OptNOP) && len(o.Data) > 0 {
				return malformed("EOL and NOP options carry no data")
			}
			n += o.wireLen()
		}
		if n > maxTCPOptions {
			return malformed(fmt.Sprintf("tcp options take %d bytes, at most %d fit", n, maxTCPOptions))
		}
	}
	if len(f.Payload) > maxDatagram-60-60 {
		return malformed(fmt.Sprintf("payload of %d bytes does not fit a datagram", len(f.Payload)))
	}
	return nil
}

// Build serializes a complete IP datagram with correct lengths and checksums.
// Invalid field combinations fail with a MalformedRequest error.
func Build(kind Kind, f Fields) ([]byte, error) {
	if err := f.validate(kind); err != nil {
		return nil, err
	}
	src, dst := f.Src.Unmap(), f.Dst.Unmap()
	ttl := f.TTL
	if ttl == 0 {
		ttl = 64
	}

	var (
		netLayer gopacket.NetworkLayer
		stack    []gopacket.SerializableLayer
	)
	if dst.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TOS:      f.TOS,
			Id:       f.IPID,
			TTL:      ttl,
			Protocol: layers.IPProtocol(protoFor(kind, false)),
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		if f.DontFragment {
			ip.Flags = layers.IPv4DontFragment
		}
		netLayer = ip
		stack = append(stack, ip)
	} else {
		ip := &layers.IPv6{
			Version:      6,
			TrafficClass: f.TOS,
			HopLimit:     ttl,
			NextHeader:   layers.IPProtocol(protoFor(kind, true)),
			SrcIP:        net.IP(src.AsSlice()),
			DstIP:        net.IP(dst.AsSlice()),
		}
		netLayer = ip
		stack = append(stack, ip)
	}

	payload := f.Payload
	switch kind {
	case KindTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(f.SrcPort),
			DstPort: layers.TCPPort(f.DstPort),
			Seq:     f.Seq,
			Ack:     f.Ack,
			FIN:     f.Flags.Has(FIN),
			SYN:     f.Flags.Has(SYN),
			RST:     f.Flags.Has(RST),
			PSH:     f.Flags.Has(PSH),
			ACK:     f.Flags.Has(ACK),
			URG:     f.Flags.Has(URG),
			ECE:     f.Flags.Has(ECE),
			CWR:     f.Flags.Has(CWR),
			Window:  f.Window,
			Urgent:  f.Urgent,
		}
		for _, o := range f.Options {
			tcp.Options = append(tcp.Options, layers.TCPOption{
				OptionType:   layers.TCPOptionKind(o.Kind),
				OptionLength: uint8(o.wireLen()),
				OptionData:   o.Data,
			})
		}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, sonarerr.E(sonarerr.MalformedRequest, "build", "tcp checksum", err)
		}
		stack = append(stack, tcp)
	case KindUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, sonarerr.E(sonarerr.MalformedRequest, "build", "udp checksum", err)
		}
		stack = append(stack, udp)
	default:
		var err error
		stack, payload, err = appendICMP(stack, netLayer, kind, f, dst.Is4())
		if err != nil {
			return nil, err
		}
	}
	if len(payload) > 0 {
		stack = append(stack, gopacket.Payload(payload))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "build", "serialize "+kind.String(), err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

func protoFor(kind Kind, v6 bool) uint8 {
	switch kind {
	case KindTCP:
		return ProtoTCP
	case KindUDP:
		return ProtoUDP
	}
	if v6 {
		return ProtoICMPv6
	}
	return ProtoICMP
}

func appendICMP(stack []gopacket.SerializableLayer, nl gopacket.NetworkLayer, kind Kind, f Fields, v4 bool) ([]gopacket.SerializableLayer, []byte, error) {
	payload := f.Payload
	if v4 {
		var typ uint8
		switch kind {
		case KindICMPEcho:
			typ = layers.ICMPv4TypeEchoRequest
		case KindICMPEchoReply:
			typ = layers.ICMPv4TypeEchoReply
		case KindICMPTimestamp:
			typ = layers.ICMPv4TypeTimestampRequest
			if len(payload) == 0 {
				payload = TimestampBody(MillisSinceMidnight(time.Now()), 0, 0)
			}
		case KindICMPTimestampReply:
			typ = layers.ICMPv4TypeTimestampReply
		case KindICMPUnreachable:
			typ = layers.ICMPv4TypeDestinationUnreachable
		}
		if (kind == KindICMPTimestamp || kind == KindICMPTimestampReply) && len(payload) != 12 {
			return nil, nil, malformed("icmp timestamp body must be 12 bytes")
		}
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(typ, f.ICMPCode),
			Id:       f.ICMPID,
			Seq:      f.ICMPSeq,
		}
		return append(stack, icmp), payload, nil
	}

	var typ uint8
	switch kind {
	case KindICMPEcho:
		typ = layers.ICMPv6TypeEchoRequest
	case KindICMPEchoReply:
		typ = layers.ICMPv6TypeEchoReply
	case KindICMPUnreachable:
		typ = layers.ICMPv6TypeDestinationUnreachable
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, f.ICMPCode)}
	if err := icmp.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, nil, sonarerr.E(sonarerr.MalformedRequest, "build", "icmpv6 checksum", err)
	}
	stack = append(stack, icmp)
	if kind == KindICMPUnreachable {
		// four unused bytes precede the quoted datagram
		return stack, append(make([]byte, 4), payload...), nil
	}
	return append(stack, &layers.ICMPv6Echo{Identifier: f.ICMPID, SeqNumber: f.ICMPSeq}), payload, nil
}

// MillisSinceMidnight is the ICMP timestamp clock.
func MillisSinceMidnight(t time.Time) uint32 {
	t = t.UTC()
	mid := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(t.Sub(mid) / time.Millisecond)
}

// TimestampBody encodes the three ICMP timestamp fields.
func TimestampBody(orig, recv, xmit uint32) []byte {
	b := make([]byte, 0, 12)
	b = binary.BigEndian.AppendUint32(b, orig)
	b = binary.BigEndian.AppendUint32(b, recv)
	return binary.BigEndian.AppendUint32(b, xmit)
}
