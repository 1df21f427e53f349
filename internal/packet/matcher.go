package packet

import "net/netip"

// Matcher selects inbound packets for a waiting probe.
type Matcher func(*Packet) bool

// Any matches when one of ms matches.
func Any(ms ...Matcher) Matcher {
	return func(p *Packet) bool {
		for _, m := range ms {
			if m(p) {
				return true
			}
		}
		return false
	}
}

// TCPFrom matches a TCP segment sent by target from port remote to our
// port local.
func TCPFrom(target netip.Addr, remote, local uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		return p.TCP != nil && p.Src == target && p.TCP.SrcPort == remote && p.TCP.DstPort == local
	}
}

// UDPFrom matches a UDP datagram sent by target from port remote to our
// port local.
func UDPFrom(target netip.Addr, remote, local uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		return p.UDP != nil && p.Src == target && p.UDP.SrcPort == remote && p.UDP.DstPort == local
	}
}

// ICMPErrorFor matches an ICMP error quoting our proto datagram to
// target:remote from local. The error may come from any router on the path.
func ICMPErrorFor(target netip.Addr, proto uint8, local, remote uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		if p.ICMP == nil || p.ICMP.Quoted == nil {
			return false
		}
		q := p.ICMP.Quoted
		return q.Dst == target && q.Protocol == proto && q.HasPorts && q.SrcPort == local && q.DstPort == remote
	}
}

// EchoReplyFrom matches an echo reply from target with our identifier and
// sequence number.
func EchoReplyFrom(target netip.Addr, id, seq uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		return p.Src == target && p.IsEchoReply() && p.ICMP.ID == id && p.ICMP.Seq == seq
	}
}

// TimestampReplyFrom matches an ICMP timestamp reply from target.
func TimestampReplyFrom(target netip.Addr, id, seq uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		return p.Src == target && p.IsTimestampReply() && p.ICMP.ID == id && p.ICMP.Seq == seq
	}
}

// ICMPEchoErrorFor matches an ICMP error quoting our echo request.
func ICMPEchoErrorFor(target netip.Addr, id, seq uint16) Matcher {
	target = target.Unmap()
	return func(p *Packet) bool {
		if p.ICMP == nil || p.ICMP.Quoted == nil {
			return false
		}
		q := p.ICMP.Quoted
		return q.Dst == target && (q.Protocol == ProtoICMP || q.Protocol == ProtoICMPv6) &&
			q.ICMPID == id && q.ICMPSeq == seq
	}
}
