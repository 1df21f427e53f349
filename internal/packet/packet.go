// Package packet builds and parses raw IPv4/IPv6 probes and replies and moves
// them over raw sockets. It carries no scan logic.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Kind selects the datagram Build produces.
type Kind int

const (
	KindTCP Kind = iota + 1
	KindUDP
	KindICMPEcho
	KindICMPEchoReply
	KindICMPTimestamp
	KindICMPTimestampReply
	KindICMPUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindICMPEcho:
		return "icmp-echo"
	case KindICMPEchoReply:
		return "icmp-echo-reply"
	case KindICMPTimestamp:
		return "icmp-timestamp"
	case KindICMPTimestampReply:
		return "icmp-timestamp-reply"
	case KindICMPUnreachable:
		return "icmp-unreachable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) isICMP() bool { return k >= KindICMPEcho && k <= KindICMPUnreachable }

// IP protocol numbers.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// TCPFlags is the TCP control bit set.
type TCPFlags uint8

const (
	FIN TCPFlags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
	ECE
	CWR
)

// Has reports whether every bit of x is set.
func (f TCPFlags) Has(x TCPFlags) bool { return f&x == x }

// String renders the flags as letters in the order S A F R P U E C.
func (f TCPFlags) String() string {
	var b strings.Builder
	for _, fl := range []struct {
		bit TCPFlags
		c   byte
	}{{SYN, 'S'}, {ACK, 'A'}, {FIN, 'F'}, {RST, 'R'}, {PSH, 'P'}, {URG, 'U'}, {ECE, 'E'}, {CWR, 'C'}} {
		if f&fl.bit != 0 {
			b.WriteByte(fl.c)
		}
	}
	return b.String()
}

// TCP option kinds.
const (
	OptEOL           uint8 = 0
	OptNOP           uint8 = 1
	OptMSS           uint8 = 2
	OptWScale        uint8 = 3
	OptSACKPermitted uint8 = 4
	OptSACK          uint8 = 5
	OptTimestamp     uint8 = 8
)

// TCPOption is one TCP header option.
type TCPOption struct {
	Kind uint8
	Data []byte
}

func NOP() TCPOption           { return TCPOption{Kind: OptNOP} }
func EOL() TCPOption           { return TCPOption{Kind: OptEOL} }
func SACKPermitted() TCPOption { return TCPOption{Kind: OptSACKPermitted} }

func MSS(v uint16) TCPOption {
	return TCPOption{Kind: OptMSS, Data: binary.BigEndian.AppendUint16(nil, v)}
}

func WScale(shift uint8) TCPOption {
	return TCPOption{Kind: OptWScale, Data: []byte{shift}}
}

func Timestamp(val, ecr uint32) TCPOption {
	d := binary.BigEndian.AppendUint32(nil, val)
	return TCPOption{Kind: OptTimestamp, Data: binary.BigEndian.AppendUint32(d, ecr)}
}

func (o TCPOption) wireLen() int {
	if o.Kind == OptEOL || o.Kind == OptNOP {
		return 1
	}
	return 2 + len(o.Data)
}

// Fields are the header values of a datagram to build. Zero TTL means 64.
type Fields struct {
	Src, Dst     netip.Addr
	TTL          uint8
	TOS          uint8
	IPID         uint16
	DontFragment bool

	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
	Window           uint16
	Urgent           uint16
	Options          []TCPOption

	ICMPID, ICMPSeq uint16
	ICMPCode        uint8

	Payload []byte
}

// Packet is a decoded inbound datagram.
type Packet struct {
	Version   int
	Src, Dst  netip.Addr
	TTL       uint8
	TOS       uint8
	IPID      uint16
	DF        bool
	TotalLen  uint16
	Protocol  uint8
	TCP       *TCP
	UDP       *UDP
	ICMP      *ICMP
	Payload   []byte
	Truncated bool
	Received  time.Time
}

// TCP is a decoded TCP header.
type TCP struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
	Window           uint16
	Urgent           uint16
	DataOffset       uint8
	Options          []TCPOption
}

func (t *TCP) option(kind uint8) (TCPOption, bool) {
	for _, o := range t.Options {
		if o.Kind == kind {
			return o, true
		}
	}
	return TCPOption{}, false
}

// MSS returns the maximum segment size option.
func (t *TCP) MSS() (uint16, bool) {
	o, ok := t.option(OptMSS)
	if !ok || len(o.Data) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(o.Data), true
}

// WScale returns the window scale shift.
func (t *TCP) WScale() (uint8, bool) {
	o, ok := t.option(OptWScale)
	if !ok || len(o.Data) != 1 {
		return 0, false
	}
	return o.Data[0], true
}

// SACKPermitted reports the SACK-permitted option.
func (t *TCP) SACKPermitted() bool {
	_, ok := t.option(OptSACKPermitted)
	return ok
}

// Timestamp returns TSval and TSecr.
func (t *TCP) Timestamp() (val, ecr uint32, ok bool) {
	o, found := t.option(OptTimestamp)
	if !found || len(o.Data) != 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(o.Data[:4]), binary.BigEndian.Uint32(o.Data[4:]), true
}

// OptionOrder encodes option presence and order as letters joined by commas:
// M mss, S sack-permitted, T timestamp, N nop, W window scale, L end of list.
func (t *TCP) OptionOrder() string {
	parts := make([]string, 0, len(t.Options))
	for _, o := range t.Options {
		switch o.Kind {
		case OptMSS:
			parts = append(parts, "M")
		case OptSACKPermitted:
			parts = append(parts, "S")
		case OptTimestamp:
			parts = append(parts, "T")
		case OptNOP:
			parts = append(parts, "N")
		case OptWScale:
			parts = append(parts, "W")
		case OptEOL:
			parts = append(parts, "L")
		default:
			parts = append(parts, fmt.Sprintf("?%d", o.Kind))
		}
	}
	return strings.Join(parts, ",")
}

// UDP is a decoded UDP header.
type UDP struct {
	SrcPort, DstPort uint16
	Length           uint16
}

// ICMP is a decoded ICMPv4 or ICMPv6 message.
type ICMP struct {
	Type, Code uint8
	ID, Seq    uint16
	Body       []byte
	Quoted     *Quoted

	// Timestamp reply fields, milliseconds since midnight UTC.
	Originate, Receive, Transmit uint32
}

// Quoted is the offending datagram header carried in an ICMP error.
type Quoted struct {
	Version  int
	Src, Dst netip.Addr
	Protocol uint8
	IPID     uint16
	TotalLen uint16
	TTL      uint8
	SrcPort  uint16
	DstPort  uint16
	HasPorts bool
	Seq      uint32
	ICMPID   uint16
	ICMPSeq  uint16
	// Length counts every quoted byte including the IP header.
	Length int
	// L4Len counts the quoted bytes after the IP header.
	L4Len int
}

// UnreachKind classifies destination-unreachable codes across IP versions.
type UnreachKind int

const (
	NotUnreachable UnreachKind = iota
	UnreachPort
	UnreachFiltered
	UnreachOther
)

func (u UnreachKind) String() string {
	switch u {
	case UnreachPort:
		return "port-unreachable"
	case UnreachFiltered:
		return "admin-filtered"
	case UnreachOther:
		return "unreachable"
	}
	return "none"
}

// Unreachable classifies p when it is an ICMP destination unreachable.
// IPv4 code 3 is a port unreachable; codes 1, 2, 9, 10 and 13 mean a filter
// answered. IPv6 code 4 is a port unreachable; 1, 3, 5 and 6 are filters.
func (p *Packet) Unreachable() UnreachKind {
	if p.ICMP == nil {
		return NotUnreachable
	}
	if p.Version == 4 {
		if p.ICMP.Type != 3 {
			return NotUnreachable
		}
		switch p.ICMP.Code {
		case 3:
			return UnreachPort
		case 1, 2, 9, 10, 13:
			return UnreachFiltered
		}
		return UnreachOther
	}
	if p.ICMP.Type != 1 {
		return NotUnreachable
	}
	switch p.ICMP.Code {
	case 4:
		return UnreachPort
	case 1, 3, 5, 6:
		return UnreachFiltered
	}
	return UnreachOther
}

// IsEchoReply reports an ICMP or ICMPv6 echo reply.
func (p *Packet) IsEchoReply() bool {
	if p.ICMP == nil {
		return false
	}
	if p.Version == 4 {
		return p.ICMP.Type == 0
	}
	return p.ICMP.Type == 129
}

// IsTimestampReply reports an ICMP timestamp reply.
func (p *Packet) IsTimestampReply() bool {
	return p.ICMP != nil && p.Version == 4 && p.ICMP.Type == 14
}

func (p *Packet) String() string {
	switch {
	case p.TCP != nil:
		return fmt.Sprintf("%s:%d > %s:%d tcp [%s] ttl=%d", p.Src, p.TCP.SrcPort, p.Dst, p.TCP.DstPort, p.TCP.Flags, p.TTL)
	case p.UDP != nil:
		return fmt.Sprintf("%s:%d > %s:%d udp len=%d", p.Src, p.UDP.SrcPort, p.Dst, p.UDP.DstPort, len(p.Payload))
	case p.ICMP != nil:
		return fmt.Sprintf("%s > %s icmp type=%d code=%d", p.Src, p.Dst, p.ICMP.Type, p.ICMP.Code)
	}
	return fmt.Sprintf("%s > %s proto=%d", p.Src, p.Dst, p.Protocol)
}
