package fingerprint

import (
	"bytemomo/sonar/internal/packet"
)

// Battery groups the probes that measure one aspect of a stack.
type Battery int

const (
	BatteryTCP Battery = iota + 1
	BatteryICMP
	BatteryActiveICMP
	BatteryUDP
	BatteryClock
	BatteryActiveTCP
	BatteryBanner
)

func (b Battery) String() string {
	switch b {
	case BatteryTCP:
		return "tcp"
	case BatteryICMP:
		return "icmp"
	case BatteryActiveICMP:
		return "icmp-active"
	case BatteryUDP:
		return "udp"
	case BatteryClock:
		return "clock"
	case BatteryActiveTCP:
		return "tcp-active"
	case BatteryBanner:
		return "banner"
	}
	return "unknown"
}

// Batteries lists every battery in run order.
var Batteries = []Battery{
	BatteryTCP, BatteryICMP, BatteryActiveICMP, BatteryUDP,
	BatteryClock, BatteryActiveTCP, BatteryBanner,
}

// ProbeTemplate describes one probe datagram. Batteries own the sequencing;
// templates only carry header values.
type ProbeTemplate struct {
	Name    string
	Battery Battery
	// Active probes send malformed or unusual flag combinations and only
	// run when the caller asked for active fingerprinting.
	Active bool
	// NeedsClosed probes go to the known closed port and are skipped when
	// none was given.
	NeedsClosed bool

	Kind       packet.Kind
	Flags      packet.TCPFlags
	Window     uint16
	Timestamp  bool
	DF         bool
	TOS        uint8
	ICMPCode   uint8
	IPID       uint16
	PayloadLen int
	Fill       byte
}

// options returns the TCP options for t. Probes that carry a timestamp
// advertise tsval so replies can be correlated.
func (t ProbeTemplate) options(tsval uint32) []packet.TCPOption {
	if t.Kind != packet.KindTCP || t.Flags&packet.SYN == 0 {
		return nil
	}
	opts := []packet.TCPOption{packet.WScale(10), packet.NOP(), packet.MSS(1460)}
	if t.Timestamp {
		opts = append(opts, packet.Timestamp(tsval, 0))
	}
	return append(opts, packet.SACKPermitted())
}

func (t ProbeTemplate) payload() []byte {
	if t.PayloadLen == 0 {
		return nil
	}
	b := make([]byte, t.PayloadLen)
	for i := range b {
		if t.Fill != 0 {
			b[i] = t.Fill
		} else {
			b[i] = byte(i)
		}
	}
	return b
}

// Templates is the full probe set.
var Templates = []ProbeTemplate{
	{Name: "SEQ", Battery: BatteryTCP, Kind: packet.KindTCP, Flags: packet.SYN, Window: 1024, Timestamp: true},
	{Name: "RST", Battery: BatteryTCP, NeedsClosed: true, Kind: packet.KindTCP, Flags: packet.SYN, Window: 1024, Timestamp: true},

	{Name: "IE", Battery: BatteryICMP, Kind: packet.KindICMPEcho, PayloadLen: 120},
	{Name: "TS", Battery: BatteryICMP, Kind: packet.KindICMPTimestamp},
	{Name: "IE2", Battery: BatteryActiveICMP, Active: true, Kind: packet.KindICMPEcho, ICMPCode: 9, TOS: 4, DF: true, PayloadLen: 150},

	{Name: "U1", Battery: BatteryUDP, Kind: packet.KindUDP, IPID: 0x1042, PayloadLen: 300, Fill: 'C'},

	{Name: "SKEW", Battery: BatteryClock, Kind: packet.KindTCP, Flags: packet.SYN, Window: 1024, Timestamp: true},

	{Name: "T2", Battery: BatteryActiveTCP, Active: true, Kind: packet.KindTCP, Window: 128, DF: true},
	{Name: "T3", Battery: BatteryActiveTCP, Active: true, Kind: packet.KindTCP, Flags: packet.SYN | packet.FIN | packet.URG | packet.PSH, Window: 256},
	{Name: "T4", Battery: BatteryActiveTCP, Active: true, Kind: packet.KindTCP, Flags: packet.ACK, Window: 1024, DF: true},
	{Name: "T5", Battery: BatteryActiveTCP, Active: true, NeedsClosed: true, Kind: packet.KindTCP, Flags: packet.SYN, Window: 31337},
	{Name: "T6", Battery: BatteryActiveTCP, Active: true, NeedsClosed: true, Kind: packet.KindTCP, Flags: packet.ACK, Window: 32768, DF: true},
	{Name: "T7", Battery: BatteryActiveTCP, Active: true, NeedsClosed: true, Kind: packet.KindTCP, Flags: packet.FIN | packet.PSH | packet.URG, Window: 65535},
	{Name: "ECN", Battery: BatteryActiveTCP, Active: true, Kind: packet.KindTCP, Flags: packet.SYN | packet.ECE | packet.CWR, Window: 3},

	{Name: "BANNER", Battery: BatteryBanner},
}

// template returns the named template. Names are fixed at compile time.
func template(name string) ProbeTemplate {
	for _, t := range Templates {
		if t.Name == name {
			return t
		}
	}
	panic("fingerprint: unknown template " + name)
}

func templatesFor(b Battery) []ProbeTemplate {
	var out []ProbeTemplate
	for _, t := range Templates {
		if t.Battery == b {
			out = append(out, t)
		}
	}
	return out
}

func templateIndex(name string) int {
	for i, t := range Templates {
		if t.Name == name {
			return i
		}
	}
	return len(Templates)
}
