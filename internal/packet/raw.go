package packet

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"bytemomo/sonar/pkg/sonarerr"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// RawOpener opens kernel raw IP sockets. IPv4 datagrams are sent whole
// through a header-included socket; IPv6 ones are split into header fields
// and payload because the kernel owns the IPv6 header.
type RawOpener struct {
	// IPv6 enables the ip6 listeners. Failures to open them are ignored
	// unless they are permission errors.
	IPv6 bool
}

// NewRawOpener returns an opener for IPv4 and, when ipv6 is set, IPv6.
func NewRawOpener(ipv6 bool) *RawOpener { return &RawOpener{IPv6: ipv6} }

var listenProtos = []uint8{ProtoTCP, ProtoUDP, ProtoICMP}

// Open implements Opener.
func (o *RawOpener) Open() (Conn, error) {
	pc, err := net.ListenPacket("ip4:255", "0.0.0.0")
	if err != nil {
		return nil, err
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &rawConn{v4: rc, pc4: pc, v6: make(map[uint8]*ipv6.PacketConn)}, nil
}

// Listen implements Opener.
func (o *RawOpener) Listen() ([]Listener, error) {
	var out []Listener
	closeAll := func() {
		for _, l := range out {
			l.Close()
		}
	}
	for _, proto := range listenProtos {
		pc, err := net.ListenPacket("ip4:"+strconv.Itoa(int(proto)), "0.0.0.0")
		if err != nil {
			closeAll()
			return nil, err
		}
		rc, err := ipv4.NewRawConn(pc)
		if err != nil {
			pc.Close()
			closeAll()
			return nil, err
		}
		out = append(out, &v4Listener{rc: rc})
	}
	if !o.IPv6 {
		return out, nil
	}
	for _, proto := range []uint8{ProtoTCP, ProtoUDP, ProtoICMPv6} {
		pc, err := net.ListenPacket("ip6:"+strconv.Itoa(int(proto)), "::")
		if err != nil {
			if isPermission(err) {
				closeAll()
				return nil, err
			}
			continue
		}
		p6 := ipv6.NewPacketConn(pc)
		_ = p6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst, true)
		out = append(out, &v6Listener{pc: p6, proto: proto})
	}
	return out, nil
}

func isPermission(err error) bool {
	return sonarerr.KindOf(sonarerr.FromOS("listen", err)) == sonarerr.PermissionDenied
}

type rawConn struct {
	v4  *ipv4.RawConn
	pc4 net.PacketConn

	mu sync.Mutex
	v6 map[uint8]*ipv6.PacketConn
}

func (c *rawConn) WritePacket(b []byte, dst netip.Addr) error {
	if dst.Is4() {
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return err
		}
		return c.v4.WriteTo(h, b[h.Len:], nil)
	}
	if len(b) < ipv6HeaderLen {
		return errors.New("short ipv6 datagram")
	}
	proto := b[6]
	pc, err := c.v6Conn(proto)
	if err != nil {
		return err
	}
	var src [16]byte
	copy(src[:], b[8:24])
	cm := &ipv6.ControlMessage{HopLimit: int(b[7]), Src: net.IP(src[:])}
	_, err = pc.WriteTo(b[ipv6HeaderLen:], cm, &net.IPAddr{IP: dst.AsSlice(), Zone: dst.Zone()})
	return err
}

func (c *rawConn) v6Conn(proto uint8) (*ipv6.PacketConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.v6[proto]; ok {
		return pc, nil
	}
	raw, err := net.ListenPacket("ip6:"+strconv.Itoa(int(proto)), "::")
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(raw)
	c.v6[proto] = pc
	return pc, nil
}

func (c *rawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := []error{c.v4.Close()}
	for _, pc := range c.v6 {
		errs = append(errs, pc.Close())
	}
	c.v6 = nil
	return errors.Join(errs...)
}

type v4Listener struct {
	rc *ipv4.RawConn
}

func (l *v4Listener) ReadPacket(b []byte) (int, error) {
	h, p, _, err := l.rc.ReadFrom(b)
	if err != nil {
		return 0, err
	}
	return h.Len + len(p), nil
}

func (l *v4Listener) Close() error { return l.rc.Close() }

const ipv6HeaderLen = 40

// v6Listener rebuilds a fixed IPv6 header in front of each payload so both
// families share one parser.
type v6Listener struct {
	pc    *ipv6.PacketConn
	proto uint8
}

func (l *v6Listener) ReadPacket(b []byte) (int, error) {
	if len(b) <= ipv6HeaderLen {
		return 0, errors.New("buffer too small")
	}
	n, cm, src, err := l.pc.ReadFrom(b[ipv6HeaderLen:])
	if err != nil {
		return 0, err
	}
	h := b[:ipv6HeaderLen]
	clear(h)
	h[0] = 6 << 4
	binary.BigEndian.PutUint16(h[4:6], uint16(n))
	h[6] = l.proto
	if ia, ok := src.(*net.IPAddr); ok {
		copy(h[8:24], ia.IP.To16())
	}
	if cm != nil {
		h[7] = byte(cm.HopLimit)
		copy(h[24:40], cm.Dst.To16())
	}
	return ipv6HeaderLen + n, nil
}

func (l *v6Listener) Close() error { return l.pc.Close() }

// UDPRouter finds source addresses by connecting a UDP socket, which asks
// the kernel routing table without sending anything.
type UDPRouter struct {
	mu    sync.Mutex
	cache map[netip.Addr]netip.Addr
}

// NewUDPRouter returns a caching router.
func NewUDPRouter() *UDPRouter {
	return &UDPRouter{cache: make(map[netip.Addr]netip.Addr)}
}

// Source implements Router.
func (r *UDPRouter) Source(dst netip.Addr) (netip.Addr, error) {
	r.mu.Lock()
	if src, ok := r.cache[dst]; ok {
		r.mu.Unlock()
		return src, nil
	}
	r.mu.Unlock()

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	src := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()

	r.mu.Lock()
	r.cache[dst] = src
	r.mu.Unlock()
	return src, nil
}

// StaticRouter always answers with one address per family.
type StaticRouter struct {
	V4, V6 netip.Addr
}

// Source implements Router.
func (r StaticRouter) Source(dst netip.Addr) (netip.Addr, error) {
	if dst.Is4() && r.V4.IsValid() {
		return r.V4, nil
	}
	if dst.Is6() && r.V6.IsValid() {
		return r.V6, nil
	}
	return netip.Addr{}, errors.New("no source address for family")
}
