package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/scanner"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/miekg/dns"
)

// drainWait bounds how long the grab keeps reading after the first bytes.
const drainWait = 150 * time.Millisecond

// hello is the request sent to a service that does not speak first.
type hello int

const (
	helloCRLF hello = iota
	helloHTTP
	helloMQTT
)

func helloFor(port uint16) hello {
	switch port {
	case 80, 81, 591, 8000, 8008, 8080, 8081, 8888:
		return helloHTTP
	case 1883:
		return helloMQTT
	}
	return helloCRLF
}

func isDNSPort(port uint16) bool { return port == 53 || port == 5353 }

// grabTCP connects, waits for a greeting and otherwise sends a hello.
func (d *Detector) grabTCP(ctx context.Context, addr string, port uint16) (grab, error) {
	g := grab{fv: domain.FeatureVector{}}
	start := time.Now()
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return g, dialErr("service", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, d.Config.MaxBanner)
	n, err := d.readFor(ctx, conn, buf, d.Config.GreetingWait)
	if ctx.Err() != nil && n == 0 {
		return g, sonarerr.FromOS("service", context.Cause(ctx))
	}
	if n > 0 {
		g.fv.SetBool(FeatGreets, true)
		g.fv.SetNum(FeatFirstByte, ms(time.Since(start)))
		n += d.drain(ctx, conn, buf[n:])
		d.setBanner(&g, buf[:n])
		return g, nil
	}
	g.fv.SetBool(FeatGreets, false)
	if err != nil && !isTimeout(err) {
		// closed without a word
		return g, nil
	}

	sent := time.Now()
	switch helloFor(port) {
	case helloMQTT:
		return g, d.mqttHello(ctx, conn, &g)
	case helloHTTP:
		host, _, _ := net.SplitHostPort(addr)
		_, err = fmt.Fprintf(conn, "HEAD / HTTP/1.0\r\nHost: %s\r\nUser-Agent: sonar\r\nConnection: close\r\n\r\n", host)
	default:
		_, err = conn.Write([]byte("\r\n\r\n"))
	}
	if err != nil {
		return g, nil
	}
	n, _ = d.readFor(ctx, conn, buf, d.Config.Timeout)
	if n == 0 {
		return g, nil
	}
	g.fv.SetNum(FeatFirstByte, ms(time.Since(sent)))
	n += d.drain(ctx, conn, buf[n:])
	d.setBanner(&g, buf[:n])
	return g, nil
}

// mqttHello sends an MQTT 3.1.1 CONNECT and records whether a CONNACK came
// back.
func (d *Detector) mqttHello(ctx context.Context, conn net.Conn, g *grab) error {
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.CleanSession = true
	cp.Keepalive = 30
	cp.ClientIdentifier = fmt.Sprintf("sonar-%08x", rand.Uint32())
	if err := cp.Write(conn); err != nil {
		return nil
	}
	setDeadline(ctx, conn, d.Config.Timeout)
	pkt, err := packets.ReadPacket(conn)
	if err != nil {
		g.fv.SetBool(FeatMQTTConnack, false)
		return nil
	}
	ca, ok := pkt.(*packets.ConnackPacket)
	if !ok {
		g.fv.SetBool(FeatMQTTConnack, false)
		return nil
	}
	g.fv.SetBool(FeatMQTTConnack, true)
	g.fv.SetNum(FeatMQTTCode, float64(ca.ReturnCode))
	g.banner = fmt.Sprintf("MQTT CONNACK session_present=%t return_code=%d", ca.SessionPresent, ca.ReturnCode)
	_ = disconnect(conn)
	return nil
}

func disconnect(conn net.Conn) error {
	return packets.NewControlPacket(packets.Disconnect).Write(conn)
}

// grabUDP sends the port's protocol payload and reads one datagram back.
func (d *Detector) grabUDP(ctx context.Context, addr string, port uint16) (grab, error) {
	g := grab{fv: domain.FeatureVector{}}
	conn, err := d.dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return g, dialErr("service", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if isDNSPort(port) {
		return g, d.dnsVersion(ctx, conn, &g)
	}
	if _, err := conn.Write(scanner.UDPPayload(port)); err != nil {
		return g, dialErr("service", err)
	}
	buf := make([]byte, d.Config.MaxBanner)
	n, err := d.readFor(ctx, conn, buf, d.Config.Timeout)
	if n == 0 {
		if err != nil && errors.Is(err, syscall.ECONNREFUSED) {
			return g, dialErr("service", err)
		}
		if ctx.Err() != nil && !isTimeout(err) {
			return g, sonarerr.FromOS("service", context.Cause(ctx))
		}
		return g, nil
	}
	d.setBanner(&g, buf[:n])
	return g, nil
}

// dnsVersion asks for version.bind in the CHAOS class.
func (d *Detector) dnsVersion(ctx context.Context, conn net.Conn, g *grab) error {
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.RecursionDesired = false

	co := &dns.Conn{Conn: conn}
	if err := co.WriteMsg(m); err != nil {
		return dialErr("service", err)
	}
	setDeadline(ctx, conn, d.Config.Timeout)
	for {
		r, err := co.ReadMsg()
		if err != nil {
			if errors.Is(err, syscall.ECONNREFUSED) {
				return dialErr("service", err)
			}
			if errors.Is(err, context.Canceled) || (ctx.Err() != nil && !isTimeout(err)) {
				return sonarerr.FromOS("service", context.Cause(ctx))
			}
			// timeouts and unparseable replies leave the port unidentified
			return nil
		}
		if r.Id != m.Id {
			continue
		}
		g.fv.SetStr(FeatDNSRcode, dns.RcodeToString[r.Rcode])
		for _, rr := range r.Answer {
			if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
				v := sanitize([]byte(strings.Join(txt.Txt, " ")))
				g.fv.SetStr(FeatDNSVersion, v)
				g.banner = v
				break
			}
		}
		if g.banner == "" {
			g.banner = "rcode " + dns.RcodeToString[r.Rcode]
		}
		return nil
	}
}

// readFor reads at least one byte, waiting up to wait or the context
// deadline, whichever is sooner.
func (d *Detector) readFor(ctx context.Context, conn net.Conn, buf []byte, wait time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	setDeadline(ctx, conn, wait)
	return io.ReadAtLeast(conn, buf, 1)
}

// drain collects whatever else arrives shortly after the first bytes.
func (d *Detector) drain(ctx context.Context, conn net.Conn, buf []byte) int {
	total := 0
	for total < len(buf) {
		setDeadline(ctx, conn, drainWait)
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	return total
}

func (d *Detector) setBanner(g *grab, raw []byte) {
	text := sanitize(raw)
	if text == "" {
		return
	}
	g.banner = text
	g.fv.SetStr(FeatBannerText, text)
	g.fv.SetTokens(FeatTokens, domain.Tokenize(text))
}

// setDeadline arms a read deadline of wait from now, capped by ctx.
func setDeadline(ctx context.Context, conn net.Conn, wait time.Duration) {
	dl := time.Now().Add(wait)
	if ctx.Err() != nil {
		dl = time.Now()
	} else if cd, ok := ctx.Deadline(); ok && cd.Before(dl) {
		dl = cd
	}
	_ = conn.SetReadDeadline(dl)
}

// sanitize turns a raw reply into printable text. Line breaks survive as \n
// so that anchored patterns see one header per line.
func sanitize(raw []byte) string {
	var b strings.Builder
	for _, r := range strings.ToValidUTF8(string(raw), "?") {
		switch {
		case r == '\r':
		case r == '\n', r == '\t':
			b.WriteRune(r)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			b.WriteByte('.')
		}
	}
	return strings.TrimSpace(b.String())
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/100) / 10
}
