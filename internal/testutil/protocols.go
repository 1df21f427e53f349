package testutil

import (
	"fmt"
	"net"
	"sync"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/miekg/dns"
)

// MockMQTTBroker accepts MQTT connections and answers CONNECT with a
// CONNACK carrying ReturnCode.
type MockMQTTBroker struct {
	*MockTCPServer
	ReturnCode byte

	mu       sync.Mutex
	clients  []string
	connects int
}

// NewMockMQTTBroker creates a broker that accepts every client.
func NewMockMQTTBroker() *MockMQTTBroker {
	b := &MockMQTTBroker{ReturnCode: packets.Accepted}
	b.MockTCPServer = NewMockTCPServer(b.handleConnection)
	return b
}

func (b *MockMQTTBroker) handleConnection(conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			b.mu.Lock()
			b.connects++
			b.clients = append(b.clients, p.ClientIdentifier)
			b.mu.Unlock()
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = b.ReturnCode
			if err := ack.Write(conn); err != nil {
				return
			}
			if b.ReturnCode != packets.Accepted {
				return
			}
		case *packets.PingreqPacket:
			if err := packets.NewControlPacket(packets.Pingresp).Write(conn); err != nil {
				return
			}
		case *packets.DisconnectPacket:
			return
		}
	}
}

// Connects returns how many CONNECT packets arrived.
func (b *MockMQTTBroker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Clients returns the client identifiers seen, in arrival order.
func (b *MockMQTTBroker) Clients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clients...)
}

// DNSServer is a UDP DNS server answering version.bind CHAOS queries with
// Version. An empty Version refuses the query.
type DNSServer struct {
	Version string

	server *dns.Server
	conn   net.PacketConn
	done   chan struct{}
}

// NewDNSServer creates a server reporting version.
func NewDNSServer(version string) *DNSServer {
	return &DNSServer{Version: version}
}

// Start starts the server on a random port and waits until it serves.
func (s *DNSServer) Start() error {
	var err error
	s.conn, err = net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	started := make(chan struct{})
	s.done = make(chan struct{})
	s.server = &dns.Server{
		PacketConn:        s.conn,
		Handler:           dns.HandlerFunc(s.handle),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		defer close(s.done)
		_ = s.server.ActivateAndServe()
	}()
	<-started
	return nil
}

func (s *DNSServer) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	q := r.Question
	if len(q) != 1 || q[0].Qclass != dns.ClassCHAOS || q[0].Name != "version.bind." || s.Version == "" {
		m.Rcode = dns.RcodeRefused
		_ = w.WriteMsg(m)
		return
	}
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: q[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 0},
		Txt: []string{s.Version},
	})
	_ = w.WriteMsg(m)
}

// Stop shuts the server down.
func (s *DNSServer) Stop() error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown()
	<-s.done
	return err
}

// Addr returns the server address.
func (s *DNSServer) Addr() string {
	return s.conn.LocalAddr().String()
}
