package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTCPServer_EchoServer(t *testing.T) {
	server := NewMockTCPServer(nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	testData := []byte("hello world")
	_, err = conn.Write(testData)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, testData, buf[:n])
}

func TestBannerServer(t *testing.T) {
	server := NewBannerServer("SSH-2.0-OpenSSH_9.6\r\n")
	require.NoError(t, server.Start())
	defer server.Stop()

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6\r\n", string(buf[:n]))
}

func TestMockUDPServer(t *testing.T) {
	server := NewMockUDPServer(func(req []byte) []byte { return append([]byte("re:"), req...) })
	require.NoError(t, server.Start())
	defer server.Stop()

	conn, err := net.Dial("udp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(buf[:n]))
	assert.Equal(t, 1, server.Received())
}

func TestRedirect(t *testing.T) {
	server := NewBannerServer("hi")
	require.NoError(t, server.Start())
	defer server.Stop()

	dialer := Redirect{}.Route("tcp", 22, server.Addr())
	conn, err := dialer.DialContext(context.Background(), "tcp", "192.0.2.1:22")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, server.Addr(), conn.RemoteAddr().String())
}

func TestMockMQTTBroker(t *testing.T) {
	broker := NewMockMQTTBroker()
	require.NoError(t, broker.Start())
	defer broker.Stop()

	conn, err := net.Dial("tcp", broker.Addr())
	require.NoError(t, err)
	defer conn.Close()

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName, cp.ProtocolVersion, cp.ClientIdentifier = "MQTT", 4, "probe"
	require.NoError(t, cp.Write(conn))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	pkt, err := packets.ReadPacket(conn)
	require.NoError(t, err)
	ack, ok := pkt.(*packets.ConnackPacket)
	require.True(t, ok)
	assert.EqualValues(t, packets.Accepted, ack.ReturnCode)
	require.NoError(t, packets.NewControlPacket(packets.Disconnect).Write(conn))

	assert.Eventually(t, func() bool { return broker.Connects() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"probe"}, broker.Clients())
}

func TestDNSServer(t *testing.T) {
	server := NewDNSServer("9.18.24")
	require.NoError(t, server.Start())
	defer server.Stop()

	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	c := &dns.Client{Net: "udp", Timeout: time.Second}
	r, _, err := c.Exchange(m, server.Addr())
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, []string{"9.18.24"}, r.Answer[0].(*dns.TXT).Txt)

	m.SetQuestion("example.org.", dns.TypeA)
	r, _, err = c.Exchange(m, server.Addr())
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, r.Rcode)
}
