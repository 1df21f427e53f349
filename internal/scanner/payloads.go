package scanner

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/miekg/dns"
)

// UDPPayload returns a request the usual service on port answers. Ports
// without a known protocol get an empty datagram.
func UDPPayload(port uint16) []byte {
	switch port {
	case 53, 5353:
		return dnsVersionQuery()
	case 123:
		return ntpRequest()
	case 161:
		return snmpGetRequest()
	}
	return nil
}

// dnsVersionQuery asks for version.bind in the CHAOS class, which most
// recursive and authoritative servers answer.
func dnsVersionQuery() []byte {
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.RecursionDesired = false
	b, err := m.Pack()
	if err != nil {
		return nil
	}
	return b
}

// ntpRequest is a version 4 client mode packet.
func ntpRequest() []byte {
	b := make([]byte, 48)
	b[0] = 0xe3 // LI unknown, version 4, mode 3
	return b
}

// snmpGetRequest is an SNMPv1 GetRequest for sysDescr.0 with community
// "public".
func snmpGetRequest() []byte {
	b := []byte{
		0x30, 0x29,
		0x02, 0x01, 0x00,
		0x04, 0x06, 'p', 'u', 'b', 'l', 'i', 'c',
		0xa0, 0x1c,
		0x02, 0x04, 0, 0, 0, 0,
		0x02, 0x01, 0x00,
		0x02, 0x01, 0x00,
		0x30, 0x0e,
		0x30, 0x0c,
		0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01, 0x01, 0x00,
		0x05, 0x00,
	}
	binary.BigEndian.PutUint32(b[17:21], rand.Uint32()&0x7fffffff)
	return b
}
