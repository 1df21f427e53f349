package scanner

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"bytemomo/sonar/pkg/sonarerr"

	"github.com/mdlayher/arp"
)

// ARPResolver answers who-has requests for on-link IPv4 targets.
type ARPResolver interface {
	Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error)
}

// ARPClient resolves addresses on one interface.
type ARPClient struct {
	mu       sync.Mutex
	client   *arp.Client
	prefixes []netip.Prefix
}

// NewARPClient opens an ARP client on the named interface.
func NewARPClient(ifaceName string) (*ARPClient, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, sonarerr.E(sonarerr.Config, "arp", fmt.Sprintf("interface %s", ifaceName), err)
	}
	client, err := arp.Dial(iface)
	if err != nil {
		return nil, sonarerr.FromOS("arp dial", err)
	}
	a := &ARPClient{client: client}
	addrs, _ := iface.Addrs()
	for _, ad := range addrs {
		ipn, ok := ad.(*net.IPNet)
		if !ok {
			continue
		}
		if p, err := netip.ParsePrefix(ipn.String()); err == nil && p.Addr().Is4() {
			a.prefixes = append(a.prefixes, p.Masked())
		}
	}
	return a, nil
}

// OnLink reports whether ip shares a subnet with the interface.
func (a *ARPClient) OnLink(ip netip.Addr) bool {
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve implements ARPResolver. Off-link targets are refused without
// sending anything.
func (a *ARPClient) Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	ip = ip.Unmap()
	if !ip.Is4() || !a.OnLink(ip) {
		return nil, sonarerr.E(sonarerr.Unreachable, "arp", ip.String()+" is not on-link", nil)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.client.SetDeadline(deadline); err != nil {
		return nil, sonarerr.FromOS("arp", err)
	}
	mac, err := a.client.Resolve(ip)
	if err != nil {
		return nil, sonarerr.FromOS("arp", err)
	}
	return mac, nil
}

// Close releases the socket.
func (a *ARPClient) Close() error { return a.client.Close() }
