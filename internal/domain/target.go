package domain

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"bytemomo/sonar/pkg/sonarerr"
)

// Target is a resolved scan destination. It is not modified once a job owns it.
type Target struct {
	Host string     `json:"host" yaml:"host"`
	Addr netip.Addr `json:"addr" yaml:"addr"`
}

func (t Target) String() string {
	if t.Host == "" || t.Host == t.Addr.String() {
		return t.Addr.String()
	}
	return fmt.Sprintf("%s (%s)", t.Host, t.Addr)
}

// Valid reports whether the target carries a usable address.
func (t Target) Valid() bool { return t.Addr.IsValid() && !t.Addr.IsUnspecified() }

// NewTarget builds a Target from a literal address.
func NewTarget(addr netip.Addr) Target {
	addr = addr.Unmap()
	return Target{Host: addr.String(), Addr: addr}
}

// ResolveTarget resolves host once. IPv4 results are preferred over IPv6.
func ResolveTarget(ctx context.Context, host string) (Target, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		t := NewTarget(addr)
		t.Host = host
		return t, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return Target{}, sonarerr.E(sonarerr.Unreachable, "resolve", host, err)
	}
	if len(addrs) == 0 {
		return Target{}, sonarerr.E(sonarerr.Unreachable, "resolve", host+": no addresses", nil)
	}
	best := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			best = a.Unmap()
			break
		}
	}
	return Target{Host: host, Addr: best}, nil
}
