package domain

import (
	"fmt"
	"strconv"
	"strings"

	"bytemomo/sonar/pkg/sonarerr"
)

// Protocol is the transport protocol of a port.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// PortSpec identifies one port to probe.
type PortSpec struct {
	Port     uint16   `json:"port" yaml:"port"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
}

func (p PortSpec) String() string { return fmt.Sprintf("%d/%s", p.Port, p.Protocol) }

// Validate checks the port range and protocol.
func (p PortSpec) Validate() error {
	if p.Port == 0 {
		return sonarerr.E(sonarerr.MalformedRequest, "portspec", "port 0 is not scannable", nil)
	}
	if p.Protocol != TCP && p.Protocol != UDP {
		return sonarerr.E(sonarerr.MalformedRequest, "portspec", fmt.Sprintf("unknown protocol %q", p.Protocol), nil)
	}
	return nil
}

// ParsePortSpecs parses a comma separated port list such as
// "22,80-82,U:53,T:443". Entries default to TCP. Order is preserved and
// duplicates are rejected.
func ParsePortSpecs(s string) ([]PortSpec, error) {
	var out []PortSpec
	seen := make(map[PortSpec]struct{})
	for _, raw := range strings.Split(s, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		proto := TCP
		switch {
		case strings.HasPrefix(item, "U:"), strings.HasPrefix(item, "u:"):
			proto, item = UDP, item[2:]
		case strings.HasPrefix(item, "T:"), strings.HasPrefix(item, "t:"):
			item = item[2:]
		}
		lo, hi, err := parseRange(item)
		if err != nil {
			return nil, err
		}
		for p := lo; p <= hi; p++ {
			ps := PortSpec{Port: uint16(p), Protocol: proto}
			if _, dup := seen[ps]; dup {
				return nil, sonarerr.E(sonarerr.MalformedRequest, "ports", "duplicate port "+ps.String(), nil)
			}
			seen[ps] = struct{}{}
			out = append(out, ps)
		}
	}
	if len(out) == 0 {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "ports", "empty port list", nil)
	}
	return out, nil
}

func parseRange(s string) (int, int, error) {
	loS, hiS, isRange := strings.Cut(s, "-")
	lo, err := parsePort(loS)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := parsePort(hiS)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, sonarerr.E(sonarerr.MalformedRequest, "ports", "inverted range "+s, nil)
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return 0, sonarerr.E(sonarerr.MalformedRequest, "ports", fmt.Sprintf("invalid port %q", s), err)
	}
	return n, nil
}
