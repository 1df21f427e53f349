package domain

import (
	"fmt"
	"time"

	"bytemomo/sonar/pkg/sonarerr"
)

// ScanVariant is the closed set of port probing techniques.
type ScanVariant string

const (
	VariantConnect ScanVariant = "connect"
	VariantSYN     ScanVariant = "syn"
	VariantUDP     ScanVariant = "udp"
)

// NeedsRaw reports whether the variant crafts packets on a raw socket.
func (v ScanVariant) NeedsRaw() bool { return v == VariantSYN || v == VariantUDP }

// PortState is the terminal classification of a port. OpenFiltered is the
// UDP no-response outcome and is kept distinct from the confirmed states.
type PortState int

const (
	StateUnknown PortState = iota
	StateOpen
	StateClosed
	StateFiltered
	StateOpenFiltered
)

func (s PortState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFiltered:
		return "filtered"
	case StateOpenFiltered:
		return "open|filtered"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is a classification rather than the
// absence of one.
func (s PortState) IsTerminal() bool { return s != StateUnknown }

func (s PortState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PortState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StateOpen
	case "closed":
		*s = StateClosed
	case "filtered":
		*s = StateFiltered
	case "open|filtered":
		*s = StateOpenFiltered
	case "unknown", "":
		*s = StateUnknown
	default:
		return fmt.Errorf("unknown port state %q", b)
	}
	return nil
}

// Evidence records what a probe observed. Kind is zero for positive evidence
// and carries the error kind for absorbed per-probe failures.
type Evidence struct {
	Probe  string        `json:"probe"`
	Detail string        `json:"detail,omitempty"`
	Kind   sonarerr.Kind `json:"-"`
	Error  string        `json:"error,omitempty"`
}

// PortResult is the outcome for one PortSpec.
type PortResult struct {
	Port     PortSpec      `json:"port"`
	State    PortState     `json:"state"`
	Variant  ScanVariant   `json:"variant"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	RTT      time.Duration `json:"rtt,omitempty"`
	TTL      uint8         `json:"ttl,omitempty"`
	Evidence []Evidence    `json:"evidence,omitempty"`
}

// HostState is the liveness verdict of host discovery.
type HostState string

const (
	HostUnknown HostState = "unknown"
	HostUp      HostState = "up"
	HostDown    HostState = "down"
)

// HostStatus carries the liveness verdict and the probes that produced it.
type HostStatus struct {
	State    HostState     `json:"state"`
	Evidence []Evidence    `json:"evidence,omitempty"`
	RTT      time.Duration `json:"rtt,omitempty"`
	MAC      string        `json:"mac,omitempty"`
}

// ScanJob is a single scan invocation. The scanner owns it until the job
// completes or is cancelled.
type ScanJob struct {
	ID            string        `json:"id" yaml:"id"`
	Target        Target        `json:"target" yaml:"target"`
	Ports         []PortSpec    `json:"ports" yaml:"ports"`
	Variants      []ScanVariant `json:"variants" yaml:"variants"`
	SkipDiscovery bool          `json:"skip_discovery,omitempty" yaml:"skip_discovery,omitempty"`
	Config        ScanConfig    `json:"-" yaml:"config"`
}

// HasVariant reports whether v was requested.
func (j ScanJob) HasVariant(v ScanVariant) bool {
	for _, x := range j.Variants {
		if x == v {
			return true
		}
	}
	return false
}

// VariantFor picks the technique used for a port: SYN over connect for TCP,
// UDP for UDP ports.
func (j ScanJob) VariantFor(p PortSpec) (ScanVariant, error) {
	switch p.Protocol {
	case TCP:
		if j.HasVariant(VariantSYN) {
			return VariantSYN, nil
		}
		if j.HasVariant(VariantConnect) {
			return VariantConnect, nil
		}
	case UDP:
		if j.HasVariant(VariantUDP) {
			return VariantUDP, nil
		}
	}
	return "", sonarerr.E(sonarerr.MalformedRequest, "job", "no requested variant can probe "+p.String(), nil)
}

// NeedsRaw reports whether any requested variant needs raw sockets.
func (j ScanJob) NeedsRaw() bool {
	for _, v := range j.Variants {
		if v.NeedsRaw() {
			return true
		}
	}
	return false
}

// Validate checks the job before any packet is sent.
func (j ScanJob) Validate() error {
	if !j.Target.Valid() {
		return sonarerr.E(sonarerr.MalformedRequest, "job", "target has no address", nil)
	}
	if len(j.Ports) == 0 {
		return sonarerr.E(sonarerr.MalformedRequest, "job", "no ports requested", nil)
	}
	if len(j.Variants) == 0 {
		return sonarerr.E(sonarerr.MalformedRequest, "job", "no scan variants requested", nil)
	}
	for _, v := range j.Variants {
		switch v {
		case VariantConnect, VariantSYN, VariantUDP:
		default:
			return sonarerr.E(sonarerr.MalformedRequest, "job", fmt.Sprintf("unknown variant %q", v), nil)
		}
	}
	seen := make(map[PortSpec]struct{}, len(j.Ports))
	for _, p := range j.Ports {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p]; dup {
			return sonarerr.E(sonarerr.MalformedRequest, "job", "duplicate port "+p.String(), nil)
		}
		seen[p] = struct{}{}
		if _, err := j.VariantFor(p); err != nil {
			return err
		}
	}
	return j.Config.Validate()
}

// ScanResult is produced once per job and not modified afterwards.
type ScanResult struct {
	JobID     string        `json:"job_id"`
	Target    Target        `json:"target"`
	Host      HostStatus    `json:"host"`
	Ports     []PortResult  `json:"ports"`
	Latency   time.Duration `json:"latency"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// Port returns the result for a port number and protocol.
func (r *ScanResult) Port(port uint16, proto Protocol) (PortResult, bool) {
	for _, p := range r.Ports {
		if p.Port.Port == port && p.Port.Protocol == proto {
			return p, true
		}
	}
	return PortResult{}, false
}

// Counts tallies ports per state.
func (r *ScanResult) Counts() map[PortState]int {
	out := make(map[PortState]int)
	for _, p := range r.Ports {
		out[p.State]++
	}
	return out
}

// OpenPorts lists open TCP or UDP ports in result order.
func (r *ScanResult) OpenPorts(proto Protocol) []uint16 {
	var out []uint16
	for _, p := range r.Ports {
		if p.State == StateOpen && p.Port.Protocol == proto {
			out = append(out, p.Port.Port)
		}
	}
	return out
}

// FirstClosed returns the first closed port of proto, or 0.
func (r *ScanResult) FirstClosed(proto Protocol) uint16 {
	for _, p := range r.Ports {
		if p.State == StateClosed && p.Port.Protocol == proto {
			return p.Port.Port
		}
	}
	return 0
}
