package domain

import (
	"fmt"
	"time"

	"bytemomo/sonar/pkg/sonarerr"
)

// UDPPolicy decides how a silent UDP port is reported.
type UDPPolicy string

const (
	UDPOpenFiltered UDPPolicy = "open|filtered"
	UDPOpen         UDPPolicy = "open"
	UDPFiltered     UDPPolicy = "filtered"
)

// State maps the policy onto a PortState.
func (p UDPPolicy) State() PortState {
	switch p {
	case UDPOpen:
		return StateOpen
	case UDPFiltered:
		return StateFiltered
	}
	return StateOpenFiltered
}

// RawMode controls raw socket usage.
type RawMode string

const (
	RawAuto RawMode = "auto" // use raw sockets when the process may open them
	RawOn   RawMode = "on"   // fail when raw sockets are unavailable
	RawOff  RawMode = "off"
)

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	Structured bool   `yaml:"structured,omitempty"`
}

// ScanConfig is the per-job timeout and retry budget.
type ScanConfig struct {
	Timeout          time.Duration  `yaml:"timeout,omitempty"`
	MaxTimeout       time.Duration  `yaml:"max_timeout,omitempty"`
	Backoff          float64        `yaml:"backoff,omitempty"`
	Retries          int            `yaml:"retries"`
	UDPNoResponse    UDPPolicy      `yaml:"udp_no_response,omitempty"`
	DiscoveryPorts   []uint16       `yaml:"discovery_ports,omitempty"`
	DiscoveryTimeout time.Duration  `yaml:"discovery_timeout,omitempty"`
	ARP              bool           `yaml:"arp,omitempty"`
	Interface        string         `yaml:"iface,omitempty"`
	Throttle         ThrottleConfig `yaml:"throttle"`
}

// AttemptTimeout is the wait budget for the given zero-based attempt.
func (c ScanConfig) AttemptTimeout(attempt int) time.Duration {
	d := float64(c.Timeout)
	for i := 0; i < attempt; i++ {
		d *= c.Backoff
	}
	if c.MaxTimeout > 0 && time.Duration(d) > c.MaxTimeout {
		return c.MaxTimeout
	}
	return time.Duration(d)
}

// WithDefaults fills the unset fields of c from d. Retries comes from d only
// when c is entirely unset, as zero retries is a valid choice.
func (c ScanConfig) WithDefaults(d ScanConfig) ScanConfig {
	if c.isZero() {
		return d
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.Backoff == 0 {
		c.Backoff = d.Backoff
	}
	if c.UDPNoResponse == "" {
		c.UDPNoResponse = d.UDPNoResponse
	}
	if len(c.DiscoveryPorts) == 0 {
		c.DiscoveryPorts = d.DiscoveryPorts
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.Interface == "" {
		c.Interface = d.Interface
	}
	c.Throttle = c.Throttle.WithDefaults(d.Throttle)
	return c
}

func (c ScanConfig) isZero() bool {
	return c.Timeout == 0 && c.MaxTimeout == 0 && c.Backoff == 0 && c.Retries == 0 &&
		c.UDPNoResponse == "" && len(c.DiscoveryPorts) == 0 && c.DiscoveryTimeout == 0 &&
		!c.ARP && c.Interface == "" && c.Throttle == (ThrottleConfig{})
}

// Validate checks the scan budget.
func (c ScanConfig) Validate() error {
	if c.Timeout <= 0 {
		return sonarerr.E(sonarerr.Config, "scan", "timeout must be positive", nil)
	}
	if c.Backoff < 1 {
		return sonarerr.E(sonarerr.Config, "scan", "backoff must be at least 1", nil)
	}
	if c.Retries < 0 {
		return sonarerr.E(sonarerr.Config, "scan", "retries must not be negative", nil)
	}
	switch c.UDPNoResponse {
	case UDPOpenFiltered, UDPOpen, UDPFiltered:
	default:
		return sonarerr.E(sonarerr.Config, "scan", fmt.Sprintf("unknown udp_no_response policy %q", c.UDPNoResponse), nil)
	}
	return c.Throttle.Validate()
}

// ThrottleConfig configures the AIMD rate controller.
type ThrottleConfig struct {
	Initial        int           `yaml:"initial,omitempty"`
	Ceiling        int           `yaml:"ceiling,omitempty"`
	IncreaseAfter  int           `yaml:"increase_after,omitempty"`
	DecreaseAfter  int           `yaml:"decrease_after,omitempty"`
	DecreaseFactor float64       `yaml:"decrease_factor,omitempty"`
	MaxRate        float64       `yaml:"max_rate,omitempty"` // packets per second, 0 disables
	MinRTO         time.Duration `yaml:"min_rto,omitempty"`
	MaxRTO         time.Duration `yaml:"max_rto,omitempty"`
}

// WithDefaults fills the unset fields of c from d. MaxRate stays as given
// since zero disables the cap.
func (c ThrottleConfig) WithDefaults(d ThrottleConfig) ThrottleConfig {
	if c == (ThrottleConfig{}) {
		return d
	}
	if c.Ceiling == 0 {
		c.Ceiling = d.Ceiling
	}
	if c.Initial == 0 {
		c.Initial = min(d.Initial, c.Ceiling)
	}
	if c.IncreaseAfter == 0 {
		c.IncreaseAfter = d.IncreaseAfter
	}
	if c.DecreaseAfter == 0 {
		c.DecreaseAfter = d.DecreaseAfter
	}
	if c.DecreaseFactor == 0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.MinRTO == 0 {
		c.MinRTO = d.MinRTO
	}
	if c.MaxRTO == 0 {
		c.MaxRTO = d.MaxRTO
	}
	return c
}

// Validate checks the controller bounds.
func (c ThrottleConfig) Validate() error {
	switch {
	case c.Ceiling < 1:
		return sonarerr.E(sonarerr.Config, "throttle", "ceiling must be at least 1", nil)
	case c.Initial < 1 || c.Initial > c.Ceiling:
		return sonarerr.E(sonarerr.Config, "throttle", "initial must be within [1, ceiling]", nil)
	case c.IncreaseAfter < 1 || c.DecreaseAfter < 1:
		return sonarerr.E(sonarerr.Config, "throttle", "increase_after and decrease_after must be positive", nil)
	case c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1:
		return sonarerr.E(sonarerr.Config, "throttle", "decrease_factor must be in (0, 1)", nil)
	case c.MaxRate < 0:
		return sonarerr.E(sonarerr.Config, "throttle", "max_rate must not be negative", nil)
	}
	return nil
}

// FingerprintConfig toggles probe batteries and sampling parameters.
type FingerprintConfig struct {
	TCP           bool           `yaml:"tcp"`
	ICMP          bool           `yaml:"icmp"`
	UDP           bool           `yaml:"udp"`
	ClockSkew     bool           `yaml:"clock_skew"`
	Banner        bool           `yaml:"banner"`
	Timeout       time.Duration  `yaml:"timeout,omitempty"`
	SeqProbes     int            `yaml:"seq_probes,omitempty"`
	SeqInterval   time.Duration  `yaml:"seq_interval,omitempty"`
	SkewSamples   int            `yaml:"skew_samples,omitempty"`
	SkewInterval  time.Duration  `yaml:"skew_interval,omitempty"`
	ClosedUDPPort uint16         `yaml:"closed_udp_port,omitempty"`
	Throttle      ThrottleConfig `yaml:"throttle"`
}

// Validate checks sampling parameters.
func (c FingerprintConfig) Validate() error {
	switch {
	case c.Timeout <= 0:
		return sonarerr.E(sonarerr.Config, "fingerprint", "timeout must be positive", nil)
	case c.SeqProbes < 2:
		return sonarerr.E(sonarerr.Config, "fingerprint", "seq_probes must be at least 2", nil)
	case c.ClockSkew && c.SkewSamples < 3:
		return sonarerr.E(sonarerr.Config, "fingerprint", "skew_samples must be at least 3", nil)
	case c.ClockSkew && c.SkewInterval <= 0:
		return sonarerr.E(sonarerr.Config, "fingerprint", "skew_interval must be positive", nil)
	}
	return c.Throttle.Validate()
}

// ServiceConfig configures banner grabbing.
type ServiceConfig struct {
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	GreetingWait time.Duration `yaml:"greeting_wait,omitempty"`
	MaxBanner    int           `yaml:"max_banner,omitempty"`
}

// MatchConfig sets the evidence threshold for ranked output.
type MatchConfig struct {
	MinPredicates        int     `yaml:"min_predicates,omitempty"`
	MinCoverage          float64 `yaml:"min_coverage,omitempty"`
	MaxResults           int     `yaml:"max_results,omitempty"`
	ServiceMinPredicates int     `yaml:"service_min_predicates,omitempty"`
	ServiceMinScore      float64 `yaml:"service_min_score,omitempty"`
}

// Validate checks thresholds.
func (c MatchConfig) Validate() error {
	if c.MinPredicates < 1 || c.ServiceMinPredicates < 1 {
		return sonarerr.E(sonarerr.Config, "match", "min_predicates must be at least 1", nil)
	}
	if c.MinCoverage < 0 || c.MinCoverage > 1 {
		return sonarerr.E(sonarerr.Config, "match", "min_coverage must be in [0, 1]", nil)
	}
	return nil
}

// SignatureConfig locates the signature corpus.
type SignatureConfig struct {
	Path           string `yaml:"path,omitempty"`
	IncludeBuiltin bool   `yaml:"include_builtin"`
}

// MetricsConfig enables prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
}

// EngineConfig is the complete engine configuration.
type EngineConfig struct {
	Log         LogConfig         `yaml:"log"`
	Raw         RawMode           `yaml:"raw,omitempty"`
	Handles     int               `yaml:"handles,omitempty"`
	Scan        ScanConfig        `yaml:"scan"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Service     ServiceConfig     `yaml:"service"`
	Match       MatchConfig       `yaml:"match"`
	Signatures  SignatureConfig   `yaml:"signatures"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// DefaultThrottleConfig returns the controller defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Initial:        10,
		Ceiling:        100,
		IncreaseAfter:  5,
		DecreaseAfter:  3,
		DecreaseFactor: 0.5,
		MinRTO:         100 * time.Millisecond,
		MaxRTO:         10 * time.Second,
	}
}

// DefaultScanConfig returns the scan defaults: three attempts per port with
// doubling waits.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Timeout:          time.Second,
		MaxTimeout:       5 * time.Second,
		Backoff:          2,
		Retries:          2,
		UDPNoResponse:    UDPOpenFiltered,
		DiscoveryPorts:   []uint16{80, 443},
		DiscoveryTimeout: time.Second,
		Throttle:         DefaultThrottleConfig(),
	}
}

// DefaultFingerprintConfig enables every passive battery.
func DefaultFingerprintConfig() FingerprintConfig {
	th := DefaultThrottleConfig()
	th.Initial, th.Ceiling = 4, 16
	return FingerprintConfig{
		TCP:           true,
		ICMP:          true,
		UDP:           true,
		ClockSkew:     true,
		Banner:        true,
		Timeout:       2 * time.Second,
		SeqProbes:     6,
		SeqInterval:   100 * time.Millisecond,
		SkewSamples:   10,
		SkewInterval:  500 * time.Millisecond,
		ClosedUDPPort: 40125,
		Throttle:      th,
	}
}

// DefaultEngineConfig returns a complete configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Log:         LogConfig{Level: "info"},
		Raw:         RawAuto,
		Handles:     4,
		Scan:        DefaultScanConfig(),
		Fingerprint: DefaultFingerprintConfig(),
		Service: ServiceConfig{
			Timeout:      5 * time.Second,
			GreetingWait: 2 * time.Second,
			MaxBanner:    4096,
		},
		Match: MatchConfig{
			MinPredicates:        2,
			MinCoverage:          0.5,
			MaxResults:           10,
			ServiceMinPredicates: 1,
			ServiceMinScore:      0.5,
		},
		Signatures: SignatureConfig{IncludeBuiltin: true},
		Metrics:    MetricsConfig{Enabled: true, Namespace: "sonar"},
	}
}

// Validate checks the whole configuration.
func (c EngineConfig) Validate() error {
	switch c.Raw {
	case RawAuto, RawOn, RawOff:
	default:
		return sonarerr.E(sonarerr.Config, "config", fmt.Sprintf("unknown raw mode %q", c.Raw), nil)
	}
	if c.Handles < 1 {
		return sonarerr.E(sonarerr.Config, "config", "handles must be at least 1", nil)
	}
	if err := c.Scan.Validate(); err != nil {
		return err
	}
	if err := c.Fingerprint.Validate(); err != nil {
		return err
	}
	if c.Service.Timeout <= 0 || c.Service.MaxBanner <= 0 {
		return sonarerr.E(sonarerr.Config, "service", "timeout and max_banner must be positive", nil)
	}
	if !c.Signatures.IncludeBuiltin && c.Signatures.Path == "" {
		return sonarerr.E(sonarerr.Config, "signatures", "no signature source configured", nil)
	}
	return c.Match.Validate()
}
