package domain

import "time"

// ClockSkewSample pairs a local send time with the peer's TCP timestamp.
type ClockSkewSample struct {
	Local  time.Time
	Remote uint32
}

// ClockSkew summarises a regression over ClockSkewSamples.
type ClockSkew struct {
	Samples     int     `json:"samples"`
	HZ          float64 `json:"hz"`
	NominalHZ   float64 `json:"nominal_hz"`
	SkewPPM     float64 `json:"skew_ppm"`
	Residual    float64 `json:"residual"`
	Unstable    bool    `json:"unstable"`
	Virtualized bool    `json:"virtualized"`

	// Uptime is the last timestamp value over the nominal rate. Stacks that
	// offset their timestamps per connection make it meaningless.
	Uptime time.Duration `json:"uptime,omitempty"`
}

// ProbeRecord is the raw evidence of one fingerprint probe.
type ProbeRecord struct {
	Template  string        `json:"template"`
	Battery   string        `json:"battery"`
	Sent      int           `json:"sent"`
	Responded int           `json:"responded"`
	RTT       time.Duration `json:"rtt,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// FingerprintData is the output of one fingerprinting run.
type FingerprintData struct {
	Target     Target        `json:"target"`
	OpenPort   uint16        `json:"open_port"`
	ClosedPort uint16        `json:"closed_port,omitempty"`
	Active     bool          `json:"active"`
	Features   FeatureVector `json:"features"`
	Probes     []ProbeRecord `json:"probes"`
	ClockSkew  *ClockSkew    `json:"clock_skew,omitempty"`
	Duration   time.Duration `json:"duration"`
}
