package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureKind separates OS records from service records.
type SignatureKind string

const (
	SignatureOS      SignatureKind = "os"
	SignatureService SignatureKind = "service"
)

// Predicate is one weighted expectation on a feature. Exactly one of Expect,
// Range, OneOf, Contains or Pattern is set.
type Predicate struct {
	Feature   string    `json:"feature" yaml:"feature"`
	Expect    *Value    `json:"expect,omitempty" yaml:"expect,omitempty"`
	Range     []float64 `json:"range,omitempty" yaml:"range,omitempty"`
	Tolerance float64   `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	OneOf     []string  `json:"one_of,omitempty" yaml:"one_of,omitempty"`
	Contains  []string  `json:"contains,omitempty" yaml:"contains,omitempty"`
	Pattern   string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Weight    float64   `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// EffectiveWeight returns the weight with the default of 1 applied.
func (p Predicate) EffectiveWeight() float64 {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// Key is a canonical text form of the predicate used to order evaluation.
func (p Predicate) Key() string {
	var b strings.Builder
	b.WriteString(p.Feature)
	b.WriteByte('|')
	switch {
	case p.Expect != nil:
		b.WriteString("eq:" + p.Expect.Kind.String() + ":" + p.Expect.String())
	case len(p.Range) == 2:
		b.WriteString("range:" + ftoa(p.Range[0]) + ":" + ftoa(p.Range[1]))
	case len(p.OneOf) > 0:
		b.WriteString("oneof:" + strings.Join(p.OneOf, ","))
	case len(p.Contains) > 0:
		b.WriteString("contains:" + strings.Join(p.Contains, ","))
	case p.Pattern != "":
		b.WriteString("pattern:" + p.Pattern)
	}
	b.WriteString("|t" + ftoa(p.Tolerance) + "|w" + ftoa(p.EffectiveWeight()))
	return b.String()
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

// Validate checks one predicate in isolation.
func (p Predicate) Validate() error {
	if p.Feature == "" {
		return fmt.Errorf("predicate without feature")
	}
	set := 0
	if p.Expect != nil {
		set++
	}
	if len(p.Range) > 0 {
		set++
		if len(p.Range) != 2 {
			return fmt.Errorf("%s: range needs exactly two bounds", p.Feature)
		}
		if p.Range[0] > p.Range[1] {
			return fmt.Errorf("%s: range min %v above max %v", p.Feature, p.Range[0], p.Range[1])
		}
	}
	if len(p.OneOf) > 0 {
		set++
	}
	if len(p.Contains) > 0 {
		set++
	}
	if p.Pattern != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of expect, range, one_of, contains, pattern required", p.Feature)
	}
	if p.Weight < 0 {
		return fmt.Errorf("%s: negative weight", p.Feature)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("%s: negative tolerance", p.Feature)
	}
	return nil
}

// VersionRange bounds the versions a signature covers. Either end may be empty.
type VersionRange struct {
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

func (v VersionRange) String() string {
	switch {
	case v.Min == "" && v.Max == "":
		return ""
	case v.Min == v.Max:
		return v.Min
	case v.Max == "":
		return v.Min + "+"
	case v.Min == "":
		return "<=" + v.Max
	}
	return v.Min + "-" + v.Max
}

// Signature is an identity record with its weighted predicates. Signatures are
// read-only once loaded.
type Signature struct {
	ID             string        `json:"id" yaml:"id"`
	Kind           SignatureKind `json:"kind" yaml:"kind"`
	Family         string        `json:"family,omitempty" yaml:"family,omitempty"`
	Name           string        `json:"name" yaml:"name"`
	Vendor         string        `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Product        string        `json:"product,omitempty" yaml:"product,omitempty"`
	Version        VersionRange  `json:"version,omitempty" yaml:"version,omitempty"`
	CPE            string        `json:"cpe,omitempty" yaml:"cpe,omitempty"`
	Ports          []uint16      `json:"ports,omitempty" yaml:"ports,omitempty"`
	VersionPattern string        `json:"version_pattern,omitempty" yaml:"version_pattern,omitempty"`
	Predicates     []Predicate   `json:"predicates" yaml:"predicates"`
}

// Validate checks the record shape. Pattern compilation is left to the loader.
func (s Signature) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signature without id")
	}
	if s.Kind != SignatureOS && s.Kind != SignatureService {
		return fmt.Errorf("signature %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.Name == "" {
		return fmt.Errorf("signature %s: name required", s.ID)
	}
	if len(s.Predicates) == 0 {
		return fmt.Errorf("signature %s: no predicates", s.ID)
	}
	for i, p := range s.Predicates {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("signature %s predicate %d: %w", s.ID, i, err)
		}
	}
	return nil
}

// ConfidenceLevel buckets a score for display.
type ConfidenceLevel string

const (
	ConfidenceCertain ConfidenceLevel = "certain"
	ConfidenceHigh    ConfidenceLevel = "high"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceLow     ConfidenceLevel = "low"
)

// LevelFor buckets score.
func LevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceCertain
	case score >= 0.75:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// MatchResult is one scored signature.
type MatchResult struct {
	Signature    *Signature      `json:"signature"`
	Score        float64         `json:"score"`
	Level        ConfidenceLevel `json:"level"`
	Matched      []string        `json:"matched,omitempty"`
	Partial      []string        `json:"partial,omitempty"`
	Contributing int             `json:"contributing"`
	Total        int             `json:"total"`
}

// ServiceMatch is the outcome of service detection on one port.
type ServiceMatch struct {
	Port         PortSpec      `json:"port"`
	Name         string        `json:"name"`
	Product      string        `json:"product,omitempty"`
	Version      string        `json:"version,omitempty"`
	VersionRange VersionRange  `json:"version_range,omitempty"`
	Confidence   float64       `json:"confidence"`
	Banner       string        `json:"banner,omitempty"`
	Alternatives []MatchResult `json:"alternatives,omitempty"`
}

// DatabaseInfo is read-only introspection of the loaded signature snapshot.
type DatabaseInfo struct {
	Source         string         `json:"source"`
	Generation     int            `json:"generation"`
	LoadedAt       time.Time      `json:"loaded_at"`
	SignatureCount int            `json:"signature_count"`
	OSCount        int            `json:"os_count"`
	ServiceCount   int            `json:"service_count"`
	Families       map[string]int `json:"families"`
}
