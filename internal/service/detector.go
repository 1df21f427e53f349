// Package service identifies the application behind an open port. It grabs a
// greeting or provokes one with a protocol hello, reduces the reply to
// features and ranks the service signatures of the loaded database.
package service

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/match"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/internal/sigdb"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
)

// Unknown names a port whose reply matched no signature.
const Unknown = "unknown"

// Feature names emitted by detection.
const (
	FeatPort        = "service.port"
	FeatBannerText  = "banner.text"
	FeatTokens      = "banner.tokens"
	FeatGreets      = "service.greets"
	FeatFirstByte   = "service.first_byte_ms"
	FeatMQTTConnack = "mqtt.connack"
	FeatMQTTCode    = "mqtt.return_code"
	FeatDNSVersion  = "dns.version"
	FeatDNSRcode    = "dns.rcode"
)

// Catalog hands out the current signature snapshot.
type Catalog interface {
	Snapshot() *sigdb.Snapshot
}

// Dialer opens the TCP and UDP sockets used for grabbing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Detector runs service detection. It holds no per-call state and is safe
// for concurrent use.
type Detector struct {
	Log    *logrus.Entry
	Config domain.ServiceConfig
	Match  match.Options

	catalog Catalog
	dialer  Dialer
	metrics *metrics.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option { return func(s *Detector) { s.dialer = d } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Detector) { s.metrics = m } }

// New returns a detector ranking against catalog.
func New(log *logrus.Entry, catalog Catalog, cfg domain.ServiceConfig, opts match.Options, options ...Option) *Detector {
	d := &Detector{
		Log:     log.WithField("component", "service"),
		Config:  cfg,
		Match:   opts,
		catalog: catalog,
		dialer:  &net.Dialer{},
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// grab is what one exchange with the service produced.
type grab struct {
	banner string
	fv     domain.FeatureVector
}

// evidence reports whether the service said anything that can identify it.
func (g grab) evidence() bool {
	for _, name := range []string{FeatBannerText, FeatMQTTConnack, FeatDNSVersion, FeatDNSRcode} {
		if _, ok := g.fv.Get(name); ok {
			return true
		}
	}
	return false
}

// Detect identifies the service on port. A port that accepts but never
// answers yields an Unknown match; a refused connection is an error.
func (d *Detector) Detect(ctx context.Context, target domain.Target, port domain.PortSpec) (*domain.ServiceMatch, error) {
	if !target.Valid() {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "service", "invalid target address", nil)
	}
	if err := port.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.Config.Timeout)
	defer cancel()

	addr := netip.AddrPortFrom(target.Addr, port.Port).String()
	var (
		g   grab
		err error
	)
	switch port.Protocol {
	case domain.TCP:
		g, err = d.grabTCP(ctx, addr, port.Port)
	case domain.UDP:
		g, err = d.grabUDP(ctx, addr, port.Port)
	}
	if err != nil {
		d.Log.WithFields(logrus.Fields{"target": target.String(), "port": port.String()}).WithError(err).Debug("Service grab failed")
		return nil, err
	}
	g.fv.SetStr(FeatPort, strconv.Itoa(int(port.Port)))

	sm := d.Classify(g.fv, port, g.banner, g.evidence())
	d.metrics.ObserveMatch("service", time.Since(start))
	d.Log.WithFields(logrus.Fields{
		"target":     target.String(),
		"port":       port.String(),
		"service":    sm.Name,
		"confidence": sm.Confidence,
	}).Debug("Service detected")
	return sm, nil
}

// Classify ranks fv against the service signatures. Without evidence from
// the service itself the result is Unknown.
func (d *Detector) Classify(fv domain.FeatureVector, port domain.PortSpec, banner string, evidence bool) *domain.ServiceMatch {
	sm := &domain.ServiceMatch{Port: port, Name: Unknown, Banner: banner}
	if !evidence {
		return sm
	}
	ranked := identifying(match.Rank(fv, d.catalog.Snapshot().Services(), d.Match))
	if len(ranked) == 0 {
		return sm
	}
	best := ranked[0]
	sig := best.Signature
	sm.Name = sig.Name
	sm.Product = sig.Product
	sm.VersionRange = sig.Version
	sm.Confidence = best.Score
	sm.Version = ExtractVersion(sig, versionSource(fv, banner))
	if len(ranked) > 1 {
		sm.Alternatives = ranked[1:]
	}
	return sm
}

// identifying drops results that matched nothing but the port number and
// whether the service greets, which every listener on that port shares.
func identifying(ranked []domain.MatchResult) []domain.MatchResult {
	out := ranked[:0]
	for _, r := range ranked {
		for _, f := range r.Matched {
			if f != FeatPort && f != FeatGreets {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// versionSource is the text version patterns run against.
func versionSource(fv domain.FeatureVector, banner string) string {
	if v, ok := fv.Get(FeatDNSVersion); ok {
		return v.Str
	}
	return banner
}

// ExtractVersion applies the signature's version pattern to text and returns
// the first capture group, or "".
func ExtractVersion(sig *domain.Signature, text string) string {
	if sig.VersionPattern == "" || text == "" {
		return ""
	}
	re, err := match.Compile(sig.VersionPattern)
	if err != nil {
		return ""
	}
	m, err := re.FindStringMatch(match.Subject(text))
	if err != nil || m == nil {
		return ""
	}
	if g := m.GroupByNumber(1); g != nil && len(g.Captures) > 0 {
		return g.String()
	}
	return ""
}

// dialErr maps a failed connect. Refusal means nothing listens there.
func dialErr(op string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return sonarerr.E(sonarerr.Unreachable, op, "connection refused", err)
	}
	return sonarerr.FromOS(op, err)
}
