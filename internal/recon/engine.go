// Package recon assembles the packet engine, scanner, fingerprinter, service
// detector and signature database behind one typed interface.
package recon

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/fingerprint"
	"bytemomo/sonar/internal/match"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/scanner"
	"bytemomo/sonar/internal/service"
	"bytemomo/sonar/internal/sigdb"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Engine is what callers of the reconnaissance engine depend on.
type Engine interface {
	// Scan classifies every port of job. The result is never nil.
	Scan(ctx context.Context, job domain.ScanJob) (*domain.ScanResult, error)
	// FingerprintOS collects stack features of target. closed == 0 means no
	// closed port is known.
	FingerprintOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) (*domain.FingerprintData, error)
	// MatchOS fingerprints target and ranks the OS signatures.
	MatchOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) ([]domain.MatchResult, error)
	// DetectService identifies the application on one port.
	DetectService(ctx context.Context, target domain.Target, port domain.PortSpec) (*domain.ServiceMatch, error)
	// DatabaseInfo describes the loaded signature snapshot.
	DatabaseInfo() domain.DatabaseInfo
}

var _ Engine = (*Service)(nil)

// Dialer opens ordinary sockets for connect scans, banner grabs and service
// hellos.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Service is the concrete Engine. It owns the raw handles and must be closed.
type Service struct {
	Log    *logrus.Entry
	Config domain.EngineConfig

	metrics *metrics.Metrics
	packets *packet.Engine
	db      *sigdb.DB
	scan    *scanner.Scanner
	fp      *fingerprint.Fingerprinter
	svc     *service.Detector
	closers []io.Closer

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	opener     packet.Opener
	router     packet.Router
	loader     sigdb.Loader
	dialer     Dialer
	registerer prometheus.Registerer
	arpIface   string
}

// Option customises New.
type Option func(*options)

// WithOpener replaces the kernel raw socket opener, e.g. with a fake network.
// It bypasses the privilege check.
func WithOpener(o packet.Opener) Option { return func(opts *options) { opts.opener = o } }

// WithRouter overrides source address selection of the packet engine.
func WithRouter(r packet.Router) Option { return func(opts *options) { opts.router = r } }

// WithLoader replaces the configured signature sources.
func WithLoader(l sigdb.Loader) Option { return func(opts *options) { opts.loader = l } }

// WithDialer replaces the dialer shared by every connect-based probe.
func WithDialer(d Dialer) Option { return func(opts *options) { opts.dialer = d } }

// WithRegisterer registers the engine's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(opts *options) { opts.registerer = reg }
}

// WithARPInterface enables on-link ARP discovery on the named interface.
func WithARPInterface(name string) Option { return func(opts *options) { opts.arpIface = name } }

// New validates cfg, opens raw access as cfg.Raw allows and loads the
// signature database.
func New(ctx context.Context, log *logrus.Entry, cfg domain.EngineConfig, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	s := &Service{Log: log.WithField("component", "recon"), Config: cfg}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics.Namespace, o.registerer)
	}

	var err error
	if s.packets, err = s.openRaw(o); err != nil {
		return nil, err
	}
	if s.packets != nil {
		s.closers = append(s.closers, s.packets)
	}

	loader := o.loader
	if loader == nil {
		if loader, err = sigdb.FromConfig(cfg.Signatures); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.db, err = sigdb.New(ctx, log, loader, sigdb.WithMetrics(s.metrics)); err != nil {
		s.Close()
		return nil, err
	}

	scanOpts := []scanner.Option{scanner.WithMetrics(s.metrics)}
	fpOpts := []fingerprint.Option{fingerprint.WithMetrics(s.metrics)}
	svcOpts := []service.Option{service.WithMetrics(s.metrics)}
	if o.dialer != nil {
		scanOpts = append(scanOpts, scanner.WithDialer(o.dialer))
		fpOpts = append(fpOpts, fingerprint.WithDialer(o.dialer))
		svcOpts = append(svcOpts, service.WithDialer(o.dialer))
	}
	if s.packets != nil {
		scanOpts = append(scanOpts, scanner.WithPacketEngine(s.packets))
	}
	if o.arpIface != "" {
		arp, err := scanner.NewARPClient(o.arpIface)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, arp)
		scanOpts = append(scanOpts, scanner.WithARP(arp))
	}
	s.scan = scanner.New(log, cfg.Scan, scanOpts...)
	s.fp = fingerprint.New(log, s.packets, cfg.Fingerprint, fpOpts...)
	s.svc = service.New(log, s.db, cfg.Service, match.ServiceOptions(cfg.Match), svcOpts...)

	info := s.db.Info()
	s.Log.WithFields(logrus.Fields{
		"raw":        s.packets != nil,
		"signatures": info.SignatureCount,
		"source":     info.Source,
	}).Info("Engine ready")
	return s, nil
}

// openRaw returns the packet engine, or nil when raw access is off or, in
// auto mode, unavailable.
func (s *Service) openRaw(o options) (*packet.Engine, error) {
	if s.Config.Raw == domain.RawOff {
		return nil, nil
	}
	opener := o.opener
	if opener == nil {
		if err := packet.CanUseRaw(); err != nil {
			if s.Config.Raw == domain.RawOn {
				return nil, err
			}
			s.Log.WithError(err).Warn("Raw sockets unavailable, only connect scans and service detection will work")
			return nil, nil
		}
		opener = packet.NewRawOpener(true)
	}
	popts := []packet.Option{packet.WithMetrics(s.metrics), packet.WithHandles(s.Config.Handles)}
	if o.router != nil {
		popts = append(popts, packet.WithRouter(o.router))
	}
	eng, err := packet.NewEngine(s.Log, opener, popts...)
	if err != nil {
		if s.Config.Raw == domain.RawAuto && sonarerr.KindOf(err) == sonarerr.PermissionDenied {
			s.Log.WithError(err).Warn("Raw listeners refused, falling back to connect scans")
			return nil, nil
		}
		return nil, err
	}
	return eng, nil
}

// RawAvailable reports whether SYN, UDP and fingerprint probing can run.
func (s *Service) RawAvailable() bool { return s.packets != nil }

// HandlesInUse reports raw handles currently acquired; zero without raw
// access.
func (s *Service) HandlesInUse() int {
	if s.packets == nil {
		return 0
	}
	return s.packets.HandlesInUse()
}

// Metrics returns the engine collectors, nil when disabled.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Scan implements Engine.
func (s *Service) Scan(ctx context.Context, job domain.ScanJob) (*domain.ScanResult, error) {
	return s.scan.Scan(ctx, job)
}

// ScanStream is Scan that also emits each terminal port result on out.
func (s *Service) ScanStream(ctx context.Context, job domain.ScanJob, out chan<- domain.PortResult) (*domain.ScanResult, error) {
	return s.scan.ScanStream(ctx, job, out)
}

// FingerprintOS implements Engine. On failure the data collected so far is
// returned with the error.
func (s *Service) FingerprintOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) (*domain.FingerprintData, error) {
	return s.fp.Fingerprint(ctx, target, open, closed, active)
}

// MatchOS implements Engine.
func (s *Service) MatchOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) ([]domain.MatchResult, error) {
	data, err := s.FingerprintOS(ctx, target, open, closed, active)
	if err != nil {
		return nil, err
	}
	return s.MatchVector(data.Features), nil
}

// MatchVector ranks fv against the current OS signatures. It sends nothing
// and is deterministic for a given snapshot.
func (s *Service) MatchVector(fv domain.FeatureVector) []domain.MatchResult {
	start := time.Now()
	res := match.Rank(fv, s.db.Snapshot().OS(), match.OSOptions(s.Config.Match))
	s.metrics.ObserveMatch("os", time.Since(start))
	return res
}

// DetectService implements Engine.
func (s *Service) DetectService(ctx context.Context, target domain.Target, port domain.PortSpec) (*domain.ServiceMatch, error) {
	return s.svc.Detect(ctx, target, port)
}

// DatabaseInfo implements Engine.
func (s *Service) DatabaseInfo() domain.DatabaseInfo { return s.db.Info() }

// Reload re-reads the signature sources. In-flight matches keep the snapshot
// they started with; on failure the previous snapshot stays active.
func (s *Service) Reload(ctx context.Context) error { return s.db.Reload(ctx) }

// Close releases raw handles and listeners. It is safe to call twice.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i].Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
