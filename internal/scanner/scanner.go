// Package scanner runs host discovery and the per-port classification state
// machines for one ScanJob at a time.
package scanner

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Dialer opens TCP connections for the connect variant.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Scanner classifies ports. It is safe for concurrent jobs; every job gets
// its own throttle controller and worker pool.
type Scanner struct {
	Log      *logrus.Entry
	Defaults domain.ScanConfig

	packets *packet.Engine
	dialer  Dialer
	metrics *metrics.Metrics
	arp     ARPResolver
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPacketEngine enables the SYN and UDP variants and raw discovery.
func WithPacketEngine(e *packet.Engine) Option { return func(s *Scanner) { s.packets = e } }

// WithDialer replaces the connect-variant dialer.
func WithDialer(d Dialer) Option { return func(s *Scanner) { s.dialer = d } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scanner) { s.metrics = m } }

// WithARP enables on-link ARP discovery for jobs that ask for it.
func WithARP(r ARPResolver) Option { return func(s *Scanner) { s.arp = r } }

// New returns a scanner. defaults fill in a job's zero Config.
func New(log *logrus.Entry, defaults domain.ScanConfig, opts ...Option) *Scanner {
	s := &Scanner{
		Log:      log.WithField("component", "scanner"),
		Defaults: defaults,
		dialer:   &net.Dialer{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RawAvailable reports whether SYN and UDP probing is possible.
func (s *Scanner) RawAvailable() bool { return s.packets != nil }

// Scan runs job to completion. The result is never nil: on a fatal error or
// cancellation it holds every port classified so far and Unknown for the
// rest.
func (s *Scanner) Scan(ctx context.Context, job domain.ScanJob) (*domain.ScanResult, error) {
	return s.run(ctx, job, nil)
}

// ScanStream is Scan that also sends each port result on out as soon as it
// is terminal. out is not closed.
func (s *Scanner) ScanStream(ctx context.Context, job domain.ScanJob, out chan<- domain.PortResult) (*domain.ScanResult, error) {
	return s.run(ctx, job, out)
}

func (s *Scanner) run(ctx context.Context, job domain.ScanJob, out chan<- domain.PortResult) (*domain.ScanResult, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Config = job.Config.WithDefaults(s.Defaults)
	start := time.Now()
	res := &domain.ScanResult{
		JobID:     job.ID,
		Target:    job.Target,
		Host:      domain.HostStatus{State: domain.HostUnknown},
		Ports:     make([]domain.PortResult, len(job.Ports)),
		StartedAt: start,
	}
	for i, p := range job.Ports {
		res.Ports[i] = domain.PortResult{Port: p, State: domain.StateUnknown}
	}
	log := s.Log.WithFields(logrus.Fields{"job": job.ID, "target": job.Target.String()})

	fail := func(err error) (*domain.ScanResult, error) {
		res.Duration = time.Since(start)
		res.Err = err.Error()
		log.WithError(err).Error("Scan job failed")
		return res, err
	}

	if err := job.Validate(); err != nil {
		return fail(err)
	}
	if job.NeedsRaw() && s.packets == nil {
		return fail(sonarerr.E(sonarerr.PermissionDenied, "scan", "syn and udp variants need raw sockets", nil))
	}
	for i, p := range job.Ports {
		res.Ports[i].Variant, _ = job.VariantFor(p)
	}

	log.WithFields(logrus.Fields{
		"ports":    len(job.Ports),
		"variants": job.Variants,
	}).Info("Starting scan job")

	if !job.SkipDiscovery {
		res.Host = s.discover(ctx, job)
		res.Latency = res.Host.RTT
		log.WithField("host", res.Host.State).Debug("Host discovery finished")
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	th := throttle.New(job.Config.Throttle, throttle.WithLogger(log), throttle.WithMetrics(s.metrics))
	pool, err := ants.NewPool(job.Config.Throttle.Ceiling)
	if err != nil {
		return fail(sonarerr.E(sonarerr.Config, "scan", "worker pool", err))
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		outMu   sync.Mutex
		fatalMu sync.Mutex
		fatal   error
	)
	for i, spec := range job.Ports {
		if jobCtx.Err() != nil {
			break
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			pr, err := s.probePort(jobCtx, job, th, spec, res.Ports[i].Variant)
			if err != nil && sonarerr.IsFatal(err) {
				fatalMu.Lock()
				if fatal == nil {
					fatal = err
				}
				fatalMu.Unlock()
				cancel(err)
			}
			if !pr.State.IsTerminal() {
				return
			}
			res.Ports[i] = pr
			s.metrics.RecordPort(pr.State.String())
			if out != nil {
				outMu.Lock()
				select {
				case out <- pr:
				case <-ctx.Done():
				}
				outMu.Unlock()
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			return fail(sonarerr.E(sonarerr.Network, "scan", "submit probe", err))
		}
	}
	wg.Wait()

	for i := range res.Ports {
		if !res.Ports[i].State.IsTerminal() {
			res.Ports[i].Reason = "not classified"
		}
	}
	res.Duration = time.Since(start)
	s.metrics.ObserveScan(res.Duration)

	if fatal != nil {
		return fail(fatal)
	}
	if err := ctx.Err(); err != nil {
		res.Cancelled = true
		err = sonarerr.E(sonarerr.Cancelled, "scan", "job cancelled", err)
		res.Err = err.Error()
		counts := res.Counts()
		log.WithFields(logrus.Fields{
			"classified": len(res.Ports) - counts[domain.StateUnknown],
			"unknown":    counts[domain.StateUnknown],
		}).Warn("Scan job cancelled")
		return res, err
	}

	counts := res.Counts()
	log.WithFields(logrus.Fields{
		"open":          counts[domain.StateOpen],
		"closed":        counts[domain.StateClosed],
		"filtered":      counts[domain.StateFiltered],
		"open_filtered": counts[domain.StateOpenFiltered],
		"window":        th.Window(),
		"duration":      res.Duration,
	}).Info("Scan job complete")
	return res, nil
}

func (s *Scanner) probePort(ctx context.Context, job domain.ScanJob, th *throttle.Controller, spec domain.PortSpec, v domain.ScanVariant) (domain.PortResult, error) {
	var (
		pr  domain.PortResult
		err error
	)
	switch v {
	case domain.VariantSYN:
		pr, err = s.probeSYN(ctx, job, th, spec)
	case domain.VariantConnect:
		pr, err = s.probeConnect(ctx, job, th, spec)
	case domain.VariantUDP:
		pr, err = s.probeUDP(ctx, job, th, spec)
	default:
		err = sonarerr.E(sonarerr.MalformedRequest, "scan", "unsupported variant "+string(v), nil)
	}
	if err != nil {
		pr.State = domain.StateUnknown
		s.Log.WithError(err).WithField("port", spec.String()).Debug("Probe aborted")
	}
	return pr, err
}

// attemptOutcome is what one send-and-wait produced.
type attemptOutcome int

const (
	attemptRetry attemptOutcome = iota
	attemptDone
	attemptAbort
)

// classifyErr sorts a per-attempt error into retry, abort or evidence. The
// slot is always settled.
func classifyErr(err error, slot *throttle.Slot, pr *domain.PortResult, probe string) attemptOutcome {
	kind := sonarerr.KindOf(err)
	switch {
	case kind == sonarerr.Timeout:
		slot.Report(throttle.Timeout, 0)
		return attemptRetry
	case kind == sonarerr.Cancelled, sonarerr.IsFatal(err), errors.Is(err, context.Canceled):
		slot.Release()
		return attemptAbort
	}
	slot.Report(throttle.Error, 0)
	pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: probe, Kind: kind, Error: err.Error()})
	return attemptRetry
}
