package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReportVersion is the schema version written into every Report.
const ReportVersion = "1.0"

// Plan selects the phases a Pipeline runs after the port scan.
type Plan struct {
	Fingerprint    bool `yaml:"fingerprint" json:"fingerprint"`
	Active         bool `yaml:"active" json:"active"`
	Services       bool `yaml:"services" json:"services"`
	ServiceWorkers int  `yaml:"service_workers" json:"service_workers"`
}

// DefaultPlan fingerprints passively and detects services four at a time.
func DefaultPlan() Plan {
	return Plan{Fingerprint: true, Services: true, ServiceWorkers: 4}
}

// Report is the combined outcome of one pipeline run.
type Report struct {
	Version     string                  `json:"version"`
	Status      string                  `json:"status"` // completed, completed_with_errors, failed, cancelled
	Target      domain.Target           `json:"target"`
	StartedAt   time.Time               `json:"started_at"`
	Duration    time.Duration           `json:"duration"`
	Scan        *domain.ScanResult      `json:"scan,omitempty"`
	Fingerprint *domain.FingerprintData `json:"fingerprint,omitempty"`
	OS          []domain.MatchResult    `json:"os,omitempty"`
	Services    []domain.ServiceMatch   `json:"services,omitempty"`
	Database    domain.DatabaseInfo     `json:"database"`
	Errors      []string                `json:"errors,omitempty"`
}

// Status is a progress snapshot of a running pipeline.
type Status struct {
	Phase     string    `json:"phase"` // idle, scanning, fingerprinting, detecting, completed
	Progress  float64   `json:"progress"`
	StartTime time.Time `json:"start_time"`
	Message   string    `json:"message,omitempty"`
}

// vectorMatcher is implemented by engines that can rank an already collected
// vector, which lets the report keep the raw fingerprint.
type vectorMatcher interface {
	MatchVector(fv domain.FeatureVector) []domain.MatchResult
}

// Pipeline chains scan, OS fingerprint and service detection over an Engine.
type Pipeline struct {
	Log    *logrus.Entry
	Engine Engine
	Plan   Plan

	mu     sync.Mutex
	status Status
}

// NewPipeline returns an idle pipeline.
func NewPipeline(log *logrus.Entry, engine Engine, plan Plan) *Pipeline {
	if plan.ServiceWorkers < 1 {
		plan.ServiceWorkers = 1
	}
	return &Pipeline{
		Log:    log.WithField("component", "pipeline"),
		Engine: engine,
		Plan:   plan,
		status: Status{Phase: "idle"},
	}
}

// Status returns the current progress.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pipeline) updateStatus(phase string, progress float64, msg string) {
	p.mu.Lock()
	p.status.Phase, p.status.Progress, p.status.Message = phase, progress, msg
	p.mu.Unlock()
	p.Log.WithFields(logrus.Fields{"phase": phase, "progress": progress}).Debug(msg)
}

// Run scans job and, for what the scan finds open, fingerprints the host and
// identifies services. Phase failures are collected in the report; only a
// failed scan or cancellation ends the run early. The report is never nil.
func (p *Pipeline) Run(ctx context.Context, job domain.ScanJob) (*Report, error) {
	start := time.Now()
	p.mu.Lock()
	p.status = Status{Phase: "idle", StartTime: start}
	p.mu.Unlock()

	rep := &Report{
		Version:   ReportVersion,
		Status:    "running",
		Target:    job.Target,
		StartedAt: start,
		Database:  p.Engine.DatabaseInfo(),
	}
	finish := func(err error) (*Report, error) {
		rep.Duration = time.Since(start)
		switch {
		case sonarerr.KindOf(err) == sonarerr.Cancelled:
			rep.Status = "cancelled"
		case err != nil:
			rep.Status = "failed"
		case len(rep.Errors) > 0:
			rep.Status = "completed_with_errors"
		default:
			rep.Status = "completed"
		}
		p.updateStatus("completed", 1, "Run "+rep.Status)
		return rep, err
	}

	p.updateStatus("scanning", 0.1, "Scanning ports")
	res, err := p.Engine.Scan(ctx, job)
	rep.Scan = res
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("scan: %v", err))
		return finish(err)
	}

	if p.Plan.Fingerprint {
		p.updateStatus("fingerprinting", 0.4, "Fingerprinting operating system")
		if err := p.fingerprint(ctx, rep); err != nil {
			return finish(err)
		}
	}

	if p.Plan.Services {
		p.updateStatus("detecting", 0.7, "Detecting services")
		if err := p.services(ctx, rep); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

// fingerprint probes the first open TCP port, pairing it with the first
// closed one when the scan found any.
func (p *Pipeline) fingerprint(ctx context.Context, rep *Report) error {
	open := rep.Scan.OpenPorts(domain.TCP)
	if len(open) == 0 {
		rep.Errors = append(rep.Errors, "fingerprint: skipped, no open tcp port")
		return nil
	}
	closed := rep.Scan.FirstClosed(domain.TCP)

	if vm, ok := p.Engine.(vectorMatcher); ok {
		data, err := p.Engine.FingerprintOS(ctx, rep.Target, open[0], closed, p.Plan.Active)
		rep.Fingerprint = data
		if err != nil {
			return p.phaseErr(rep, "fingerprint", err)
		}
		rep.OS = vm.MatchVector(data.Features)
		return nil
	}
	res, err := p.Engine.MatchOS(ctx, rep.Target, open[0], closed, p.Plan.Active)
	if err != nil {
		return p.phaseErr(rep, "fingerprint", err)
	}
	rep.OS = res
	return nil
}

// services runs detection on every open port with bounded concurrency.
// Results keep the scan's port order.
func (p *Pipeline) services(ctx context.Context, rep *Report) error {
	var ports []domain.PortSpec
	for _, pr := range rep.Scan.Ports {
		if pr.State == domain.StateOpen {
			ports = append(ports, pr.Port)
		}
	}
	if len(ports) == 0 {
		return nil
	}
	found := make([]*domain.ServiceMatch, len(ports))
	errs := make([]error, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Plan.ServiceWorkers)
	for i, port := range ports {
		g.Go(func() error {
			sm, err := p.Engine.DetectService(gctx, rep.Target, port)
			if err != nil {
				if sonarerr.KindOf(err) == sonarerr.Cancelled {
					return err
				}
				errs[i] = err
				return nil
			}
			found[i] = sm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sonarerr.E(sonarerr.Cancelled, "services", "cancelled", err)
	}
	for i, sm := range found {
		if sm != nil {
			rep.Services = append(rep.Services, *sm)
			continue
		}
		rep.Errors = append(rep.Errors, fmt.Sprintf("service %s: %v", ports[i], errs[i]))
	}
	return nil
}

// phaseErr records a phase failure. Cancellation is returned to stop the run;
// anything else only lands in the report.
func (p *Pipeline) phaseErr(rep *Report, phase string, err error) error {
	rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", phase, err))
	p.Log.WithError(err).WithField("phase", phase).Warn("Phase failed")
	if sonarerr.KindOf(err) == sonarerr.Cancelled || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
