package recon_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/sonar/internal/adapter/logger"
	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/recon"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine answers from fixed tables.
type stubEngine struct {
	scan     *domain.ScanResult
	scanErr  error
	osErr    error
	services map[uint16]string
	svcErr   map[uint16]error
	delay    time.Duration

	mu        sync.Mutex
	fpCalls   [][2]uint16
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (s *stubEngine) Scan(ctx context.Context, job domain.ScanJob) (*domain.ScanResult, error) {
	if s.scan == nil {
		return &domain.ScanResult{Target: job.Target}, s.scanErr
	}
	return s.scan, s.scanErr
}

func (s *stubEngine) FingerprintOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) (*domain.FingerprintData, error) {
	s.mu.Lock()
	s.fpCalls = append(s.fpCalls, [2]uint16{open, closed})
	s.mu.Unlock()
	if s.osErr != nil {
		return nil, s.osErr
	}
	fv := domain.FeatureVector{}
	fv.SetNum("tcp.ttl_initial", 64)
	return &domain.FingerprintData{Target: target, Features: fv}, nil
}

func (s *stubEngine) MatchOS(ctx context.Context, target domain.Target, open, closed uint16, active bool) ([]domain.MatchResult, error) {
	if _, err := s.FingerprintOS(ctx, target, open, closed, active); err != nil {
		return nil, err
	}
	return []domain.MatchResult{{Signature: &domain.Signature{ID: "linux-5", Family: "linux"}, Score: 0.9}}, nil
}

func (s *stubEngine) DetectService(ctx context.Context, target domain.Target, port domain.PortSpec) (*domain.ServiceMatch, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxFlight.Load()
		if n <= m || s.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, sonarerr.FromOS("service", ctx.Err())
		}
	}
	if err := s.svcErr[port.Port]; err != nil {
		return nil, err
	}
	return &domain.ServiceMatch{Port: port, Name: s.services[port.Port]}, nil
}

func (s *stubEngine) DatabaseInfo() domain.DatabaseInfo {
	return domain.DatabaseInfo{Source: "stub", Generation: 1}
}

// vectorEngine also ranks collected vectors.
type vectorEngine struct {
	*stubEngine
	vectors atomic.Int32
}

func (v *vectorEngine) MatchVector(fv domain.FeatureVector) []domain.MatchResult {
	v.vectors.Add(1)
	return []domain.MatchResult{{Signature: &domain.Signature{ID: "from-vector"}, Score: 1}}
}

func scanOf(states map[uint16]domain.PortState, order ...uint16) *domain.ScanResult {
	res := &domain.ScanResult{Host: domain.HostStatus{State: domain.HostUp}}
	for _, p := range order {
		res.Ports = append(res.Ports, domain.PortResult{
			Port:  domain.PortSpec{Port: p, Protocol: domain.TCP},
			State: states[p],
		})
	}
	return res
}

func job() domain.ScanJob {
	return domain.ScanJob{Target: domain.NewTarget(target)}
}

func TestPipelineRunsAllPhases(t *testing.T) {
	eng := &stubEngine{
		scan: scanOf(map[uint16]domain.PortState{
			22: domain.StateOpen, 80: domain.StateOpen, 443: domain.StateClosed, 8080: domain.StateFiltered,
		}, 22, 80, 443, 8080),
		services: map[uint16]string{22: "ssh", 80: "http"},
	}
	p := recon.NewPipeline(logger.Discard(), eng, recon.DefaultPlan())
	assert.Equal(t, "idle", p.Status().Phase)

	rep, err := p.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, "completed", rep.Status)
	assert.Equal(t, recon.ReportVersion, rep.Version)
	assert.Equal(t, "stub", rep.Database.Source)
	assert.Empty(t, rep.Errors)

	require.Len(t, rep.OS, 1)
	assert.Equal(t, "linux-5", rep.OS[0].Signature.ID)
	assert.Equal(t, [][2]uint16{{22, 443}}, eng.fpCalls)

	require.Len(t, rep.Services, 2)
	assert.Equal(t, "ssh", rep.Services[0].Name)
	assert.Equal(t, "http", rep.Services[1].Name)

	st := p.Status()
	assert.Equal(t, "completed", st.Phase)
	assert.Equal(t, 1.0, st.Progress)
}

func TestPipelineKeepsFingerprintWithVectorMatcher(t *testing.T) {
	eng := &vectorEngine{stubEngine: &stubEngine{
		scan: scanOf(map[uint16]domain.PortState{22: domain.StateOpen}, 22),
	}}
	plan := recon.DefaultPlan()
	plan.Services = false
	rep, err := recon.NewPipeline(logger.Discard(), eng, plan).Run(context.Background(), job())
	require.NoError(t, err)

	require.NotNil(t, rep.Fingerprint)
	assert.Equal(t, 64.0, rep.Fingerprint.Features["tcp.ttl_initial"].Num)
	require.Len(t, rep.OS, 1)
	assert.Equal(t, "from-vector", rep.OS[0].Signature.ID)
	assert.EqualValues(t, 1, eng.vectors.Load())
	assert.Equal(t, [][2]uint16{{22, 0}}, eng.fpCalls)
}

func TestPipelineCollectsPhaseErrors(t *testing.T) {
	eng := &stubEngine{
		scan:     scanOf(map[uint16]domain.PortState{21: domain.StateOpen, 22: domain.StateOpen}, 21, 22),
		osErr:    sonarerr.E(sonarerr.PermissionDenied, "fingerprint", "raw packet access unavailable", nil),
		services: map[uint16]string{22: "ssh"},
		svcErr:   map[uint16]error{21: sonarerr.E(sonarerr.Unreachable, "service", "connection refused", nil)},
	}
	rep, err := recon.NewPipeline(logger.Discard(), eng, recon.DefaultPlan()).Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, "completed_with_errors", rep.Status)
	assert.Empty(t, rep.OS)
	require.Len(t, rep.Services, 1)
	assert.Equal(t, "ssh", rep.Services[0].Name)
	require.Len(t, rep.Errors, 2)
	assert.Contains(t, rep.Errors[0], "fingerprint")
	assert.Contains(t, rep.Errors[1], "service 21/tcp")
}

func TestPipelineSkipsFingerprintWithoutOpenPort(t *testing.T) {
	eng := &stubEngine{scan: scanOf(map[uint16]domain.PortState{22: domain.StateClosed}, 22)}
	rep, err := recon.NewPipeline(logger.Discard(), eng, recon.DefaultPlan()).Run(context.Background(), job())
	require.NoError(t, err)
	assert.Empty(t, eng.fpCalls)
	assert.Empty(t, rep.Services)
	assert.Equal(t, []string{"fingerprint: skipped, no open tcp port"}, rep.Errors)
}

func TestPipelineStopsOnScanFailure(t *testing.T) {
	eng := &stubEngine{scanErr: sonarerr.E(sonarerr.PermissionDenied, "scan", "syn and udp variants need raw sockets", nil)}
	rep, err := recon.NewPipeline(logger.Discard(), eng, recon.DefaultPlan()).Run(context.Background(), job())
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarerr.ErrPermissionDenied)
	require.NotNil(t, rep)
	assert.Equal(t, "failed", rep.Status)
	assert.Empty(t, eng.fpCalls)
}

func TestPipelineBoundsServiceConcurrency(t *testing.T) {
	states := map[uint16]domain.PortState{}
	var order []uint16
	for p := uint16(1); p <= 12; p++ {
		states[p] = domain.StateOpen
		order = append(order, p)
	}
	eng := &stubEngine{scan: scanOf(states, order...), delay: 10 * time.Millisecond}
	plan := recon.Plan{Services: true, ServiceWorkers: 3}
	rep, err := recon.NewPipeline(logger.Discard(), eng, plan).Run(context.Background(), job())
	require.NoError(t, err)
	require.Len(t, rep.Services, 12)
	for i, sm := range rep.Services {
		assert.Equal(t, order[i], sm.Port.Port)
	}
	assert.LessOrEqual(t, eng.maxFlight.Load(), int32(3))
}

func TestPipelineCancelled(t *testing.T) {
	states := map[uint16]domain.PortState{}
	var order []uint16
	for p := uint16(1); p <= 8; p++ {
		states[p] = domain.StateOpen
		order = append(order, p)
	}
	eng := &stubEngine{scan: scanOf(states, order...), delay: time.Second}
	plan := recon.Plan{Services: true, ServiceWorkers: 2}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	began := time.Now()
	rep, err := recon.NewPipeline(logger.Discard(), eng, plan).Run(ctx, job())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sonarerr.ErrCancelled))
	assert.Equal(t, "cancelled", rep.Status)
	assert.Less(t, time.Since(began), 500*time.Millisecond)
}
