package scanner

import (
	"context"
	"errors"
	"net/netip"
	"syscall"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"
)

func (s *Scanner) probeConnect(ctx context.Context, job domain.ScanJob, th *throttle.Controller, spec domain.PortSpec) (domain.PortResult, error) {
	pr := domain.PortResult{Port: spec, Variant: domain.VariantConnect}
	addr := netip.AddrPortFrom(job.Target.Addr, spec.Port).String()

	for attempt := 0; attempt <= job.Config.Retries; attempt++ {
		slot, err := th.Acquire(ctx)
		if err != nil {
			return pr, err
		}
		pr.Attempts++
		s.metrics.RecordProbe(string(domain.VariantConnect))

		state, reason, rtt, err := s.dial(ctx, addr, job.Config.AttemptTimeout(attempt))
		if ctx.Err() != nil {
			slot.Release()
			return pr, sonarerr.FromOS("connect", ctx.Err())
		}
		if state.IsTerminal() {
			slot.Report(throttle.Success, rtt)
			s.metrics.RecordRTT(string(domain.VariantConnect), rtt)
			pr.State, pr.Reason, pr.RTT = state, reason, rtt
			if err != nil {
				pr.Evidence = append(pr.Evidence, domain.Evidence{Probe: "connect", Kind: sonarerr.KindOf(err), Error: err.Error()})
			}
			return pr, nil
		}
		if classifyErr(err, slot, &pr, "connect") == attemptAbort {
			return pr, err
		}
	}
	pr.State, pr.Reason = domain.StateFiltered, "no-response"
	return pr, nil
}

// dial performs one handshake. A refused or unreachable destination is a
// terminal answer; anything else comes back as an error to retry on.
func (s *Scanner) dial(ctx context.Context, addr string, timeout time.Duration) (domain.PortState, string, time.Duration, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dialer.DialContext(dctx, "tcp", addr)
	rtt := time.Since(start)
	if err == nil {
		_ = conn.Close()
		return domain.StateOpen, "handshake", rtt, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.StateClosed, "conn-refused", rtt, nil
	}
	err = sonarerr.FromOS("connect", err)
	if sonarerr.KindOf(err) == sonarerr.Unreachable {
		return domain.StateFiltered, "unreachable", rtt, err
	}
	return domain.StateUnknown, "", rtt, err
}
