// Package fingerprint runs probe batteries against one target and reduces the
// replies to a feature vector the matcher can score.
package fingerprint

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Dialer opens the TCP connection used by the banner battery.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Fingerprinter is safe for concurrent use; each call gets its own throttle.
type Fingerprinter struct {
	Log    *logrus.Entry
	Config domain.FingerprintConfig

	packets *packet.Engine
	dialer  Dialer
	metrics *metrics.Metrics
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithDialer replaces the banner dialer.
func WithDialer(d Dialer) Option { return func(f *Fingerprinter) { f.dialer = d } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(f *Fingerprinter) { f.metrics = m } }

// New returns a fingerprinter. packets may be nil, in which case every call
// fails with PermissionDenied.
func New(log *logrus.Entry, packets *packet.Engine, cfg domain.FingerprintConfig, opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		Log:     log.WithField("component", "fingerprint"),
		Config:  cfg,
		packets: packets,
		dialer:  &net.Dialer{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// run is the state of one Fingerprint call shared by its batteries.
type run struct {
	f      *Fingerprinter
	log    *logrus.Entry
	target domain.Target
	src    netip.Addr
	open   uint16
	closed uint16
	active bool
	th     *throttle.Controller

	mu     sync.Mutex
	fv     domain.FeatureVector
	probes []domain.ProbeRecord
	skew   *domain.ClockSkew
}

// Fingerprint probes target. openPort must be a port known to be open;
// closedPort is optional (zero skips the probes that need one). active adds
// the unusual-flag probes.
func (f *Fingerprinter) Fingerprint(ctx context.Context, target domain.Target, openPort, closedPort uint16, active bool) (*domain.FingerprintData, error) {
	if !target.Valid() {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "fingerprint", "target has no usable address", nil)
	}
	if openPort == 0 {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "fingerprint", "an open port is required", nil)
	}
	if closedPort == openPort {
		return nil, sonarerr.E(sonarerr.MalformedRequest, "fingerprint", "open and closed port must differ", nil)
	}
	if f.packets == nil {
		return nil, sonarerr.E(sonarerr.PermissionDenied, "fingerprint", "raw packet access unavailable", nil)
	}
	src, err := f.packets.Source(target.Addr)
	if err != nil {
		return nil, sonarerr.E(sonarerr.Unreachable, "fingerprint", "no route to "+target.String(), err)
	}

	start := time.Now()
	r := &run{
		f:      f,
		log:    f.Log.WithFields(logrus.Fields{"target": target.String(), "open": openPort, "closed": closedPort}),
		target: target,
		src:    src,
		open:   openPort,
		closed: closedPort,
		active: active,
		th:     throttle.New(f.Config.Throttle, throttle.WithLogger(f.Log), throttle.WithMetrics(f.metrics)),
		fv:     domain.FeatureVector{},
	}
	r.log.Info("Fingerprint started")

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range Batteries {
		if !r.enabled(b) {
			continue
		}
		g.Go(func() error { return r.battery(gctx, b) })
	}
	err = g.Wait()

	data := r.result(openPort, closedPort, active, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			err = sonarerr.E(sonarerr.Cancelled, "fingerprint", "cancelled", context.Cause(ctx))
		}
		r.log.WithError(err).Warn("Fingerprint aborted")
		return data, err
	}
	r.log.WithFields(logrus.Fields{
		"features": len(data.Features),
		"probes":   len(data.Probes),
		"duration": data.Duration,
	}).Info("Fingerprint finished")
	return data, nil
}

func (r *run) enabled(b Battery) bool {
	cfg := r.f.Config
	switch b {
	case BatteryTCP:
		return cfg.TCP
	case BatteryICMP:
		return cfg.ICMP
	case BatteryActiveICMP:
		return cfg.ICMP && r.active
	case BatteryUDP:
		return cfg.UDP && cfg.ClosedUDPPort != 0
	case BatteryClock:
		return cfg.ClockSkew
	case BatteryActiveTCP:
		return r.active
	case BatteryBanner:
		return cfg.Banner
	}
	return false
}

// battery runs one battery. Probe failures are absorbed into the probe
// records; only fatal and cancellation errors are returned.
func (r *run) battery(ctx context.Context, b Battery) error {
	var err error
	switch b {
	case BatteryTCP:
		err = r.tcpStack(ctx)
	case BatteryICMP:
		err = r.icmpEcho(ctx)
	case BatteryActiveICMP:
		err = r.icmpActive(ctx)
	case BatteryUDP:
		err = r.udpClosed(ctx)
	case BatteryClock:
		err = r.clockSkew(ctx)
	case BatteryActiveTCP:
		err = r.tcpActive(ctx)
	case BatteryBanner:
		err = r.banner(ctx)
	}
	status := "ok"
	switch {
	case err == nil:
	case isAbort(err):
		r.f.metrics.RecordBattery(b.String(), "aborted")
		return err
	default:
		status = "error"
		r.log.WithError(err).WithField("battery", b.String()).Debug("Battery failed")
	}
	r.f.metrics.RecordBattery(b.String(), status)
	return nil
}

func isAbort(err error) bool {
	return sonarerr.IsFatal(err) || sonarerr.KindOf(err) == sonarerr.Cancelled ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// exchange sends raw under one throttle slot and waits for a reply accepted
// by m. A timeout is not an error: it returns a nil packet.
func (r *run) exchange(ctx context.Context, raw []byte, m packet.Matcher) (*packet.Packet, time.Duration, error) {
	slot, err := r.th.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	reply, rtt, err := r.f.packets.Exchange(ctx, raw, r.target.Addr, m, r.f.Config.Timeout)
	switch {
	case err == nil:
		slot.Report(throttle.Success, rtt)
		return reply, rtt, nil
	case sonarerr.KindOf(err) == sonarerr.Timeout:
		slot.Report(throttle.Timeout, 0)
		return nil, 0, nil
	case isAbort(err):
		slot.Release()
		return nil, 0, err
	}
	slot.Report(throttle.Error, 0)
	return nil, 0, err
}

func (r *run) set(fv domain.FeatureVector) {
	r.mu.Lock()
	r.fv.Merge(fv)
	r.mu.Unlock()
}

func (r *run) record(t ProbeTemplate, sent, responded int, rtt time.Duration, note string) {
	r.mu.Lock()
	r.probes = append(r.probes, domain.ProbeRecord{
		Template:  t.Name,
		Battery:   t.Battery.String(),
		Sent:      sent,
		Responded: responded,
		RTT:       rtt,
		Note:      note,
	})
	r.mu.Unlock()
}

func (r *run) result(open, closed uint16, active bool, d time.Duration) *domain.FingerprintData {
	r.mu.Lock()
	defer r.mu.Unlock()
	probes := append([]domain.ProbeRecord(nil), r.probes...)
	sort.SliceStable(probes, func(i, j int) bool {
		return templateIndex(probes[i].Template) < templateIndex(probes[j].Template)
	})
	fv := make(domain.FeatureVector, len(r.fv))
	fv.Merge(r.fv)
	return &domain.FingerprintData{
		Target:     r.target,
		OpenPort:   open,
		ClosedPort: closed,
		Active:     active,
		Features:   fv,
		Probes:     probes,
		ClockSkew:  r.skew,
		Duration:   d,
	}
}

// tcpFields fills the common header values of a TCP template.
func (r *run) tcpFields(t ProbeTemplate, sport, dport uint16, seq, tsval uint32) packet.Fields {
	return packet.Fields{
		Src: r.src, Dst: r.target.Addr, IPID: r.f.packets.NextIPID(), DontFragment: t.DF, TOS: t.TOS,
		SrcPort: sport, DstPort: dport, Seq: seq, Flags: t.Flags, Window: t.Window,
		Options: t.options(tsval),
	}
}

// reset tears down a half-open connection left by a SYN/ACK.
func (r *run) reset(ctx context.Context, reply *packet.Packet) {
	raw, err := packet.Build(packet.KindTCP, packet.Fields{
		Src: r.src, Dst: r.target.Addr, IPID: r.f.packets.NextIPID(),
		SrcPort: reply.TCP.DstPort, DstPort: reply.TCP.SrcPort, Seq: reply.TCP.Ack, Flags: packet.RST,
	})
	if err == nil {
		err = r.f.packets.Send(ctx, raw, r.target.Addr)
	}
	if err != nil {
		r.log.WithError(err).Debug("Failed to send RST after SYN/ACK")
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return sonarerr.FromOS("fingerprint", ctx.Err())
	case <-t.C:
		return nil
	}
}
