package fingerprint

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
	"bytemomo/sonar/internal/throttle"
	"bytemomo/sonar/pkg/sonarerr"
)

// Feature names emitted by the clock battery.
const (
	FeatClockHZ          = "clock.hz"
	FeatClockSkew        = "clock.skew_ppm"
	FeatClockUnstable    = "clock.unstable"
	FeatClockVirtualized = "clock.virtualized"
	FeatClockUptime      = "clock.uptime_s"
)

// NominalHZ lists the timestamp clock rates stacks are known to use.
var NominalHZ = []float64{2, 10, 64, 100, 128, 250, 300, 1000}

const (
	// nominalTolerance is the relative distance at which a measured rate
	// still counts as a nominal one.
	nominalTolerance = 0.1
	// virtualSkewPPM is the skew above which a clock is flagged as
	// virtualized, provided the measurement resolves it.
	virtualSkewPPM = 500
	// unstableJitter is the residual, in seconds of peer clock, above which
	// the samples are considered too noisy.
	unstableJitter = 0.005
)

// clockSkew holds one throttle slot for the whole sampling window so the
// samples keep a fixed spacing.
func (r *run) clockSkew(ctx context.Context) error {
	t := template("SKEW")
	slot, err := r.th.Acquire(ctx)
	if err != nil {
		return err
	}
	outcome, total := throttle.Timeout, time.Duration(0)
	defer func() {
		if outcome == throttle.Success {
			slot.Report(outcome, total)
		} else {
			slot.Release()
		}
	}()

	var samples []domain.ClockSkewSample
	sent := 0
	for i := 0; i < r.f.Config.SkewSamples; i++ {
		if i > 0 {
			if err := sleep(ctx, r.f.Config.SkewInterval); err != nil {
				return err
			}
		}
		sport := r.f.packets.EphemeralPort()
		raw, err := packet.Build(packet.KindTCP, r.tcpFields(t, sport, r.open, rand.Uint32(), uint32(i+1)))
		if err != nil {
			return err
		}
		at := time.Now()
		sent++
		reply, rtt, err := r.f.packets.Exchange(ctx, raw, r.target.Addr, packet.TCPFrom(r.target.Addr, r.open, sport), r.f.Config.Timeout)
		if err != nil {
			if sonarerr.KindOf(err) == sonarerr.Timeout {
				continue
			}
			if isAbort(err) {
				return err
			}
			r.log.WithError(err).Debug("Clock sample failed")
			continue
		}
		if reply.TCP.Flags.Has(packet.SYN | packet.ACK) {
			r.reset(ctx, reply)
		}
		val, _, ok := reply.TCP.Timestamp()
		if !ok {
			r.record(t, sent, len(samples), 0, "peer does not send timestamps")
			return nil
		}
		// Half the round trip approximates when the peer stamped the reply.
		samples = append(samples, domain.ClockSkewSample{Local: at.Add(rtt / 2), Remote: val})
		total += rtt
	}
	if len(samples) > 0 {
		outcome = throttle.Success
		total /= time.Duration(len(samples))
	}

	skew, err := EstimateSkew(samples)
	if err != nil {
		r.record(t, sent, len(samples), total, err.Error())
		return nil
	}
	r.record(t, sent, len(samples), total, "")
	fv := domain.FeatureVector{}
	fv.SetNum(FeatClockHZ, skew.NominalHZ)
	if skew.NominalHZ == 0 {
		fv.SetNum(FeatClockHZ, math.Round(skew.HZ))
	}
	fv.SetNum(FeatClockSkew, math.Round(skew.SkewPPM))
	fv.SetBool(FeatClockUnstable, skew.Unstable)
	fv.SetBool(FeatClockVirtualized, skew.Virtualized)
	if skew.Uptime > 0 {
		fv.SetNum(FeatClockUptime, math.Round(skew.Uptime.Seconds()))
	}
	r.mu.Lock()
	r.skew = &skew
	r.mu.Unlock()
	r.set(fv)
	return nil
}

// EstimateSkew fits the peer timestamp clock against local time by least
// squares. The slope is the peer clock rate; skew is its relative distance
// from the nearest nominal rate. Timestamp wraparound is unwrapped.
func EstimateSkew(samples []domain.ClockSkewSample) (domain.ClockSkew, error) {
	out := domain.ClockSkew{Samples: len(samples)}
	if len(samples) < 3 {
		return out, fmt.Errorf("need at least 3 timestamp samples, have %d", len(samples))
	}
	t0 := samples[0].Local
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	var base float64
	for i, s := range samples {
		xs[i] = s.Local.Sub(t0).Seconds()
		if i > 0 && s.Remote < samples[i-1].Remote && samples[i-1].Remote-s.Remote > 1<<31 {
			base += 1 << 32
		}
		ys[i] = base + float64(s.Remote) - float64(samples[0].Remote)
	}
	n := float64(len(samples))
	var sx, sy, sxy, sxx float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxy += xs[i] * ys[i]
		sxx += xs[i] * xs[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return out, fmt.Errorf("timestamp samples share one local instant")
	}
	slope := (n*sxy - sx*sy) / den
	intercept := (sy - slope*sx) / n
	if slope <= 0 {
		return out, fmt.Errorf("peer timestamp clock does not advance")
	}

	var ss float64
	for i := range xs {
		d := ys[i] - (slope*xs[i] + intercept)
		ss += d * d
	}
	out.HZ = slope
	out.Residual = math.Sqrt(ss / n)

	span := xs[len(xs)-1] - xs[0]
	out.NominalHZ = nearestNominal(slope)
	if out.NominalHZ > 0 {
		out.SkewPPM = (slope/out.NominalHZ - 1) * 1e6
		last := float64(samples[len(samples)-1].Remote)
		out.Uptime = time.Duration(last / out.NominalHZ * float64(time.Second))
	}
	out.Unstable = out.Residual/slope > unstableJitter
	switch {
	case out.NominalHZ == 0:
		out.Virtualized = true
	case span > 0:
		// one tick of quantization over the span bounds what the fit resolves
		resolution := 1e6 / (out.NominalHZ * span)
		out.Virtualized = math.Abs(out.SkewPPM) > virtualSkewPPM && math.Abs(out.SkewPPM) > 3*resolution
	}
	return out, nil
}

func nearestNominal(hz float64) float64 {
	best, dist := 0.0, math.Inf(1)
	for _, n := range NominalHZ {
		d := math.Abs(hz-n) / n
		if d < dist {
			best, dist = n, d
		}
	}
	if dist > nominalTolerance {
		return 0
	}
	return best
}
