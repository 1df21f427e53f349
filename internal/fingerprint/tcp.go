package fingerprint

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/packet"
)

// Feature names emitted by the TCP stack battery.
const (
	FeatTTL         = "tcp.ttl"
	FeatTTLInitial  = "tcp.ttl_initial"
	FeatWindow      = "tcp.window"
	FeatOptions     = "tcp.options"
	FeatMSS         = "tcp.mss"
	FeatWScale      = "tcp.wscale"
	FeatSACK        = "tcp.sack"
	FeatTimestamp   = "tcp.timestamp"
	FeatDF          = "tcp.df"
	FeatISNPattern  = "tcp.isn_pattern"
	FeatISNGCD      = "tcp.isn_gcd"
	FeatISNRate     = "tcp.isn_rate"
	FeatIPIDPattern = "ip.id_pattern"
	FeatRSTWindow   = "tcp.rst_window"
	FeatRSTDF       = "tcp.rst_df"
	FeatRSTTTL      = "tcp.rst_ttl_initial"
)

// Sequence number generator classes.
const (
	ISNConstant    = "constant"
	ISNIncremental = "incremental"
	ISNTime        = "time"
	ISNRandom      = "random"
)

// IP ID generator classes.
const (
	IPIDZero        = "zero"
	IPIDConstant    = "constant"
	IPIDIncremental = "incremental"
	IPIDRandom      = "random"
)

// maxIncrementSteps bounds how many fixed steps an incremental generator may
// advance between two probes.
const maxIncrementSteps = 16

// minISNSamples is the shortest ISN train that can show a pattern. A single
// increment matches every class.
const minISNSamples = 3

// seqSample is one SYN/ACK of the sequence probe train.
type seqSample struct {
	sent  time.Time
	reply *packet.Packet
}

func (r *run) tcpStack(ctx context.Context) error {
	seq := template("SEQ")
	var samples []seqSample
	var rtt time.Duration
	sent := 0
	for i := 0; i < r.f.Config.SeqProbes; i++ {
		if i > 0 {
			if err := sleep(ctx, r.f.Config.SeqInterval); err != nil {
				return err
			}
		}
		sport := r.f.packets.EphemeralPort()
		raw, err := packet.Build(packet.KindTCP, r.tcpFields(seq, sport, r.open, rand.Uint32(), uint32(i+1)))
		if err != nil {
			return err
		}
		at := time.Now()
		sent++
		reply, d, err := r.exchange(ctx, raw, packet.TCPFrom(r.target.Addr, r.open, sport))
		if err != nil {
			if isAbort(err) {
				return err
			}
			continue
		}
		if reply == nil {
			continue
		}
		if !reply.TCP.Flags.Has(packet.SYN | packet.ACK) {
			r.record(seq, sent, len(samples), rtt, "open port answered "+reply.TCP.Flags.String())
			return fmt.Errorf("port %d did not answer SYN/ACK", r.open)
		}
		r.reset(ctx, reply)
		samples = append(samples, seqSample{sent: at, reply: reply})
		rtt += d
	}
	note := ""
	if len(samples) == 0 {
		note = "no SYN/ACK"
	} else {
		rtt /= time.Duration(len(samples))
	}
	r.record(seq, sent, len(samples), rtt, note)
	r.set(seqFeatures(samples))

	if r.closed == 0 {
		return nil
	}
	return r.closedReset(ctx)
}

// closedReset sends one SYN to the closed port and records the RST shape.
func (r *run) closedReset(ctx context.Context) error {
	t := template("RST")
	sport := r.f.packets.EphemeralPort()
	raw, err := packet.Build(packet.KindTCP, r.tcpFields(t, sport, r.closed, rand.Uint32(), 1))
	if err != nil {
		return err
	}
	reply, rtt, err := r.exchange(ctx, raw, packet.TCPFrom(r.target.Addr, r.closed, sport))
	if err != nil {
		r.record(t, 1, 0, 0, err.Error())
		return err
	}
	if reply == nil {
		r.record(t, 1, 0, 0, "no reply")
		return nil
	}
	if !reply.TCP.Flags.Has(packet.RST) {
		if reply.TCP.Flags.Has(packet.SYN | packet.ACK) {
			r.reset(ctx, reply)
		}
		r.record(t, 1, 1, rtt, "closed port answered "+reply.TCP.Flags.String())
		return nil
	}
	r.record(t, 1, 1, rtt, "")
	fv := domain.FeatureVector{}
	fv.SetNum(FeatRSTWindow, float64(reply.TCP.Window))
	fv.SetBool(FeatRSTDF, reply.DF)
	fv.SetNum(FeatRSTTTL, float64(InitialTTL(reply.TTL)))
	r.set(fv)
	return nil
}

// seqFeatures reduces the SYN/ACK train to stack features. The first reply
// supplies the header shape; the whole train supplies generator classes.
func seqFeatures(samples []seqSample) domain.FeatureVector {
	fv := domain.FeatureVector{}
	if len(samples) == 0 {
		return fv
	}
	first := samples[0].reply
	fv.SetNum(FeatTTL, float64(first.TTL))
	fv.SetNum(FeatTTLInitial, float64(InitialTTL(first.TTL)))
	fv.SetNum(FeatWindow, float64(first.TCP.Window))
	fv.SetStr(FeatOptions, first.TCP.OptionOrder())
	if mss, ok := first.TCP.MSS(); ok {
		fv.SetNum(FeatMSS, float64(mss))
	}
	if ws, ok := first.TCP.WScale(); ok {
		fv.SetNum(FeatWScale, float64(ws))
	}
	fv.SetBool(FeatSACK, first.TCP.SACKPermitted())
	_, _, ts := first.TCP.Timestamp()
	fv.SetBool(FeatTimestamp, ts)
	fv.SetBool(FeatDF, first.DF)

	if len(samples) < 2 {
		return fv
	}
	isns := make([]uint32, len(samples))
	ids := make([]uint16, len(samples))
	times := make([]time.Time, len(samples))
	for i, s := range samples {
		isns[i] = s.reply.TCP.Seq
		ids[i] = s.reply.IPID
		times[i] = s.sent
	}
	if pattern, gcd, rate := ClassifyISN(isns, times); pattern != "" {
		fv.SetStr(FeatISNPattern, pattern)
		fv.SetNum(FeatISNGCD, float64(gcd))
		fv.SetNum(FeatISNRate, math.Round(rate))
	}
	fv.SetStr(FeatIPIDPattern, ClassifyIPID(ids))
	return fv
}

// InitialTTL rounds an observed TTL up to the nearest common initial value.
func InitialTTL(ttl uint8) uint8 {
	for _, v := range []uint8{32, 64, 128} {
		if ttl <= v {
			return v
		}
	}
	return 255
}

// ClassifyISN classifies a train of initial sequence numbers sent at times.
// It returns the class, the GCD of the increments and the mean increment
// rate per second. The class is empty when there are too few samples.
func ClassifyISN(isns []uint32, times []time.Time) (string, uint32, float64) {
	if len(isns) < minISNSamples {
		return "", 0, 0
	}
	diffs := make([]uint32, len(isns)-1)
	var g uint32
	allZero, allEqual := true, true
	for i := 1; i < len(isns); i++ {
		d := isns[i] - isns[i-1]
		diffs[i-1] = d
		g = gcd(g, d)
		if d != 0 {
			allZero = false
		}
		if d != diffs[0] {
			allEqual = false
		}
	}
	rates := make([]float64, 0, len(diffs))
	for i, d := range diffs {
		if len(times) != len(isns) {
			break
		}
		dt := times[i+1].Sub(times[i]).Seconds()
		if dt > 0 {
			rates = append(rates, float64(d)/dt)
		}
	}
	mean, cv := meanCV(rates)

	var maxDiff uint32
	for _, d := range diffs {
		maxDiff = max(maxDiff, d)
	}
	switch {
	case allZero:
		return ISNConstant, 0, 0
	case allEqual, g > 1 && maxDiff/g <= maxIncrementSteps:
		// fixed steps, possibly skipping a few taken by other connections
		return ISNIncremental, g, mean
	}
	small := maxDiff < 1<<24
	if small && len(rates) == len(diffs) && cv < 0.25 {
		return ISNTime, g, mean
	}
	return ISNRandom, g, mean
}

// ClassifyIPID classifies the IP ID generator from consecutive replies.
func ClassifyIPID(ids []uint16) string {
	if len(ids) < 2 {
		return IPIDRandom
	}
	zero, same, inc := true, true, true
	for i, id := range ids {
		if id != 0 {
			zero = false
		}
		if id != ids[0] {
			same = false
		}
		if i > 0 {
			d := id - ids[i-1]
			if d == 0 || d > 1000 {
				inc = false
			}
		}
	}
	switch {
	case zero:
		return IPIDZero
	case same:
		return IPIDConstant
	case inc:
		return IPIDIncremental
	}
	return IPIDRandom
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func meanCV(xs []float64) (mean, cv float64) {
	if len(xs) == 0 {
		return 0, math.Inf(1)
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if mean == 0 {
		return 0, math.Inf(1)
	}
	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(v/float64(len(xs))) / mean
}
