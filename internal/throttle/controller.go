// Package throttle implements the per-job AIMD controller that bounds how
// many probes may be in flight at once.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Outcome is what became of one probe.
type Outcome int

const (
	Success Outcome = iota
	Timeout
	Error
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	}
	return "unknown"
}

// Stats is a point-in-time view of a controller.
type Stats struct {
	Window    int
	InFlight  int
	Successes int
	Timeouts  int
	Errors    int
	Increases int
	Decreases int
	SRTT      time.Duration
	RTTVar    time.Duration
	RTO       time.Duration
}

// Controller admits probes while the in-flight count is below the window.
// The window grows by one after IncreaseAfter consecutive successes and is
// multiplied by DecreaseFactor after DecreaseAfter consecutive timeouts,
// always staying within [1, Ceiling].
type Controller struct {
	cfg     domain.ThrottleConfig
	log     *logrus.Entry
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	window     int
	inFlight   int
	successRun int
	timeoutRun int
	srtt       time.Duration
	rttvar     time.Duration
	haveRTT    bool
	stats      Stats
	wake       chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = log.WithField("component", "throttle") }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New returns a controller for one job. Invalid bounds are clamped rather
// than rejected so a controller always admits at least one probe.
func New(cfg domain.ThrottleConfig, opts ...Option) *Controller {
	if cfg.Ceiling < 1 {
		cfg.Ceiling = 1
	}
	if cfg.Initial < 1 {
		cfg.Initial = 1
	}
	if cfg.Initial > cfg.Ceiling {
		cfg.Initial = cfg.Ceiling
	}
	if cfg.IncreaseAfter < 1 {
		cfg.IncreaseAfter = 1
	}
	if cfg.DecreaseAfter < 1 {
		cfg.DecreaseAfter = 1
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = 0.5
	}
	if cfg.MinRTO <= 0 {
		cfg.MinRTO = 100 * time.Millisecond
	}
	if cfg.MaxRTO < cfg.MinRTO {
		cfg.MaxRTO = cfg.MinRTO
	}

	c := &Controller{
		cfg:    cfg,
		window: cfg.Initial,
		wake:   make(chan struct{}),
	}
	if cfg.MaxRate > 0 {
		burst := int(math.Ceil(cfg.MaxRate / 10))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), max(burst, 1))
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "throttle")
	}
	return c
}

// Slot is one admitted probe. Exactly one of Report or Release takes
// effect; later calls are ignored.
type Slot struct {
	c    *Controller
	once sync.Once
}

// Report records the probe outcome and frees the slot.
func (s *Slot) Report(o Outcome, rtt time.Duration) {
	s.once.Do(func() { s.c.finish(o, rtt, true) })
}

// Release frees the slot without affecting the window.
func (s *Slot) Release() {
	s.once.Do(func() { s.c.finish(0, 0, false) })
}

// Acquire blocks until a probe may be sent or ctx ends.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	for {
		c.mu.Lock()
		if c.inFlight < c.window {
			c.inFlight++
			c.publishLocked()
			c.mu.Unlock()
			break
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, sonarerr.FromOS("throttle", ctx.Err())
		}
	}

	s := &Slot{c: c}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			s.Release()
			return nil, sonarerr.FromOS("throttle", err)
		}
	}
	return s, nil
}

func (c *Controller) finish(o Outcome, rtt time.Duration, counted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	if counted {
		c.metrics.RecordOutcome(o.String())
		switch o {
		case Success:
			c.stats.Successes++
			c.timeoutRun = 0
			c.successRun++
			if rtt > 0 {
				c.sampleLocked(rtt)
			}
			if c.successRun >= c.cfg.IncreaseAfter {
				c.successRun = 0
				if c.window < c.cfg.Ceiling {
					c.window++
					c.stats.Increases++
				}
			}
		case Timeout:
			c.stats.Timeouts++
			c.successRun = 0
			c.timeoutRun++
			if c.timeoutRun >= c.cfg.DecreaseAfter {
				c.timeoutRun = 0
				c.decreaseLocked()
			}
		case Error:
			c.stats.Errors++
			c.successRun = 0
		}
	}
	c.publishLocked()
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Controller) decreaseLocked() {
	if c.window <= 1 {
		return
	}
	next := int(math.Floor(float64(c.window) * c.cfg.DecreaseFactor))
	if next >= c.window {
		next = c.window - 1
	}
	old := c.window
	c.window = max(next, 1)
	c.stats.Decreases++
	c.log.WithFields(logrus.Fields{"from": old, "to": c.window}).Debug("Shrinking probe window after consecutive timeouts")
}

// sampleLocked folds one RTT into the smoothed estimate with the usual
// 1/8 and 1/4 gains.
func (c *Controller) sampleLocked(rtt time.Duration) {
	if !c.haveRTT {
		c.srtt = rtt
		c.rttvar = rtt / 2
		c.haveRTT = true
		return
	}
	delta := c.srtt - rtt
	if delta < 0 {
		delta = -delta
	}
	c.rttvar = (3*c.rttvar + delta) / 4
	c.srtt = (7*c.srtt + rtt) / 8
}

func (c *Controller) rtoLocked() time.Duration {
	if !c.haveRTT {
		return c.cfg.MaxRTO
	}
	rto := c.srtt + 4*c.rttvar
	return min(max(rto, c.cfg.MinRTO), c.cfg.MaxRTO)
}

func (c *Controller) publishLocked() {
	c.metrics.SetWindow(c.window, c.inFlight)
}

// RTO is the current retransmission timeout estimate. Without samples it is
// MaxRTO.
func (c *Controller) RTO() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtoLocked()
}

// Window is the current in-flight allowance.
func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Stats returns a snapshot.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Window = c.window
	s.InFlight = c.inFlight
	s.SRTT = c.srtt
	s.RTTVar = c.rttvar
	s.RTO = c.rtoLocked()
	return s
}
