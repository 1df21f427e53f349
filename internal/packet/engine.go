package packet

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/sirupsen/logrus"
)

// Listener yields complete inbound IP datagrams.
type Listener interface {
	ReadPacket(b []byte) (int, error)
	Close() error
}

// Opener creates raw sockets. Permission failures surface from Open or Listen.
type Opener interface {
	Open() (Conn, error)
	Listen() ([]Listener, error)
}

// Router picks the local source address used to reach a destination.
type Router interface {
	Source(dst netip.Addr) (netip.Addr, error)
}

const (
	subscriptionBuffer = 16
	ephemeralLow       = 33000
	ephemeralSpan      = 28000
)

// Engine sends raw datagrams and hands inbound ones to subscribers whose
// Matcher accepts them. One reader goroutine runs per listener.
type Engine struct {
	log     *logrus.Entry
	pool    *HandlePool
	router  Router
	metrics *metrics.Metrics

	listeners []Listener
	wg        sync.WaitGroup
	closed    atomic.Bool

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	port atomic.Uint32
	ipid atomic.Uint32
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandles sets the raw handle pool size.
func WithHandles(n int) Option {
	return func(e *Engine) { e.pool = NewHandlePool(e.pool.opener, n, e.metrics) }
}

// WithRouter overrides source address selection.
func WithRouter(r Router) Option { return func(e *Engine) { e.router = r } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
		e.pool.metrics = m
	}
}

// NewEngine opens the listeners of opener and starts demultiplexing. Send
// handles are opened on first use.
func NewEngine(log *logrus.Entry, opener Opener, opts ...Option) (*Engine, error) {
	e := &Engine{
		log:    log.WithField("component", "packet"),
		pool:   NewHandlePool(opener, 4, nil),
		router: NewUDPRouter(),
		subs:   make(map[uint64]*Subscription),
	}
	for _, o := range opts {
		o(e)
	}
	e.port.Store(rand.Uint32N(ephemeralSpan))
	e.ipid.Store(rand.Uint32N(1 << 16))

	ls, err := opener.Listen()
	if err != nil {
		return nil, sonarerr.FromOS("listen", err)
	}
	e.listeners = ls
	for _, l := range ls {
		e.wg.Add(1)
		go e.readLoop(l)
	}
	return e, nil
}

func (e *Engine) readLoop(l Listener) {
	defer e.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, err := l.ReadPacket(buf)
		if err != nil {
			if e.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.WithError(err).Debug("Raw read failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt, err := Parse(data)
		if err != nil {
			e.metrics.RecordParseError()
			e.log.WithError(err).WithField("bytes", n).Debug("Dropping unparseable packet")
			continue
		}
		pkt.Received = time.Now()
		e.dispatch(pkt)
	}
}

func (e *Engine) dispatch(p *Packet) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		if !s.match(p) {
			continue
		}
		select {
		case s.ch <- p:
		default:
			e.log.WithField("packet", p.String()).Debug("Subscriber queue full, dropping")
		}
	}
}

// Subscription queues packets accepted by its Matcher until closed.
type Subscription struct {
	e     *Engine
	id    uint64
	match Matcher
	ch    chan *Packet
	once  sync.Once
}

// Subscribe registers m. Subscribe before sending so fast replies are not lost.
func (e *Engine) Subscribe(m Matcher) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	s := &Subscription{e: e, id: e.nextID, match: m, ch: make(chan *Packet, subscriptionBuffer)}
	e.subs[s.id] = s
	return s
}

// Wait blocks until a matching packet arrives, the deadline passes or ctx
// ends. A passed deadline yields a Timeout error, which is the expected
// outcome for silent targets.
func (s *Subscription) Wait(ctx context.Context, deadline time.Time) (*Packet, error) {
	select {
	case p := <-s.ch:
		return p, nil
	default:
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case p := <-s.ch:
		return p, nil
	case <-timer.C:
		return nil, sonarerr.E(sonarerr.Timeout, "receive", "no matching packet before deadline", nil)
	case <-ctx.Done():
		return nil, sonarerr.FromOS("receive", ctx.Err())
	}
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.e.mu.Lock()
		delete(s.e.subs, s.id)
		s.e.mu.Unlock()
	})
}

// Send writes a built datagram through a pooled raw handle.
func (e *Engine) Send(ctx context.Context, pkt []byte, dst netip.Addr) error {
	if e.closed.Load() {
		return sonarerr.E(sonarerr.Network, "send", "engine closed", nil)
	}
	return e.pool.With(ctx, func(c Conn) error {
		if err := c.WritePacket(pkt, dst.Unmap()); err != nil {
			return sonarerr.FromOS("send", err)
		}
		return nil
	})
}

// ReceiveMatching waits for one packet accepted by m.
func (e *Engine) ReceiveMatching(ctx context.Context, m Matcher, deadline time.Time) (*Packet, error) {
	s := e.Subscribe(m)
	defer s.Close()
	return s.Wait(ctx, deadline)
}

// Exchange subscribes m, sends pkt and waits for the first match. The
// returned duration is measured from the send.
func (e *Engine) Exchange(ctx context.Context, pkt []byte, dst netip.Addr, m Matcher, timeout time.Duration) (*Packet, time.Duration, error) {
	s := e.Subscribe(m)
	defer s.Close()
	start := time.Now()
	if err := e.Send(ctx, pkt, dst); err != nil {
		return nil, 0, err
	}
	p, err := s.Wait(ctx, start.Add(timeout))
	if err != nil {
		return nil, 0, err
	}
	return p, p.Received.Sub(start), nil
}

// Source returns the local address used towards dst.
func (e *Engine) Source(dst netip.Addr) (netip.Addr, error) {
	src, err := e.router.Source(dst.Unmap())
	if err != nil {
		return netip.Addr{}, sonarerr.E(sonarerr.Unreachable, "route", dst.String(), err)
	}
	return src.Unmap(), nil
}

// EphemeralPort hands out source ports in rotation so concurrent probes do
// not share one.
func (e *Engine) EphemeralPort() uint16 {
	return uint16(ephemeralLow + e.port.Add(1)%ephemeralSpan)
}

// NextIPID returns a rotating IP identification value.
func (e *Engine) NextIPID() uint16 { return uint16(e.ipid.Add(1)) }

// HandlesInUse reports raw handles currently lent out.
func (e *Engine) HandlesInUse() int { return e.pool.InUse() }

// Subscribers reports registered subscriptions.
func (e *Engine) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close stops the readers and releases every socket.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, l := range e.listeners {
		errs = append(errs, l.Close())
	}
	e.wg.Wait()
	errs = append(errs, e.pool.Close())
	return errors.Join(errs...)
}
