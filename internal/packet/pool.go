package packet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"bytemomo/sonar/internal/metrics"
	"bytemomo/sonar/pkg/sonarerr"

	"golang.org/x/sync/semaphore"
)

// Conn is one raw send handle.
type Conn interface {
	WritePacket(b []byte, dst netip.Addr) error
	Close() error
}

// HandlePool bounds concurrent use of raw send handles. Handles are opened
// lazily and only ever reach callers through With, which returns them even
// when the callback fails or panics.
type HandlePool struct {
	opener  Opener
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	mu     sync.Mutex
	idle   []Conn
	opened int
	closed bool

	inUse atomic.Int64
}

// NewHandlePool creates a pool of at most size handles.
func NewHandlePool(opener Opener, size int, m *metrics.Metrics) *HandlePool {
	if size < 1 {
		size = 1
	}
	return &HandlePool{opener: opener, sem: semaphore.NewWeighted(int64(size)), metrics: m}
}

// With runs fn with an exclusive handle.
func (p *HandlePool) With(ctx context.Context, fn func(Conn) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return sonarerr.FromOS("handle", err)
	}
	defer p.sem.Release(1)

	c, err := p.get()
	if err != nil {
		return err
	}
	p.metrics.SetHandles(int(p.inUse.Add(1)))
	defer func() {
		p.metrics.SetHandles(int(p.inUse.Add(-1)))
		p.put(c)
	}()
	return fn(c)
}

// InUse reports handles currently lent out.
func (p *HandlePool) InUse() int { return int(p.inUse.Load()) }

// Opened reports handles currently open, idle or lent.
func (p *HandlePool) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *HandlePool) get() (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, sonarerr.E(sonarerr.Network, "handle", "pool closed", nil)
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.opened++
	p.mu.Unlock()

	c, err := p.opener.Open()
	if err != nil {
		p.mu.Lock()
		p.opened--
		p.mu.Unlock()
		return nil, sonarerr.FromOS("open raw handle", err)
	}
	return c, nil
}

func (p *HandlePool) put(c Conn) {
	p.mu.Lock()
	if p.closed {
		p.opened--
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close closes idle handles. Lent handles are closed on return.
func (p *HandlePool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.opened -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
