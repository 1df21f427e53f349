// Package packettest provides an in-memory raw network for exercising code
// built on packet.Engine without privileges.
package packettest

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"bytemomo/sonar/internal/packet"
)

// Responder answers one sent datagram with zero or more raw replies.
type Responder func(sent *packet.Packet) [][]byte

// Network implements packet.Opener. Every datagram written through it is
// decoded, recorded and passed to the responders; their replies are
// delivered to all listeners after Delay.
type Network struct {
	// OpenErr makes Open fail, ListenErr makes Listen fail.
	OpenErr   error
	ListenErr error
	Delay     time.Duration

	mu         sync.Mutex
	responders []Responder
	sent       []*packet.Packet
	listeners  []*listener

	openConns atomic.Int64
	opened    atomic.Int64
}

// New returns a network that answers with rs in order; the first responder
// returning replies wins.
func New(rs ...Responder) *Network {
	return &Network{responders: rs}
}

// Handle appends a responder.
func (n *Network) Handle(r Responder) {
	n.mu.Lock()
	n.responders = append(n.responders, r)
	n.mu.Unlock()
}

// Sent returns a copy of every decoded datagram written so far.
func (n *Network) Sent() []*packet.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*packet.Packet(nil), n.sent...)
}

// SentMatching counts sent datagrams accepted by m.
func (n *Network) SentMatching(m func(*packet.Packet) bool) int {
	c := 0
	for _, p := range n.Sent() {
		if m(p) {
			c++
		}
	}
	return c
}

// OpenConns reports handles opened and not yet closed.
func (n *Network) OpenConns() int { return int(n.openConns.Load()) }

// Opened reports how many handles were ever opened.
func (n *Network) Opened() int { return int(n.opened.Load()) }

// Inject delivers raw to every listener as if it arrived from the wire.
func (n *Network) Inject(raw []byte) {
	n.mu.Lock()
	ls := append([]*listener(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range ls {
		l.deliver(raw)
	}
}

// Open implements packet.Opener.
func (n *Network) Open() (packet.Conn, error) {
	if n.OpenErr != nil {
		return nil, n.OpenErr
	}
	n.openConns.Add(1)
	n.opened.Add(1)
	return &conn{n: n}, nil
}

// Listen implements packet.Opener.
func (n *Network) Listen() ([]packet.Listener, error) {
	if n.ListenErr != nil {
		return nil, n.ListenErr
	}
	l := &listener{ch: make(chan []byte, 256), done: make(chan struct{})}
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
	return []packet.Listener{l}, nil
}

func (n *Network) write(b []byte) error {
	p, err := packet.Parse(append([]byte(nil), b...))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.sent = append(n.sent, p)
	rs := append([]Responder(nil), n.responders...)
	n.mu.Unlock()

	var replies [][]byte
	for _, r := range rs {
		if replies = r(p); len(replies) > 0 {
			break
		}
	}
	if len(replies) == 0 {
		return nil
	}
	deliver := func() {
		for _, raw := range replies {
			n.Inject(raw)
		}
	}
	if n.Delay > 0 {
		time.AfterFunc(n.Delay, deliver)
	} else {
		go deliver()
	}
	return nil
}

type conn struct {
	n      *Network
	closed atomic.Bool
}

func (c *conn) WritePacket(b []byte, _ netip.Addr) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.n.write(b)
}

func (c *conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.n.openConns.Add(-1)
	}
	return nil
}

type listener struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (l *listener) deliver(raw []byte) {
	select {
	case l.ch <- raw:
	case <-l.done:
	}
}

func (l *listener) ReadPacket(b []byte) (int, error) {
	select {
	case raw := <-l.ch:
		return copy(b, raw), nil
	case <-l.done:
		return 0, net.ErrClosed
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// ErrNoRoute is returned by Router for addresses outside its table.
var ErrNoRoute = errors.New("no route")
