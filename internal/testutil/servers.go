// Package testutil provides loopback servers and dialers for exercising
// network code without touching real hosts.
package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

// MockTCPServer is a simple TCP server for testing.
type MockTCPServer struct {
	listener net.Listener
	handler  func(net.Conn)
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// NewMockTCPServer creates a TCP server that calls handler for each connection.
// If handler is nil, it echoes received data back.
func NewMockTCPServer(handler func(net.Conn)) *MockTCPServer {
	if handler == nil {
		handler = echoHandler
	}
	return &MockTCPServer{handler: handler}
}

// NewBannerServer creates a TCP server that greets every client with banner
// and then waits for the client to hang up.
func NewBannerServer(banner string) *MockTCPServer {
	return NewMockTCPServer(func(conn net.Conn) {
		defer conn.Close()
		_, _ = io.WriteString(conn, banner)
		_, _ = io.Copy(io.Discard, conn)
	})
}

// NewRequestServer creates a TCP server that stays silent until the client
// sends something, then writes reply(request) and closes.
func NewRequestServer(reply func(req []byte) []byte) *MockTCPServer {
	return NewMockTCPServer(func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if out := reply(buf[:n]); len(out) > 0 {
			_, _ = conn.Write(out)
		}
	})
}

func echoHandler(conn net.Conn) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// Start starts the server on a random port.
func (s *MockTCPServer) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *MockTCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler(conn)
		}()
	}
}

// Stop stops the server. Handlers must return once their client hangs up.
func (s *MockTCPServer) Stop() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the server address.
func (s *MockTCPServer) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the server port.
func (s *MockTCPServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// MockUDPServer answers each datagram with handler(req). A nil reply sends
// nothing.
type MockUDPServer struct {
	conn    net.PacketConn
	handler func(req []byte) []byte
	wg      sync.WaitGroup

	mu       sync.Mutex
	received int
}

// NewMockUDPServer creates a UDP server. If handler is nil, it echoes.
func NewMockUDPServer(handler func(req []byte) []byte) *MockUDPServer {
	if handler == nil {
		handler = func(req []byte) []byte { return req }
	}
	return &MockUDPServer{handler: handler}
}

// Start starts the server on a random port.
func (s *MockUDPServer) Start() error {
	var err error
	s.conn, err = net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *MockUDPServer) serve() {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		if out := s.handler(append([]byte(nil), buf[:n]...)); out != nil {
			_, _ = s.conn.WriteTo(out, from)
		}
	}
}

// Stop stops the server.
func (s *MockUDPServer) Stop() error {
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the server address.
func (s *MockUDPServer) Addr() string {
	return s.conn.LocalAddr().String()
}

// Received returns the number of datagrams seen so far.
func (s *MockUDPServer) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Redirect is a dialer that sends connections for a destination port to a
// loopback server instead, so code under test can probe well-known ports.
// Ports without an entry are dialed unchanged.
type Redirect map[string]string

// Route maps network and port (e.g. "tcp", 22) to addr.
func (r Redirect) Route(network string, port int, addr string) Redirect {
	r[network+"/"+strconv.Itoa(port)] = addr
	return r
}

// DialContext implements the dialer interfaces used across the module.
func (r Redirect) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if to, ok := r[network+"/"+port]; ok {
		address = to
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
