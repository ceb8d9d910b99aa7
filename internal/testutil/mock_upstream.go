// Package testutil provides testing utilities for the calculator
// system.
package testutil

import (
	"net"
	"sync"

	"github.com/calcproxy/calcproxy/pkg/protocol"
)

// Responder builds the response frame for one received request.
type Responder func(req *protocol.Frame) *protocol.Frame

// MockUpstream is a scripted in-process calculator server for testing
// the proxy's forwarding path. It speaks the real wire protocol over a
// loopback listener.
type MockUpstream struct {
	lis net.Listener

	mu        sync.Mutex
	responder Responder
	closed    bool

	// Tracking
	RequestCount int
	LastRequest  *protocol.Frame
}

// NewMockUpstream starts a mock server on a loopback port.
func NewMockUpstream() (*MockUpstream, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	m := &MockUpstream{lis: lis}
	m.responder = m.defaultResponder

	go m.acceptLoop()
	return m, nil
}

// Addr returns the host:port the mock server listens on.
func (m *MockUpstream) Addr() string {
	return m.lis.Addr().String()
}

// SetResponder replaces the scripted response behavior.
func (m *MockUpstream) SetResponder(fn Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
}

// Requests returns how many request frames the mock has received.
func (m *MockUpstream) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.lis.Close()
}

func (m *MockUpstream) acceptLoop() {
	for {
		conn, err := m.lis.Accept()
		if err != nil {
			return
		}
		go m.serveConn(conn)
	}
}

func (m *MockUpstream) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := protocol.Read(conn)
		if err != nil {
			return
		}

		m.mu.Lock()
		m.RequestCount++
		m.LastRequest = req
		responder := m.responder
		m.mu.Unlock()

		resp := responder(req)
		if resp == nil {
			// Scripted silence: drop the connection mid-exchange.
			return
		}
		if err := protocol.Write(conn, resp); err != nil {
			return
		}
	}
}

// defaultResponder answers every request with a fixed cacheable
// result.
func (m *MockUpstream) defaultResponder(req *protocol.Frame) *protocol.Frame {
	resp, err := protocol.NewResultResponse(42, nil, true, 60)
	if err != nil {
		return protocol.NewErrorResponse(protocol.StatusServerError, err.Error())
	}
	return resp
}
