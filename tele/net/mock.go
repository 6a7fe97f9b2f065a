package telenet

import (
	"context"
	"net"
	"sync/atomic"
)

// MockAddr is a stub net.Addr for MockConn peers.
type MockAddr string

func (a MockAddr) Network() string { return "mock" }
func (a MockAddr) String() string  { return string(a) }

type MockPacket struct {
	B    []byte
	Addr net.Addr
}

// MockConn is in-memory Conn for tests.
// Test code feeds In and reads Out; Send copies b.
type MockConn struct {
	In   chan MockPacket
	Out  chan MockPacket
	Addr net.Addr

	down   uint32
	closed uint32
	stopch chan struct{}
	stat   SessionStat
}

var _ Conn = &MockConn{} // compile-time interface test

func NewMockConn(addr string) *MockConn {
	return &MockConn{
		In:     make(chan MockPacket, 64),
		Out:    make(chan MockPacket, 64),
		Addr:   MockAddr(addr),
		stopch: make(chan struct{}),
	}
}

func (m *MockConn) SetLink(up bool) {
	v := uint32(1)
	if up {
		v = 0
	}
	atomic.StoreUint32(&m.down, v)
}

func (m *MockConn) Close() error {
	if atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		close(m.stopch)
	}
	return nil
}

func (m *MockConn) Connected() bool {
	return atomic.LoadUint32(&m.closed) == 0 && atomic.LoadUint32(&m.down) == 0
}

func (m *MockConn) LocalAddr() net.Addr { return m.Addr }
func (m *MockConn) Stat() *SessionStat  { return &m.stat }

func (m *MockConn) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case p := <-m.In:
		m.stat.Recv.Register(len(p.B))
		return p.B, p.Addr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-m.stopch:
		return nil, nil, ErrClosing
	}
}

func (m *MockConn) Send(ctx context.Context, b []byte, addr net.Addr) error {
	if atomic.LoadUint32(&m.closed) != 0 {
		return ErrClosing
	}
	p := MockPacket{B: copyBytes(b), Addr: addr}
	select {
	case m.Out <- p:
		m.stat.Send.Register(len(b))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopch:
		return ErrClosing
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
