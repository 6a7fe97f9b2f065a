package telenet

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

var aLongTimeAgo = time.Unix(1, 0)

type udpConn struct {
	linkErr atomic_clock.Clock // atomic align
	closed  uint32
	opt     Options
	pc      net.PacketConn
	remote  net.Addr
	stat    SessionStat
}

func newUDPConn(pc net.PacketConn, remote net.Addr, opt Options) *udpConn {
	return &udpConn{
		opt:    opt,
		pc:     pc,
		remote: remote,
	}
}

func (c *udpConn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.pc.Close()
}

func (c *udpConn) isClosed() bool { return atomic.LoadUint32(&c.closed) == 1 }

func (c *udpConn) Connected() bool {
	if c.isClosed() {
		return false
	}
	return c.linkErr.IsZero() || atomic_clock.Since(&c.linkErr) >= c.opt.LinkRecheck
}

func (c *udpConn) LocalAddr() net.Addr { return c.pc.LocalAddr() }
func (c *udpConn) Stat() *SessionStat  { return &c.stat }

func (c *udpConn) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	if c.isClosed() {
		return nil, nil, ErrClosing
	}
	deadline, _ := ctx.Deadline()
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return nil, nil, errors.Annotate(err, "SetReadDeadline")
	}
	// unblock ReadFrom on ctx cancel, watcher must exit before next Receive
	stopch := make(chan struct{})
	donech := make(chan struct{})
	go func() {
		defer close(donech)
		select {
		case <-ctx.Done():
			_ = c.pc.SetReadDeadline(aLongTimeAgo)
		case <-stopch:
		}
	}()
	buf := make([]byte, c.opt.ReadLimit)
	n, addr, err := c.pc.ReadFrom(buf)
	close(stopch)
	<-donech

	if err != nil {
		switch {
		case c.isClosed():
			return nil, nil, ErrClosing
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, context.DeadlineExceeded
		}
		c.stat.Errors.Add(1)
		return nil, nil, errors.Annotate(err, "receive")
	}
	c.stat.Recv.Register(n)
	c.opt.Log.Debugf("telenet recv from=%s len=%d", addrString(addr), n)
	return buf[:n], addr, nil
}

func (c *udpConn) Send(ctx context.Context, b []byte, addr net.Addr) error {
	if c.isClosed() {
		return ErrClosing
	}
	if addr == nil {
		addr = c.remote
	}
	if addr == nil {
		return errors.Errorf("code error Send without address on listening conn")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opt.NetworkTimeout)
	}
	if err := c.pc.SetWriteDeadline(deadline); err != nil {
		return errors.Annotate(err, "SetWriteDeadline")
	}
	n, err := c.pc.WriteTo(b, addr)
	if err != nil {
		c.linkErr.SetNow()
		c.stat.Errors.Add(1)
		c.opt.Log.Debugf("telenet send to=%s err=%v", addr, err)
		return errors.Annotatef(err, "send to=%s", addr)
	}
	c.linkErr.Set(0)
	c.stat.Send.Register(n)
	return nil
}
