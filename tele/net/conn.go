package telenet

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/log2"
	"golang.org/x/sys/unix"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	DefaultReadLimit      = 8 << 10
	DefaultLinkRecheck    = 5 * time.Second
)

var ErrClosing = fmt.Errorf("closing")

type Conn interface {
	Close() error
	// false after Close and for a while after failed Send
	Connected() bool
	LocalAddr() net.Addr
	// Receive blocks until datagram, ctx done or Close.
	Receive(ctx context.Context) ([]byte, net.Addr, error)
	// Send to addr, nil addr means remote given to Dial.
	Send(ctx context.Context, b []byte, addr net.Addr) error
	Stat() *SessionStat
}

type Options struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	LinkRecheck    time.Duration
	ReadLimit      int
	// SO_RCVBUF, 0 keeps system default
	RecvBuffer int
	ReuseAddr  bool
}

func (o *Options) defaults() {
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.LinkRecheck == 0 {
		o.LinkRecheck = DefaultLinkRecheck
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = DefaultReadLimit
	}
}

func (o *Options) control(network, address string, rc syscall.RawConn) error {
	if o.RecvBuffer <= 0 && !o.ReuseAddr {
		return nil
	}
	var serr error
	err := rc.Control(func(fd uintptr) {
		if o.ReuseAddr {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}
		if serr == nil && o.RecvBuffer > 0 {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer)
		}
	})
	if err != nil {
		return err
	}
	return errors.Annotatef(serr, "setsockopt address=%s", address)
}

// Listen on udp://host:port for server side.
func Listen(ctx context.Context, url string, opt Options) (Conn, error) {
	opt.defaults()
	network, hostport, err := parseURI(url)
	if err != nil {
		return nil, errors.Annotatef(err, "listen url=%s", url)
	}
	lc := net.ListenConfig{Control: opt.control}
	pc, err := lc.ListenPacket(ctx, network, hostport)
	if err != nil {
		return nil, errors.Annotatef(err, "listen url=%s", url)
	}
	opt.Log.Debugf("telenet listen addr=%s", pc.LocalAddr())
	return newUDPConn(pc, nil, opt), nil
}

// Dial binds an ephemeral local port and uses url as default remote.
// Replies from the remote arrive via Receive.
func Dial(ctx context.Context, url string, opt Options) (Conn, error) {
	opt.defaults()
	network, hostport, err := parseURI(url)
	if err != nil {
		return nil, errors.Annotatef(err, "dial url=%s", url)
	}
	remote, err := net.ResolveUDPAddr(network, hostport)
	if err != nil {
		return nil, errors.Annotatef(err, "dial url=%s", url)
	}
	lc := net.ListenConfig{Control: opt.control}
	pc, err := lc.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, errors.Annotatef(err, "dial url=%s", url)
	}
	return newUDPConn(pc, remote, opt), nil
}
