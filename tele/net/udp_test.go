package telenet

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensornet/log2"
)

func testOptions(t testing.TB) Options {
	return Options{
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: 2 * time.Second,
		RecvBuffer:     64 << 10,
		ReuseAddr:      true,
	}
}

func TestUDPLoopback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, err := Listen(ctx, "udp://127.0.0.1:0", testOptions(t))
	require.NoError(t, err)
	defer srv.Close()

	cli, err := Dial(ctx, "udp://"+srv.LocalAddr().String(), testOptions(t))
	require.NoError(t, err)
	defer cli.Close()
	assert.True(t, cli.Connected())

	require.NoError(t, cli.Send(ctx, []byte(`{"id":"n1"}`), nil))
	b, from, err := srv.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"n1"}`, string(b))
	require.NotNil(t, from)

	require.NoError(t, srv.Send(ctx, []byte(`{"type":"ACK"}`), from))
	b, from, err = cli.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ACK"}`, string(b))
	assert.Equal(t, srv.LocalAddr().String(), from.String())

	assert.Equal(t, int64(1), cli.Stat().Send.Count.Value())
	assert.Equal(t, int64(1), srv.Stat().Recv.Count.Value())
	assert.Equal(t, int64(11), srv.Stat().Recv.Size.Value())
}

func TestUDPReceiveDeadline(t *testing.T) {
	t.Parallel()

	srv, err := Listen(context.Background(), "udp://127.0.0.1:0", testOptions(t))
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = srv.Receive(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestUDPReceiveCancel(t *testing.T) {
	t.Parallel()

	srv, err := Listen(context.Background(), "udp://127.0.0.1:0", testOptions(t))
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errch := make(chan error, 1)
	go func() {
		_, _, err := srv.Receive(ctx)
		errch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errch:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}

	// watcher is gone, next Receive is not affected by stale deadline
	cli, err := Dial(context.Background(), "udp://"+srv.LocalAddr().String(), testOptions(t))
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Send(context.Background(), []byte("x"), nil))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	b, _, err := srv.Receive(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
}

func TestUDPClose(t *testing.T) {
	t.Parallel()

	srv, err := Listen(context.Background(), "udp://127.0.0.1:0", testOptions(t))
	require.NoError(t, err)
	errch := make(chan error, 1)
	go func() {
		_, _, err := srv.Receive(context.Background())
		errch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())
	select {
	case err := <-errch:
		assert.Equal(t, ErrClosing, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
	assert.False(t, srv.Connected())
	assert.Equal(t, ErrClosing, srv.Send(context.Background(), []byte("x"), MockAddr("nowhere")))
	assert.NoError(t, srv.Close())
}

type failPacketConn struct {
	net.PacketConn
	err error
}

func (f *failPacketConn) WriteTo([]byte, net.Addr) (int, error) { return 0, f.err }
func (f *failPacketConn) SetWriteDeadline(time.Time) error       { return nil }

func TestUDPLinkState(t *testing.T) {
	t.Parallel()

	opt := testOptions(t)
	opt.defaults()
	opt.LinkRecheck = time.Hour
	fpc := &failPacketConn{err: fmt.Errorf("network is unreachable")}
	c := newUDPConn(fpc, MockAddr("server"), opt)
	assert.True(t, c.Connected())

	err := c.Send(context.Background(), []byte("x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network is unreachable")
	assert.False(t, c.Connected())
	assert.Equal(t, int64(1), c.Stat().Errors.Value())

	fpc.err = nil
	require.NoError(t, c.Send(context.Background(), []byte("x"), nil))
	assert.True(t, c.Connected())

	c.opt.LinkRecheck = time.Nanosecond
	fpc.err = fmt.Errorf("again")
	require.Error(t, c.Send(context.Background(), []byte("x"), nil))
	time.Sleep(time.Millisecond)
	assert.True(t, c.Connected(), "link recheck window passed")
}
