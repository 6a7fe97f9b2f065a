package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
	telenet "github.com/temoto/sensornet/tele/net"
)

const networkTimeout = 2 * time.Second

type sleepRecorder struct {
	sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.Lock()
	s.delays = append(s.delays, d)
	s.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.Lock()
	defer s.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeServer answers qos=1 records from conn.Out, ack decides per received packet number.
func fakeServer(t testing.TB, conn *telenet.MockConn, ack func(n int, r tele.Record) *tele.Ack) (stop func() int) {
	done := make(chan struct{})
	count := make(chan int, 1)
	go func() {
		n := 0
		defer func() { count <- n }()
		for {
			select {
			case p := <-conn.Out:
				n++
				r, err := tele.DecodeRecord(p.B)
				if err != nil {
					t.Errorf("fakeServer decode err=%v", err)
					return
				}
				if a := ack(n, r); a != nil {
					b, _ := tele.EncodeAck(*a)
					conn.In <- telenet.MockPacket{B: b, Addr: telenet.MockAddr("server")}
				}
			case <-done:
				for {
					select {
					case <-conn.Out:
						n++
					default:
						return
					}
				}
			}
		}
	}()
	return func() int {
		close(done)
		select {
		case n := <-count:
			return n
		case <-time.After(networkTimeout):
			t.Fatal("fakeServer stop timeout")
			return -1
		}
	}
}

func newTestClient(t testing.TB, conn telenet.Conn, sr *sleepRecorder, maxRetries int) *Client {
	c, err := NewClient(Options{
		Log:        log2.NewTest(t, log2.LDebug),
		Conn:       conn,
		AckTimeout: 100 * time.Millisecond,
		Backoff:    helpers.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second},
		MaxRetries: maxRetries,
		Sleep:      sr.Sleep,
	})
	require.NoError(t, err)
	return c
}

func record(qos tele.QoS, seq uint64) *tele.Record {
	return &tele.Record{
		DeviceID: "n1", Kind: tele.KindWeatherObserved, Temperature: 22.5, Humidity: 55,
		QoS: qos, Seq: seq, HasSeq: qos == tele.QoSAtLeastOnce,
	}
}

func ackOf(r tele.Record) *tele.Ack { return &tele.Ack{DeviceID: r.DeviceID, Seq: r.Seq} }

func TestSend(t *testing.T) {
	t.Parallel()

	ms := time.Millisecond
	cases := []struct {
		name        string
		rec         *tele.Record
		maxRetries  int
		linkDown    bool
		ack         func(n int, r tele.Record) *tele.Ack
		expect      tele.Outcome
		expectSent  int
		expectSleep []time.Duration
	}{
		{"link-down", record(tele.QoSAtLeastOnce, 1), 5, true,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Dropped, 0, nil},
		{"qos0", record(tele.QoSAtMostOnce, 0), 5, false,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Delivered, 1, nil},
		{"qos0-link-down", record(tele.QoSAtMostOnce, 0), 5, true,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Dropped, 0, nil},
		{"qos1-first", record(tele.QoSAtLeastOnce, 7), 5, false,
			func(n int, r tele.Record) *tele.Ack { return ackOf(r) },
			tele.Delivered, 1, nil},
		{"qos1-third", record(tele.QoSAtLeastOnce, 8), 5, false,
			func(n int, r tele.Record) *tele.Ack {
				if n < 3 {
					return nil
				}
				return ackOf(r)
			},
			tele.Delivered, 3, []time.Duration{200 * ms, 400 * ms}},
		{"qos1-exhausted", record(tele.QoSAtLeastOnce, 9), 5, false,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Dropped, 5, []time.Duration{200 * ms, 400 * ms, 800 * ms, 1600 * ms}},
		{"qos1-backoff-cap", record(tele.QoSAtLeastOnce, 10), 7, false,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Dropped, 7, []time.Duration{200 * ms, 400 * ms, 800 * ms, 1600 * ms, 3200 * ms, 5000 * ms}},
		{"qos1-stale-ack", record(tele.QoSAtLeastOnce, 11), 5, false,
			func(n int, r tele.Record) *tele.Ack { return &tele.Ack{DeviceID: r.DeviceID, Seq: r.Seq - 1} },
			tele.Dropped, 5, []time.Duration{200 * ms, 400 * ms, 800 * ms, 1600 * ms}},
		{"qos1-foreign-ack", record(tele.QoSAtLeastOnce, 12), 2, false,
			func(n int, r tele.Record) *tele.Ack {
				if n == 1 {
					return &tele.Ack{DeviceID: "other", Seq: r.Seq}
				}
				return ackOf(r)
			},
			tele.Delivered, 2, []time.Duration{200 * ms}},
		{"qos1-without-seq", &tele.Record{DeviceID: "n1", QoS: tele.QoSAtLeastOnce}, 5, false,
			func(int, tele.Record) *tele.Ack { return nil },
			tele.Dropped, 0, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			conn := telenet.NewMockConn("node")
			conn.SetLink(!c.linkDown)
			stop := fakeServer(t, conn, c.ack)
			sr := &sleepRecorder{}
			cli := newTestClient(t, conn, sr, c.maxRetries)

			outcome := cli.Send(context.Background(), c.rec)
			sent := stop()
			assert.Equal(t, c.expect, outcome)
			assert.Equal(t, c.expectSent, sent)
			assert.Equal(t, c.expectSleep, sr.Delays())
			assert.Equal(t, int64(c.expectSent), cli.Stat().Sent.Value())
		})
	}
}

func TestSendStaleThenMatching(t *testing.T) {
	t.Parallel()

	conn := telenet.NewMockConn("node")
	r := record(tele.QoSAtLeastOnce, 5)
	// stale ack and garbage queued before the matching one
	stale, _ := tele.EncodeAck(tele.Ack{DeviceID: "n1", Seq: 4})
	good, _ := tele.EncodeAck(tele.Ack{DeviceID: "n1", Seq: 5})
	conn.In <- telenet.MockPacket{B: stale}
	conn.In <- telenet.MockPacket{B: []byte("garbage")}
	conn.In <- telenet.MockPacket{B: good}

	sr := &sleepRecorder{}
	cli := newTestClient(t, conn, sr, 5)
	assert.Equal(t, tele.Delivered, cli.Send(context.Background(), r))
	assert.Len(t, conn.Out, 1)
	assert.Empty(t, sr.Delays())
}

func TestSendCanceled(t *testing.T) {
	t.Parallel()

	conn := telenet.NewMockConn("node")
	sr := &sleepRecorder{}
	cli := newTestClient(t, conn, sr, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// transmit fails or ack wait ends immediately, sleep reports ctx error
	assert.Equal(t, tele.Dropped, cli.Send(ctx, record(tele.QoSAtLeastOnce, 1)))
	assert.LessOrEqual(t, len(sr.Delays()), 1)
	assert.Equal(t, int64(1), cli.Stat().Dropped.Value())
}

func TestSendQoS0TransmitError(t *testing.T) {
	t.Parallel()

	conn := telenet.NewMockConn("node")
	for i := 0; i < cap(conn.Out); i++ {
		conn.Out <- telenet.MockPacket{}
	}
	sr := &sleepRecorder{}
	cli := newTestClient(t, conn, sr, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, tele.Delivered, cli.Send(ctx, record(tele.QoSAtMostOnce, 0)))
	assert.Len(t, conn.Out, cap(conn.Out))
	assert.Equal(t, int64(0), cli.Stat().Dropped.Value())
	assert.Empty(t, sr.Delays())
}

func TestNewClientValidate(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Options{})
	assert.EqualError(t, err, "delivery Conn=nil not valid")
}

func TestSendUDP(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opt := telenet.Options{Log: log2.NewTest(t, log2.LDebug)}
	srv, err := telenet.Listen(ctx, "udp://127.0.0.1:0", opt)
	require.NoError(t, err)
	defer srv.Close()
	conn, err := telenet.Dial(ctx, "udp://"+srv.LocalAddr().String(), opt)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		b, from, err := srv.Receive(ctx)
		if err != nil {
			return
		}
		r, err := tele.DecodeRecord(b)
		if err != nil {
			return
		}
		ack, _ := tele.EncodeAck(tele.Ack{DeviceID: r.DeviceID, Seq: r.Seq})
		_ = srv.Send(ctx, ack, from)
	}()

	cli, err := NewClient(Options{Log: opt.Log, Conn: conn, AckTimeout: 800 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, tele.Delivered, cli.Send(ctx, record(tele.QoSAtLeastOnce, 100)))
}
