// Package delivery sends telemetry records with optional acknowledgement.
//
// Contract:
// - link down (Conn.Connected()=false) fails fast with Dropped, nothing is sent
// - QoS=0 is sent once and always Delivered, transport error is only logged
// - QoS=1 is sent up to MaxRetries times, each followed by AckTimeout wait
//   for Ack with same device id and seq, then Backoff.Delay(attempt) pause
// - Send is not safe for concurrent use, one record in flight
package delivery

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
	telenet "github.com/temoto/sensornet/tele/net"
)

const (
	DefaultAckTimeout = 800 * time.Millisecond
	DefaultMaxRetries = 5
)

type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Log  *log2.Log
	Conn telenet.Conn
	// nil = Conn default remote
	Server     net.Addr
	AckTimeout time.Duration
	Backoff    helpers.Backoff
	MaxRetries int
	// suspension between attempts, tests replace it
	Sleep SleepFunc
}

type Stat struct {
	Sent      expvar.Int
	Retries   expvar.Int
	Delivered expvar.Int
	Dropped   expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"sent":%d,"retries":%d,"delivered":%d,"dropped":%d}`,
		s.Sent.Value(), s.Retries.Value(), s.Delivered.Value(), s.Dropped.Value())
}

type Client struct {
	opt  Options
	log  *log2.Log
	stat Stat
}

func NewClient(opt Options) (*Client, error) {
	if opt.Conn == nil {
		return nil, errors.NotValidf("delivery Conn=nil")
	}
	if opt.AckTimeout <= 0 {
		opt.AckTimeout = DefaultAckTimeout
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	if opt.Backoff.Min == 0 {
		opt.Backoff.Min = 200 * time.Millisecond
	}
	if opt.Backoff.Max == 0 {
		opt.Backoff.Max = 5 * time.Second
	}
	if opt.Sleep == nil {
		opt.Sleep = helpers.SleepContext
	}
	return &Client{opt: opt, log: opt.Log}, nil
}

func (c *Client) Stat() *Stat { return &c.stat }

// Send implements at-most-once or at-least-once delivery of r depending on r.QoS.
func (c *Client) Send(ctx context.Context, r *tele.Record) tele.Outcome {
	outcome := c.send(ctx, r)
	switch outcome {
	case tele.Delivered:
		c.stat.Delivered.Add(1)
	case tele.Dropped:
		c.stat.Dropped.Add(1)
	}
	return outcome
}

func (c *Client) send(ctx context.Context, r *tele.Record) tele.Outcome {
	if !c.opt.Conn.Connected() {
		c.log.Debugf("delivery link down, drop %s", r.String())
		return tele.Dropped
	}
	b, err := tele.EncodeRecord(r)
	if err != nil {
		c.log.Errorf("delivery encode %s err=%v", r.String(), err)
		return tele.Dropped
	}

	if r.QoS == tele.QoSAtMostOnce {
		// fire-and-forget, transmit error is only logged
		if err = c.transmit(ctx, b); err != nil {
			c.log.Errorf("delivery qos=0 %s err=%v", r.String(), err)
		}
		return tele.Delivered
	}

	if !r.HasSeq {
		c.log.Errorf("code error delivery qos=1 without seq %s", r.String())
		return tele.Dropped
	}
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.stat.Retries.Add(1)
		}
		if err = c.transmit(ctx, b); err != nil {
			c.log.Debugf("delivery attempt=%d %s err=%v", attempt+1, r.String(), err)
		} else if c.waitAck(ctx, r) {
			c.log.Debugf("delivery ack attempt=%d %s", attempt+1, r.String())
			return tele.Delivered
		}
		if attempt+1 >= c.opt.MaxRetries {
			c.log.Infof("delivery no ack after %d attempts %s", attempt+1, r.String())
			return tele.Dropped
		}
		delay := c.opt.Backoff.Delay(attempt)
		c.log.Debugf("delivery retry in %s %s", delay, r.String())
		if err = c.opt.Sleep(ctx, delay); err != nil {
			return tele.Dropped
		}
	}
}

func (c *Client) transmit(ctx context.Context, b []byte) error {
	c.stat.Sent.Add(1)
	return c.opt.Conn.Send(ctx, b, c.opt.Server)
}

// waitAck reads datagrams until matching Ack or AckTimeout.
// Foreign and stale acks are skipped.
func (c *Client) waitAck(ctx context.Context, r *tele.Record) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opt.AckTimeout)
	defer cancel()
	for {
		b, from, err := c.opt.Conn.Receive(ctx)
		if err != nil {
			return false
		}
		ack, err := tele.DecodeAck(b)
		if err != nil {
			c.log.Debugf("delivery unexpected datagram from=%v err=%v", from, err)
			continue
		}
		if ack.Matches(r) {
			return true
		}
		c.log.Debugf("delivery stale ack id=%s seq=%d waiting seq=%d", ack.DeviceID, ack.Seq, r.Seq)
	}
}
