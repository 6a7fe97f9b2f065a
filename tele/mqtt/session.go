package mqtt

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

// session is one broker connection: dial, CONNECT/CONNACK, keepalive pings, reader.
// Dead session is never reused, Client.worker dials a new one.
type session struct {
	alive  *alive.Alive
	c      *Client
	closed uint32
	conn   atomic.Value // transport.Conn, set after blocking Dial
	ready  chan struct{}
	pingat atomic_clock.Clock // last outgoing packet
	pongat atomic_clock.Clock // last incoming packet
}

func newSession(c *Client) *session {
	s := &session{
		alive: alive.NewAlive(),
		c:     c,
		ready: make(chan struct{}),
	}
	s.alive.Add(1)
	go s.run()
	return s
}

func (s *session) connected() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) die(e error) error {
	if e == nil {
		e = ErrConnectionLost
	}
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return e
	}
	s.c.log.Debugf("mqtt session end err=%v", e)
	s.alive.Stop()
	if conn := s.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (s *session) getConn() transport.Conn {
	if x := s.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (s *session) run() {
	defer s.alive.Done()

	conn, err := s.c.dialer.Dial(s.c.opt.BrokerURL)
	if err != nil {
		_ = s.die(errors.Annotatef(err, "mqtt dial broker=%s", s.c.opt.BrokerURL))
		return
	}
	s.conn.Store(conn)
	if !s.alive.IsRunning() {
		_ = conn.Close()
		return
	}
	if err = s.send(s.c.connect); err != nil {
		return
	}
	if err = s.handshake(conn); err != nil {
		_ = s.die(err)
		return
	}

	if !s.alive.Add(2) {
		_ = s.die(ErrClientClosing)
		return
	}
	s.pongat.SetNow()
	s.c.stat.Connects.Add(1)
	s.c.log.Debugf("mqtt connected broker=%s", s.c.opt.BrokerURL)
	close(s.ready)
	go s.pinger()
	go s.reader()
}

func (s *session) handshake(conn transport.Conn) error {
	conn.SetReadTimeout(s.c.opt.NetworkTimeout)
	defer conn.SetReadTimeout(0)
	pkt, err := conn.Receive()
	if err != nil {
		return errors.Annotate(err, "mqtt expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return errors.Annotatef(client.ErrClientExpectedConnack, "mqtt handshake received=%s", describe(pkt))
	}
	s.c.log.Debugf("mqtt received %s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	return nil
}

// pinger sends PINGREQ after half KeepAlive of client silence.
// Broker silence over 1.5 KeepAlive [MQTT-3.1.2-24] ends session.
func (s *session) pinger() {
	defer s.alive.Done()
	if s.c.opt.KeepaliveSec == 0 {
		return
	}
	keepalive := time.Duration(s.c.opt.KeepaliveSec) * time.Second
	limit := keepalive + keepalive/2
	tick := time.NewTicker(keepalive / 4)
	defer tick.Stop()
	stopch := s.alive.StopChan()
	for {
		select {
		case <-tick.C:
		case <-stopch:
			return
		}
		if atomic_clock.Since(&s.pongat) > limit {
			_ = s.die(client.ErrClientMissingPong)
			return
		}
		if atomic_clock.Since(&s.pingat) >= keepalive/2 {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
		}
	}
}

func (s *session) reader() {
	defer s.alive.Done()

	conn := s.getConn()
	for {
		pkt, err := conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		if err == io.EOF {
			_ = s.die(errors.Errorf("mqtt broker closed connection"))
			return
		} else if err != nil {
			_ = s.die(errors.Annotate(err, "mqtt receive"))
			return
		}
		s.pongat.SetNow()
		s.c.log.Debugf("mqtt received %s", describe(pkt))

		switch p := pkt.(type) {
		case *packet.Pingresp:
		case *packet.Puback:
			s.c.onPuback(p.ID)
		default:
			// nothing is subscribed, so anything else is protocol violation
			_ = s.die(errors.Errorf("mqtt unexpected %s", describe(pkt)))
			return
		}
	}
}

func (s *session) send(p packet.Generic) error {
	if s == nil {
		return client.ErrClientNotConnected
	}
	conn := s.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		return s.die(errors.Annotatef(err, "mqtt send %s", p.Type().String()))
	}
	s.pingat.SetNow()
	s.c.log.Debugf("mqtt sent %s", describe(p))
	return nil
}

// waitReady returns nil once connected, ErrClientClosing for dead session,
// ctx.Err() if ctx is done first.
func (s *session) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		if s.alive.IsRunning() {
			return nil
		}
		return ErrClientClosing
	case <-s.alive.StopChan():
		return ErrClientClosing
	case <-ctx.Done():
		return ctx.Err()
	}
}
