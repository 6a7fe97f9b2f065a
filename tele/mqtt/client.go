package mqtt

import (
	"context"
	"crypto/tls"
	"expvar"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("mqtt client is closing")
var ErrConnectionLost = fmt.Errorf("mqtt connection lost")

type ClientOptions struct {
	BrokerURL string
	TLS       *tls.Config
	// first reconnect delay, grows up to 10x while broker is unreachable
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	// QOS of every Publish, 0 or 1
	QOS  packet.QOS
	Will *packet.Message
	Log  *log2.Log
}

func (o *ClientOptions) clientID() string {
	if o.ClientID == "" {
		return o.Username
	}
	return o.ClientID
}

type ClientStat struct {
	Connects  expvar.Int
	Published expvar.Int
	Timeouts  expvar.Int
}

// Client is publish-only MQTT 3.1.1 client for alerts and reading fan-out.
// - NewClient returns only configuration errors, network IO is done in background
// - clean session, reconnect with growing delay until Close
// - QOS 0 and 1, concurrent Publish calls share one connection
// - no in-flight storage beyond Publish call, see alert.Outbox
type Client struct { //nolint:maligned
	alive   *alive.Alive
	backoff helpers.Backoff
	connect *packet.Connect
	dialer  *transport.Dialer
	lastID  uint32
	log     *log2.Log
	opt     ClientOptions
	stat    ClientStat

	mu       sync.Mutex
	current  *session
	inflight map[packet.ID]*future.Future
	// closed when current is replaced
	renew chan struct{}
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.QOS >= packet.QOSExactlyOnce {
		return nil, errors.NotSupportedf("mqtt QOS=%d", opt.QOS)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	u, err := url.ParseRequestURI(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}

	connect := packet.NewConnect()
	connect.ClientID = opt.clientID()
	connect.KeepAlive = opt.KeepaliveSec
	connect.CleanSession = true
	connect.Username = opt.Username
	connect.Password = opt.Password
	connect.Will = opt.Will

	c := &Client{
		alive:    alive.NewAlive(),
		backoff:  helpers.Backoff{Min: opt.ReconnectDelay, Max: opt.ReconnectDelay * 10},
		connect:  connect,
		dialer:   transport.NewDialer(transport.DialConfig{TLSConfig: opt.TLS, Timeout: opt.NetworkTimeout}),
		lastID:   uint32(time.Now().UnixNano()),
		log:      opt.Log,
		opt:      opt,
		inflight: make(map[packet.ID]*future.Future),
		renew:    make(chan struct{}),
	}
	c.alive.Add(1)
	go c.worker()
	return c, nil
}

func (c *Client) Stat() *ClientStat { return &c.stat }

// Close sends DISCONNECT if connected and waits for background tasks.
func (c *Client) Close() error {
	c.mu.Lock()
	c.alive.Stop()
	s := c.current
	c.mu.Unlock()
	var err error
	if s != nil && s.connected() && s.alive.IsRunning() {
		err = s.send(packet.NewDisconnect())
	}
	if s != nil {
		_ = s.die(ErrClientClosing)
		s.alive.Wait()
	}
	c.alive.Wait()
	c.failInflight(ErrClientClosing)
	return err
}

// Publish waits for connection within ctx, QOS=1 also waits for PUBACK
// at most NetworkTimeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if err := c.WaitReady(ctx); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	s := c.active()
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: c.opt.QOS, Retain: retained}
	if pub.Message.QOS == packet.QOSAtMostOnce {
		if err := s.send(pub); err != nil {
			return errors.Annotatef(err, "mqtt publish topic=%s", topic)
		}
		c.stat.Published.Add(1)
		return nil
	}

	pub.ID = c.nextID()
	fu := future.New()
	c.mu.Lock()
	c.inflight[pub.ID] = fu
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, pub.ID)
		c.mu.Unlock()
	}()
	if err := s.send(pub); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}

	timeout := c.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	switch err := fu.Wait(timeout); err {
	case nil:
		c.stat.Published.Add(1)
		return nil

	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok && e != nil {
			return e
		}
		return ErrConnectionLost

	case future.ErrTimeout:
		c.stat.Timeouts.Add(1)
		err = errors.Timeoutf("mqtt PUBACK id=%d", pub.ID)
		// broker silence usually means dead connection, reconnect early
		return s.die(err)

	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

// WaitReady returns, in this order:
// - ErrClientClosing if client stopped with Close()
// - nil if connected within context limit
// - ctx.Err() if context is done before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	stopch := c.alive.StopChan()
	for {
		c.mu.Lock()
		s, renew := c.current, c.renew
		c.mu.Unlock()
		if !c.alive.IsRunning() {
			return ErrClientClosing
		}
		if s != nil {
			if err := s.waitReady(ctx); err != ErrClientClosing {
				return err
			}
		}
		// current session is lost or not started yet
		select {
		case <-renew:
		case <-stopch:
			return ErrClientClosing
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) active() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// dial replaces current session, nil after Close.
func (c *Client) dial() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	c.current = newSession(c)
	close(c.renew)
	c.renew = make(chan struct{})
	return c.current
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (c *Client) onPuback(id packet.ID) {
	c.mu.Lock()
	fu := c.inflight[id]
	c.mu.Unlock()
	if fu == nil {
		c.log.Errorf("mqtt unexpected PUBACK id=%d", id)
		return
	}
	fu.Complete(id)
}

func (c *Client) failInflight(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fu := range c.inflight {
		fu.Cancel(err)
	}
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	fails := 0
	for {
		s := c.dial()
		if s == nil {
			return
		}
		select {
		case <-s.alive.WaitChan():
		case <-stopch:
			_ = s.die(ErrClientClosing)
			return
		}
		c.failInflight(ErrConnectionLost)

		if s.connected() {
			fails = 0
		}
		delay := c.backoff.Delay(fails)
		fails++
		c.log.Debugf("mqtt reconnect in %v", delay)
		select {
		case <-time.After(delay):
		case <-stopch:
			return
		}
	}
}
