package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/log2"
)

// Paho is alternate publisher on top of eclipse client, which has its own
// reconnect loop and in-memory in-flight store.
type Paho struct {
	log     *log2.Log
	m       paho.Client
	qos     byte
	stopch  chan struct{}
	timeout time.Duration
}

type pahoLogger struct {
	log   *log2.Log
	level log2.Level
}

func (p pahoLogger) Println(v ...interface{}) {
	p.log.Log(p.level, "paho: "+fmt.Sprintln(v...))
}
func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.log.Logf(p.level, "paho: "+format, v...)
}

func NewPaho(opt ClientOptions) (*Paho, error) {
	if opt.QOS >= 2 {
		return nil, errors.NotSupportedf("mqtt QOS=%d", opt.QOS)
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	paho.ERROR = pahoLogger{opt.Log, log2.LError}
	paho.CRITICAL = pahoLogger{opt.Log, log2.LError}
	paho.WARN = pahoLogger{opt.Log, log2.LInfo}

	mopt := paho.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.clientID()).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetPingTimeout(opt.NetworkTimeout).
		SetKeepAlive(time.Duration(opt.KeepaliveSec) * time.Second).
		SetMaxReconnectInterval(opt.ReconnectDelay * 10).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) { opt.Log.Infof("mqtt paho connected broker=%s", opt.BrokerURL) }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { opt.Log.Errorf("mqtt paho connection lost err=%v", err) })
	if opt.TLS != nil {
		mopt.SetTLSConfig(opt.TLS)
	}
	if opt.Will != nil {
		mopt.SetBinaryWill(opt.Will.Topic, opt.Will.Payload, byte(opt.Will.QOS), opt.Will.Retain)
	}

	self := &Paho{
		log:     opt.Log,
		m:       paho.NewClient(mopt),
		qos:     byte(opt.QOS),
		stopch:  make(chan struct{}),
		timeout: opt.NetworkTimeout,
	}
	// initial connect failure is not fatal, Publish reports not connected
	go self.connect(opt.ReconnectDelay)
	return self, nil
}

func (self *Paho) connect(delay time.Duration) {
	for {
		t := self.m.Connect()
		if t.WaitTimeout(self.timeout) && t.Error() == nil {
			return
		} else if t.Error() != nil {
			self.log.Errorf("mqtt paho connect err=%v", t.Error())
		}
		if self.m.IsConnected() {
			return
		}
		select {
		case <-time.After(delay):
		case <-self.stopch:
			return
		}
	}
}

func (self *Paho) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	t := self.m.Publish(topic, self.qos, retained, payload)
	timeout := self.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !t.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt paho publish topic=%s", topic)
	}
	return errors.Annotatef(t.Error(), "mqtt paho publish topic=%s", topic)
}

func (self *Paho) Close() error {
	close(self.stopch)
	self.m.Disconnect(250)
	return nil
}
