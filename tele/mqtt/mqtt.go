// Package mqtt carries alerts and reading fan-out to a broker.
// Two drivers: gomqtt based Client (default) and eclipse Paho.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/log2"
	tele_config "github.com/temoto/sensornet/tele/config"
)

const (
	DriverGomqtt = "gomqtt"
	DriverPaho   = "paho"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
}

// NewPublisher connects in background according to config.
func NewPublisher(log *log2.Log, c *tele_config.Mqtt) (Publisher, error) {
	if c.LogDebug {
		log = log.Clone(log2.LDebug)
	}
	if c.Broker == "" {
		return nil, errors.NotValidf("mqtt.broker=empty")
	}
	opt := ClientOptions{
		BrokerURL:      c.Broker,
		ReconnectDelay: c.ReconnectDelay(),
		NetworkTimeout: c.NetworkTimeout(),
		KeepaliveSec:   uint16(c.Keepalive().Seconds()),
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		QOS:            packet.QOSAtLeastOnce,
		Log:            log,
	}
	if c.TlsCaFile != "" {
		t, err := tlsConfig(c.TlsCaFile)
		if err != nil {
			return nil, err
		}
		opt.TLS = t
	}

	switch c.Driver {
	case "", DriverGomqtt:
		cli, err := NewClient(opt)
		if err != nil {
			return nil, err
		}
		return cli, nil
	case DriverPaho:
		p, err := NewPaho(opt)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, errors.NotSupportedf("mqtt.driver=%s", c.Driver)
}

func tlsConfig(caFile string) (*tls.Config, error) {
	b, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotate(err, "mqtt tls_ca_file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.NotValidf("mqtt tls_ca_file=%s no certificates", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
