package main

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/cmd/sensornet/subcmd"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/internal/delivery"
	"github.com/temoto/sensornet/internal/node"
	"github.com/temoto/sensornet/internal/pacing"
	"github.com/temoto/sensornet/internal/queue"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/state"
	"github.com/temoto/sensornet/tele"
	"github.com/temoto/sensornet/tele/mqtt"
	telenet "github.com/temoto/sensornet/tele/net"
)

var NodeMod = subcmd.Mod{Name: "node", Usage: "simulated sensor device", Main: NodeMain}

func NodeMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	c := &config.Node
	if err := c.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	if c.LogDebug {
		log = log.Clone(log2.LDebug)
	}

	conn, err := telenet.Dial(ctx, c.Server, telenet.Options{Log: log})
	if err != nil {
		return errors.Annotate(err, "node")
	}
	defer conn.Close()
	client, err := delivery.NewClient(delivery.Options{
		Log:        log,
		Conn:       conn,
		AckTimeout: c.AckTimeout(),
		Backoff:    helpers.Backoff{Min: c.BackoffInitial(), Max: c.BackoffMax()},
		MaxRetries: c.Retries(),
	})
	if err != nil {
		return errors.Annotate(err, "node")
	}

	q, err := queue.Open(log, c.QueueBackend(), c.QueuePath())
	if err != nil {
		return errors.Annotate(err, "node")
	}
	defer q.Close()

	s := &c.Sensor
	sensor := node.NewSimulated(node.Reading{Temperature: s.Temperature, Humidity: s.Humidity}, s.Drift, s.Seed)
	opt := node.Options{
		Log:      log,
		DeviceID: c.DeviceID,
		QoS:      tele.QoS(c.QoS),
		Sensor:   sensor,
		Client:   client,
		Queue:    q,
		Pacing: pacing.Controller{
			Base:      c.PacingBase(),
			Max:       c.PacingMax(),
			Threshold: c.PacingThreshold(),
			Penalty:   c.PacingPenalty(),
		},
		SensorRetry:  c.SensorRetry(),
		DrainOnStart: c.DrainOnStart,
		Topic:        c.Topic(),
	}
	if config.Mqtt.Enabled {
		m, err := mqtt.NewPublisher(log, &config.Mqtt)
		if err != nil {
			return errors.Annotate(err, "node mqtt")
		}
		defer m.Close()
		opt.Publisher = m
	}
	n, err := node.New(opt)
	if err != nil {
		return errors.Annotate(err, "node")
	}

	subcmd.SdNotify(log, daemon.SdNotifyReady)
	err = n.Run(ctx)
	st := n.Stat()
	log.Infof("node stop generated=%d delivered=%d queued=%d replayed=%d sensor_fails=%d backlog=%d delivery=%s",
		st.Generated.Value(), st.Delivered.Value(), st.Queued.Value(), st.Replayed.Value(), st.SensorFails.Value(),
		q.Len(), client.Stat().String())
	return err
}
