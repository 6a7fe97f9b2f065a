// Package node is the sensor device loop.
//
// Contract:
// - one record in flight, every step runs sensor, send, persist, drain, sleep in order
// - QoS=1 record dropped by delivery goes to offline queue
// - offline queue is replayed only after live delivery succeeded
// - seq grows with every generated record, delivered or not
// - sensor failure costs no seq, next attempt after SensorRetry
// - fan-out publish is best effort and never affects delivery
package node

import (
	"context"
	"expvar"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/internal/pacing"
	"github.com/temoto/sensornet/internal/queue"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
)

type Deliverer interface {
	Send(ctx context.Context, r *tele.Record) tele.Outcome
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Log      *log2.Log
	DeviceID string
	QoS      tele.QoS
	// first seq, sequence reset on restart is accepted
	StartSeq    uint64
	Sensor      Sensor
	Client      Deliverer
	Queue       *queue.Queue
	Pacing      pacing.Controller
	SensorRetry time.Duration
	// drain offline queue once before first reading
	DrainOnStart bool
	// fan-out, nil disables
	Publisher     Publisher
	Topic         string
	FanoutTimeout time.Duration
	Sleep         SleepFunc
	Now           func() time.Time
}

type Stat struct {
	Generated   expvar.Int
	Delivered   expvar.Int
	Queued      expvar.Int
	Replayed    expvar.Int
	SensorFails expvar.Int
}

type Node struct {
	opt  Options
	log  *log2.Log
	seq  uint64
	stat Stat
}

func New(opt Options) (*Node, error) {
	if opt.DeviceID == "" {
		return nil, errors.NotValidf("node DeviceID=empty")
	}
	if opt.Sensor == nil || opt.Client == nil || opt.Queue == nil {
		return nil, errors.NotValidf("node Sensor, Client, Queue required")
	}
	if opt.SensorRetry <= 0 {
		opt.SensorRetry = time.Second
	}
	if opt.FanoutTimeout <= 0 {
		opt.FanoutTimeout = time.Second
	}
	if opt.Sleep == nil {
		opt.Sleep = helpers.SleepContext
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Node{opt: opt, log: opt.Log, seq: opt.StartSeq}, nil
}

func (n *Node) Stat() *Stat     { return &n.stat }
func (n *Node) NextSeq() uint64 { return n.seq }

// Run steps until ctx is done, returns nil on cancel.
func (n *Node) Run(ctx context.Context) error {
	n.log.Infof("node id=%s qos=%d backlog=%d", n.opt.DeviceID, n.opt.QoS, n.opt.Queue.Len())
	if n.opt.DrainOnStart && n.opt.Queue.Len() != 0 {
		n.drain(ctx)
	}
	for {
		d := n.Step(ctx)
		if err := n.opt.Sleep(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Step does one cycle and returns pause before next.
func (n *Node) Step(ctx context.Context) time.Duration {
	reading, ok := n.opt.Sensor.Read(ctx)
	if !ok {
		n.stat.SensorFails.Add(1)
		n.log.Errorf("node sensor read failed, retry in %v", n.opt.SensorRetry)
		return n.opt.SensorRetry
	}

	rec := &tele.Record{
		DeviceID:    n.opt.DeviceID,
		Kind:        tele.KindWeatherObserved,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		ObservedAt:  n.opt.Now().UTC().Format(time.RFC3339),
		Status:      tele.StatusOperational,
		QoS:         n.opt.QoS,
	}
	if n.opt.QoS == tele.QoSAtLeastOnce {
		rec.Seq, rec.HasSeq = n.seq, true
	}
	n.seq++
	n.stat.Generated.Add(1)
	n.fanout(ctx, rec)

	switch n.opt.Client.Send(ctx, rec) {
	case tele.Delivered:
		n.stat.Delivered.Add(1)
		n.log.Debugf("node delivered %s", rec.String())
		if n.opt.Queue.Len() != 0 {
			n.drain(ctx)
		}

	case tele.Dropped:
		if rec.QoS == tele.QoSAtLeastOnce {
			n.log.Infof("node dropped, saving offline %s", rec.String())
			before := n.opt.Queue.Len()
			n.opt.Queue.Enqueue(rec)
			if n.opt.Queue.Len() > before {
				n.stat.Queued.Add(1)
			}
		} else {
			n.log.Debugf("node dropped %s", rec.String())
		}
	}

	return n.opt.Pacing.NextInterval(n.opt.Queue.Len())
}

func (n *Node) drain(ctx context.Context) {
	r := n.opt.Queue.DrainAndReplay(ctx, n.opt.Client.Send)
	n.stat.Replayed.Add(int64(r.Processed - r.StillFailed))
	n.log.Infof("node drain processed=%d failed=%d malformed=%d backlog=%d",
		r.Processed, r.StillFailed, r.Malformed, n.opt.Queue.Len())
}

func (n *Node) fanout(ctx context.Context, rec *tele.Record) {
	if n.opt.Publisher == nil {
		return
	}
	b, err := tele.EncodeRecord(rec)
	if err == nil {
		pubctx, cancel := context.WithTimeout(ctx, n.opt.FanoutTimeout)
		err = n.opt.Publisher.Publish(pubctx, n.opt.Topic, b, true)
		cancel()
	}
	if err != nil {
		n.log.Errorf("node fanout topic=%s err=%v", n.opt.Topic, err)
	}
}
