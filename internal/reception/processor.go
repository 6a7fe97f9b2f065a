// Package reception is the server half of the telemetry protocol.
//
// Contract:
// - every datagram is handled to completion before next one is read
// - QoS=1 record is ACKed after acceptance and again on every duplicate
// - duplicate (same seq as last accepted) changes nothing and never alerts
// - QoS=0 record is never ACKed
// - malformed, invalid, missing seq, registry full: logged and discarded
package reception

import (
	"context"
	"expvar"
	"net"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/internal/alert"
	"github.com/temoto/sensornet/internal/registry"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
)

type Result int

const (
	Accepted Result = iota
	Duplicate
	Malformed
	Invalid
	MissingSeq
	RegistryFull
	resultCount
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Malformed:
		return "malformed"
	case Invalid:
		return "invalid"
	case MissingSeq:
		return "missing_seq"
	case RegistryFull:
		return "registry_full"
	}
	return "unknown"
}

type Registry interface {
	GetOrCreate(id string, addr net.Addr) (*registry.Device, error)
	Accept(d *registry.Device, rec *tele.Record)
	Each(fn func(registry.Device) bool)
}

type Evaluator interface {
	Evaluate(ctx context.Context, self registry.Device, others alert.Snapshot) []alert.Event
}

// Acker sends acknowledgement to record sender.
type Acker interface {
	Ack(ctx context.Context, ack tele.Ack, to net.Addr) error
}

type Stat struct {
	Results [resultCount]expvar.Int
	Alerts  expvar.Int
	AckErrs expvar.Int
}

func (s *Stat) Count(r Result) int64 { return s.Results[r].Value() }

type Processor struct {
	log      *log2.Log
	registry Registry
	alerts   Evaluator
	acker    Acker
	stat     Stat
}

func NewProcessor(log *log2.Log, reg Registry, alerts Evaluator, acker Acker) *Processor {
	return &Processor{
		log:      log,
		registry: reg,
		alerts:   alerts,
		acker:    acker,
	}
}

func (self *Processor) Stat() *Stat { return &self.stat }

// Handle one inbound datagram from sender address.
func (self *Processor) Handle(ctx context.Context, b []byte, from net.Addr) Result {
	r := self.handle(ctx, b, from)
	self.stat.Results[r].Add(1)
	return r
}

func (self *Processor) handle(ctx context.Context, b []byte, from net.Addr) Result {
	rec, err := tele.DecodeRecord(b)
	if err != nil {
		if errors.Cause(err) == tele.ErrMalformed {
			self.log.Errorf("reception from=%s malformed b=%q", addrString(from), b)
			return Malformed
		}
		self.log.Errorf("reception from=%s err=%v", addrString(from), err)
		return Invalid
	}
	self.log.Infof("received from=%s %s", addrString(from), rec.String())

	d, err := self.registry.GetOrCreate(rec.DeviceID, from)
	if err != nil {
		if registry.IsFull(err) {
			self.log.Errorf("reception discard %v", err)
			return RegistryFull
		}
		self.log.Errorf("reception registry id=%s err=%v", rec.DeviceID, err)
		return Invalid
	}

	if rec.QoS == tele.QoSAtLeastOnce {
		if !rec.HasSeq {
			self.log.Errorf("reception from=%s id=%s qos=1 without seq, discarded", addrString(from), rec.DeviceID)
			return MissingSeq
		}
		if d.IsDuplicate(&rec) {
			self.log.Debugf("reception duplicate id=%s seq=%d, re-ACK", rec.DeviceID, rec.Seq)
			self.ack(ctx, &rec, from)
			return Duplicate
		}
	}

	self.registry.Accept(d, &rec)
	if rec.QoS == tele.QoSAtLeastOnce {
		self.ack(ctx, &rec, from)
	}
	if self.alerts != nil {
		events := self.alerts.Evaluate(ctx, *d, self.registry)
		self.stat.Alerts.Add(int64(len(events)))
	}
	return Accepted
}

func (self *Processor) ack(ctx context.Context, rec *tele.Record, to net.Addr) {
	if err := self.acker.Ack(ctx, tele.Ack{DeviceID: rec.DeviceID, Seq: rec.Seq}, to); err != nil {
		self.stat.AckErrs.Add(1)
		self.log.Errorf("reception ack id=%s seq=%d to=%s err=%v", rec.DeviceID, rec.Seq, addrString(to), err)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "-"
	}
	return a.String()
}
