// Package registry keeps last known state of every sensor device.
//
// Fixed capacity, devices are never evicted.
// Not safe for concurrent use, owned by the reception loop.
package registry

import (
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/tele"
)

const DefaultCapacity = 1024

var ErrFull = errors.New("device registry full")

func IsFull(err error) bool { return errors.Cause(err) == ErrFull }

type Device struct { //nolint:maligned
	ID          string
	Addr        net.Addr
	Temperature float64
	Humidity    float64
	ObservedAt  string
	// Reported is true after first accepted reading
	Reported bool
	// HasSeq is false until first accepted QoS=1 record
	HasSeq   bool
	LastSeq  uint64
	LastSeen time.Time
}

// IsDuplicate reports whether r repeats the last accepted QoS=1 sequence.
func (d *Device) IsDuplicate(r *tele.Record) bool {
	return d.HasSeq && r.HasSeq && r.Seq == d.LastSeq
}

type Registry struct {
	capacity int
	devices  []*Device
	index    map[string]*Device
	now      func() time.Time
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		devices:  make([]*Device, 0, capacity),
		index:    make(map[string]*Device, capacity),
		now:      time.Now,
	}
}

func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) Len() int      { return len(r.devices) }
func (r *Registry) Capacity() int { return r.capacity }

// GetOrCreate returns existing device with Addr and LastSeen refreshed,
// or new zero device, or ErrFull.
func (r *Registry) GetOrCreate(id string, addr net.Addr) (*Device, error) {
	if d, ok := r.index[id]; ok {
		d.Addr = addr
		d.LastSeen = r.now()
		return d, nil
	}
	if len(r.devices) >= r.capacity {
		return nil, errors.Annotatef(ErrFull, "id=%s capacity=%d", id, r.capacity)
	}
	d := &Device{ID: id, Addr: addr, LastSeen: r.now()}
	r.devices = append(r.devices, d)
	r.index[id] = d
	return d, nil
}

// Accept applies accepted record to device state.
// Sequence is tracked only for QoS=1.
func (r *Registry) Accept(d *Device, rec *tele.Record) {
	d.Temperature = rec.Temperature
	d.Humidity = rec.Humidity
	d.ObservedAt = rec.ObservedAt
	d.Reported = true
	d.LastSeen = r.now()
	if rec.QoS == tele.QoSAtLeastOnce && rec.HasSeq {
		d.HasSeq = true
		d.LastSeq = rec.Seq
	}
}

// Each calls fn with copies in insertion order until fn returns false.
func (r *Registry) Each(fn func(Device) bool) {
	for _, d := range r.devices {
		if !fn(*d) {
			return
		}
	}
}

func (r *Registry) Get(id string) (Device, bool) {
	if d, ok := r.index[id]; ok {
		return *d, true
	}
	return Device{}, false
}
