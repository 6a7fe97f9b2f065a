// Package alert evaluates accepted readings against range and
// cross-device divergence rules and forwards resulting events.
//
// Contract:
// - range alert when value is strictly outside [min, max]
// - differential alert when |delta temperature| >= TempDiff or
//   |delta humidity| >= HumDiff against each other reported device,
//   one event per pair naming both deltas
// - every event is written to journal and published, publish errors
//   are logged and never returned
package alert

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/temoto/sensornet/internal/registry"
	"github.com/temoto/sensornet/log2"
)

type Thresholds struct {
	TempMin  float64
	TempMax  float64
	HumMin   float64
	HumMax   float64
	TempDiff float64
	HumDiff  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TempMin:  0,
		TempMax:  50,
		HumMin:   20,
		HumMax:   80,
		TempDiff: 2,
		HumDiff:  5,
	}
}

// Publisher is one-way message sink, e.g. MQTT.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

type Snapshot interface {
	Each(fn func(registry.Device) bool)
}

type Options struct {
	Log *log2.Log
	// journal receives one line per event, usually alerts.log + stdout
	Journal    *log2.Log
	Publisher  Publisher
	Topic      string
	Thresholds Thresholds
}

type Engine struct {
	log     *log2.Log
	journal *log2.Log
	pub     Publisher
	topic   string
	th      Thresholds
	now     func() time.Time
}

func NewEngine(opt Options) *Engine {
	if opt.Publisher == nil {
		opt.Publisher = Discard{}
	}
	return &Engine{
		log:     opt.Log,
		journal: opt.Journal,
		pub:     opt.Publisher,
		topic:   opt.Topic,
		th:      opt.Thresholds,
		now:     time.Now,
	}
}

func (e *Engine) Thresholds() Thresholds { return e.th }

// Evaluate self against thresholds and against every other reported device in others.
func (e *Engine) Evaluate(ctx context.Context, self registry.Device, others Snapshot) []Event {
	now := e.now()
	events := make([]Event, 0, 4)

	if self.Temperature < e.th.TempMin || self.Temperature > e.th.TempMax {
		events = append(events, Event{
			DeviceID: self.ID, Type: TemperatureOutOfRange, Time: now,
			Metric: MetricTemperature, Value: self.Temperature,
			Message: fmt.Sprintf("Temperature %.2f outside of range [%.1f,%.1f]", self.Temperature, e.th.TempMin, e.th.TempMax),
		})
	}
	if self.Humidity < e.th.HumMin || self.Humidity > e.th.HumMax {
		events = append(events, Event{
			DeviceID: self.ID, Type: HumidityOutOfRange, Time: now,
			Metric: MetricHumidity, Value: self.Humidity,
			Message: fmt.Sprintf("Humidity %.2f outside of range [%.1f,%.1f]", self.Humidity, e.th.HumMin, e.th.HumMax),
		})
	}

	if others != nil {
		others.Each(func(other registry.Device) bool {
			if other.ID == self.ID || !other.Reported {
				return true
			}
			dt := math.Abs(self.Temperature - other.Temperature)
			dh := math.Abs(self.Humidity - other.Humidity)
			if dt >= e.th.TempDiff || dh >= e.th.HumDiff {
				events = append(events, Event{
					DeviceID: self.ID, Type: Differential, Time: now,
					Other: other.ID, TempDelta: dt, HumDelta: dh,
					Message: fmt.Sprintf("Compared with %s, temperature differs by %.2f°C and humidity by %.2f%% (thresholds: %.2f°C / %.2f%%)",
						other.ID, dt, dh, e.th.TempDiff, e.th.HumDiff),
				})
			}
			return true
		})
	}

	for i := range events {
		events[i].ID = uuid.New()
		e.emit(ctx, &events[i])
	}
	return events
}

func (e *Engine) emit(ctx context.Context, ev *Event) {
	e.journal.Infof("[%s] %s", ev.Time.Format("2006-01-02 15:04:05"), ev.Line())
	b, err := ev.MarshalJSON()
	if err != nil {
		e.log.Errorf("alert encode id=%s err=%v", ev.ID, err)
		return
	}
	if err = e.pub.Publish(ctx, e.topic, b, false); err != nil {
		e.log.Errorf("alert publish topic=%s id=%s err=%v", e.topic, ev.ID, err)
	}
}
