package alert

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Type string

const (
	TemperatureOutOfRange Type = "TEMPERATURE_OUT_OF_RANGE"
	HumidityOutOfRange    Type = "HUMIDITY_OUT_OF_RANGE"
	Differential          Type = "DIFFERENTIAL_ALERT"
)

const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
)

type Event struct { //nolint:maligned
	ID       uuid.UUID
	DeviceID string
	Type     Type
	Time     time.Time
	Message  string

	// range alert
	Metric string
	Value  float64

	// differential alert, absolute differences between DeviceID and Other
	Other     string
	TempDelta float64
	HumDelta  float64
}

// Line is human readable form for journal.
func (e *Event) Line() string {
	return string(e.Type) + ": device=" + e.DeviceID + ": " + e.Message
}

type payload struct {
	AlertID   string   `json:"alertId"`
	Device    string   `json:"device"`
	AlertType Type     `json:"alertType"`
	Message   string   `json:"message"`
	Time      string   `json:"time"`
	Metric    string   `json:"metric,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Other     string   `json:"otherDevice,omitempty"`
	TempDelta *float64 `json:"temperatureDelta,omitempty"`
	HumDelta  *float64 `json:"humidityDelta,omitempty"`
}

// MarshalJSON renders sink payload, superset of {device,alertType,message}.
func (e *Event) MarshalJSON() ([]byte, error) {
	p := payload{
		AlertID:   e.ID.String(),
		Device:    e.DeviceID,
		AlertType: e.Type,
		Message:   e.Message,
		Time:      e.Time.UTC().Format(time.RFC3339),
	}
	switch e.Type {
	case Differential:
		p.Other = e.Other
		p.TempDelta = &e.TempDelta
		p.HumDelta = &e.HumDelta
	default:
		p.Metric = e.Metric
		p.Value = &e.Value
	}
	return json.Marshal(&p)
}
