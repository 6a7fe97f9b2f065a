// Package tele defines telemetry wire messages exchanged between sensor nodes
// and the collection server.
//
// Contract:
// - transport is datagram based, assume worst network quality:
//   packet loss, reorder, duplicates
// - one datagram carries exactly one JSON message
// - qos=1 record is acknowledged by Ack with the same device id and seq
// - qos=0 record is never acknowledged
package tele

import (
	"fmt"
	"strconv"
)

const KindWeatherObserved = "WeatherObserved"
const StatusOperational = "OPERATIONAL"
const ackType = "ACK"

type QoS uint8

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
)

func (q QoS) String() string { return strconv.Itoa(int(q)) }

// Outcome of delivering one record.
type Outcome uint8

const (
	Dropped Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("Outcome(%d)", o)
}

// Record is one sensor reading.
// Seq is meaningful only when HasSeq, which is required for QoS=1.
type Record struct { //nolint:maligned
	DeviceID    string
	Kind        string
	Temperature float64
	Humidity    float64
	// wire value of dateObserved, numbers keep their JSON text form
	ObservedAt string
	Status     string
	QoS        QoS
	Seq        uint64
	HasSeq     bool
}

func (r *Record) String() string {
	seq := "-"
	if r.HasSeq {
		seq = strconv.FormatUint(r.Seq, 10)
	}
	return fmt.Sprintf("id=%s temp=%.2f hum=%.2f qos=%d seq=%s", r.DeviceID, r.Temperature, r.Humidity, r.QoS, seq)
}

// Ack confirms receipt of QoS=1 record (DeviceID, Seq).
type Ack struct {
	DeviceID string
	Seq      uint64
}

func (a Ack) Matches(r *Record) bool {
	return r.HasSeq && a.DeviceID == r.DeviceID && a.Seq == r.Seq
}
