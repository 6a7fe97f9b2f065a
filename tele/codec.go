package tele

import (
	"math"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrMalformed = errors.New("malformed message")

type wireRecord struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"relativeHumidity"`
	DateObserved string  `json:"dateObserved"`
	Status       string  `json:"status,omitempty"`
	QoS          QoS     `json:"qos"`
	Seq          *uint64 `json:"seq,omitempty"`
}

type wireAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Seq  uint64 `json:"seq"`
}

func EncodeRecord(r *Record) ([]byte, error) {
	if math.IsNaN(r.Temperature) || math.IsNaN(r.Humidity) ||
		math.IsInf(r.Temperature, 0) || math.IsInf(r.Humidity, 0) {
		return nil, errors.NotValidf("record %s non-finite reading", r.DeviceID)
	}
	w := wireRecord{
		ID:           r.DeviceID,
		Type:         r.Kind,
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		DateObserved: r.ObservedAt,
		Status:       r.Status,
		QoS:          r.QoS,
	}
	if w.Type == "" {
		w.Type = KindWeatherObserved
	}
	if r.HasSeq {
		seq := r.Seq
		w.Seq = &seq
	}
	return json.Marshal(&w)
}

// DecodeRecord parses one record datagram.
// Errors: ErrMalformed when b is not a JSON object,
// NotValid when id, temperature or humidity is missing or has wrong type.
// Missing or negative seq is not an error, HasSeq=false instead.
func DecodeRecord(b []byte) (Record, error) {
	r := Record{}
	doc, err := parseObject(b)
	if err != nil {
		return r, err
	}

	id := doc.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return r, errors.NotValidf("id")
	}
	r.DeviceID = id.Str

	temp := doc.Get("temperature")
	if temp.Type != gjson.Number {
		return r, errors.NotValidf("device=%s temperature", r.DeviceID)
	}
	r.Temperature = temp.Num
	hum := doc.Get("relativeHumidity")
	if hum.Type != gjson.Number {
		return r, errors.NotValidf("device=%s relativeHumidity", r.DeviceID)
	}
	r.Humidity = hum.Num

	if kind := doc.Get("type"); kind.Type == gjson.String {
		r.Kind = kind.Str
	}
	if status := doc.Get("status"); status.Type == gjson.String {
		r.Status = status.Str
	}
	switch date := doc.Get("dateObserved"); date.Type {
	case gjson.String:
		r.ObservedAt = date.Str
	case gjson.Number:
		r.ObservedAt = date.Raw
	}

	switch qos := doc.Get("qos"); {
	case !qos.Exists():
		r.QoS = QoSAtMostOnce
	case qos.Type == gjson.Number && (qos.Num == 0 || qos.Num == 1):
		r.QoS = QoS(qos.Num)
	default:
		return r, errors.NotValidf("device=%s qos=%s", r.DeviceID, qos.Raw)
	}

	r.Seq, r.HasSeq = decodeSeq(doc.Get("seq"))
	return r, nil
}

func EncodeAck(a Ack) ([]byte, error) {
	return json.Marshal(&wireAck{Type: ackType, ID: a.DeviceID, Seq: a.Seq})
}

func DecodeAck(b []byte) (Ack, error) {
	a := Ack{}
	doc, err := parseObject(b)
	if err != nil {
		return a, err
	}
	if t := doc.Get("type"); t.Type != gjson.String || t.Str != ackType {
		return a, errors.NotValidf("ack type=%s", t.Raw)
	}
	id := doc.Get("id")
	if id.Type != gjson.String {
		return a, errors.NotValidf("ack id")
	}
	a.DeviceID = id.Str
	seq, ok := decodeSeq(doc.Get("seq"))
	if !ok {
		return a, errors.NotValidf("ack device=%s seq", a.DeviceID)
	}
	a.Seq = seq
	return a, nil
}

func parseObject(b []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(b) {
		return gjson.Result{}, ErrMalformed
	}
	doc := gjson.ParseBytes(b)
	if !doc.IsObject() {
		return gjson.Result{}, ErrMalformed
	}
	return doc, nil
}

// seq counts only when it is a non-negative integer
func decodeSeq(v gjson.Result) (uint64, bool) {
	if v.Type != gjson.Number || v.Num < 0 || v.Num != math.Trunc(v.Num) {
		return 0, false
	}
	return v.Uint(), true
}
