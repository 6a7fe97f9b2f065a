// Separate package is workaround to import cycles.
package tele_config

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/helpers"
)

const (
	DefaultAckTimeout     = 800 * time.Millisecond
	MinAckTimeout         = 200 * time.Millisecond
	MaxAckTimeout         = 800 * time.Millisecond
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
	DefaultMaxRetries     = 5
	DefaultSensorRetry    = 1 * time.Second
	DefaultPacingBase     = 5 * time.Second
	DefaultPacingMax      = 60 * time.Second
	DefaultPacingPenalty  = 2 * time.Second
	DefaultPacingBacklog  = 10
	DefaultListen         = "udp://:5005"
	DefaultReadLimit      = 8192
	DefaultMaxDevices     = 1024
	DefaultAlertLog       = "alerts.log"
	DefaultAlertTopic     = "/comcs/g04/alerts"
	DefaultSensorTopic    = "/comcs/g04/sensor"
	DefaultQueueBackend   = "file"
	DefaultQueuePath      = "telemetry_log.txt"
)

// Node is the sensor device side.
type Node struct { //nolint:maligned
	DeviceID         string `hcl:"device_id"`
	Server           string `hcl:"server"`
	QoS              int    `hcl:"qos"`
	AckTimeoutMs     int    `hcl:"ack_timeout_ms"`
	BackoffInitialMs int    `hcl:"backoff_initial_ms"`
	BackoffMaxMs     int    `hcl:"backoff_max_ms"`
	MaxRetries       int    `hcl:"max_retries"`
	SensorRetryMs    int    `hcl:"sensor_retry_ms"`
	DrainOnStart     bool   `hcl:"drain_on_start"`
	FanoutTopic      string `hcl:"fanout_topic"`
	LogDebug         bool   `hcl:"log_debug"`

	Queue struct {
		Backend string `hcl:"backend"`
		Path    string `hcl:"path"`
	} `hcl:"queue"`
	Pacing struct {
		BaseMs    int  `hcl:"base_ms"`
		MaxMs     int  `hcl:"max_ms"`
		Threshold *int `hcl:"threshold"` // nil means default, 0 slows down on any backlog
		PenaltyMs int  `hcl:"penalty_ms"`
	} `hcl:"pacing"`
	Sensor struct {
		Temperature float64 `hcl:"temperature"`
		Humidity    float64 `hcl:"humidity"`
		Drift       float64 `hcl:"drift"`
		Seed        int64   `hcl:"seed"`
	} `hcl:"sensor"`
}

func (c *Node) AckTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.AckTimeoutMs, DefaultAckTimeout)
}
func (c *Node) BackoffInitial() time.Duration {
	return helpers.IntMillisecondDefault(c.BackoffInitialMs, DefaultBackoffInitial)
}
func (c *Node) BackoffMax() time.Duration {
	return helpers.IntMillisecondDefault(c.BackoffMaxMs, DefaultBackoffMax)
}
func (c *Node) SensorRetry() time.Duration {
	return helpers.IntMillisecondDefault(c.SensorRetryMs, DefaultSensorRetry)
}
func (c *Node) Retries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}
func (c *Node) PacingBase() time.Duration {
	return helpers.IntMillisecondDefault(c.Pacing.BaseMs, DefaultPacingBase)
}
func (c *Node) PacingMax() time.Duration {
	return helpers.IntMillisecondDefault(c.Pacing.MaxMs, DefaultPacingMax)
}
func (c *Node) PacingPenalty() time.Duration {
	return helpers.IntMillisecondDefault(c.Pacing.PenaltyMs, DefaultPacingPenalty)
}
func (c *Node) PacingThreshold() int {
	return IntDefault(c.Pacing.Threshold, DefaultPacingBacklog)
}
func (c *Node) QueueBackend() string {
	if c.Queue.Backend == "" {
		return DefaultQueueBackend
	}
	return c.Queue.Backend
}
func (c *Node) QueuePath() string {
	if c.Queue.Path == "" {
		return DefaultQueuePath
	}
	return c.Queue.Path
}
func (c *Node) Topic() string {
	if c.FanoutTopic == "" {
		return DefaultSensorTopic
	}
	return c.FanoutTopic
}

func (c *Node) Validate() error {
	if c.DeviceID == "" {
		return errors.NotValidf("node.device_id=empty")
	}
	if c.Server == "" {
		return errors.NotValidf("node.server=empty")
	}
	if c.QoS != 0 && c.QoS != 1 {
		return errors.NotValidf("node.qos=%d", c.QoS)
	}
	if d := c.AckTimeout(); d < MinAckTimeout || d > MaxAckTimeout {
		return errors.NotValidf("node.ack_timeout_ms=%d expected %d..%d", c.AckTimeoutMs, MinAckTimeout.Milliseconds(), MaxAckTimeout.Milliseconds())
	}
	if c.BackoffMax() < c.BackoffInitial() {
		return errors.NotValidf("node.backoff_max_ms=%d < backoff_initial_ms", c.BackoffMaxMs)
	}
	if c.PacingThreshold() < 0 {
		return errors.NotValidf("node.pacing.threshold=%d", c.PacingThreshold())
	}
	if c.PacingMax() < c.PacingBase() {
		return errors.NotValidf("node.pacing.max_ms=%d < base_ms", c.Pacing.MaxMs)
	}
	return nil
}

// Server is the collection side.
type Server struct { //nolint:maligned
	Listen      string `hcl:"listen"`
	MaxDevices  int    `hcl:"max_devices"`
	ReadLimit   int    `hcl:"read_limit"`
	RecvBuffer  int    `hcl:"recv_buffer"`
	AlertLog    string `hcl:"alert_log"`
	OutboxPath  string `hcl:"outbox_path"`
	LogDebug    bool   `hcl:"log_debug"`
	Alerts      Alerts `hcl:"alerts"`
	ShutdownSec int    `hcl:"shutdown_sec"`
}

func (c *Server) ListenURL() string {
	if c.Listen == "" {
		return DefaultListen
	}
	return c.Listen
}
func (c *Server) Capacity() int {
	if c.MaxDevices <= 0 {
		return DefaultMaxDevices
	}
	return c.MaxDevices
}
func (c *Server) BufferSize() int {
	if c.ReadLimit <= 0 {
		return DefaultReadLimit
	}
	return c.ReadLimit
}
func (c *Server) AlertLogPath() string {
	if c.AlertLog == "" {
		return DefaultAlertLog
	}
	return c.AlertLog
}
func (c *Server) ShutdownTimeout() time.Duration {
	return helpers.IntSecondDefault(c.ShutdownSec, 5*time.Second)
}

// Alerts thresholds, nil means default.
type Alerts struct {
	TempMin  *float64 `hcl:"temp_min"`
	TempMax  *float64 `hcl:"temp_max"`
	HumMin   *float64 `hcl:"hum_min"`
	HumMax   *float64 `hcl:"hum_max"`
	TempDiff *float64 `hcl:"temp_diff"`
	HumDiff  *float64 `hcl:"hum_diff"`
	Topic    string   `hcl:"topic"`
}

func FloatDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func IntDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func (c *Alerts) AlertTopic() string {
	if c.Topic == "" {
		return DefaultAlertTopic
	}
	return c.Topic
}

// Mqtt is outbound publish transport for alerts and reading fan-out.
type Mqtt struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	Driver            string `hcl:"driver"` // gomqtt (default) | paho
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	TlsCaFile         string `hcl:"tls_ca_file"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	LogDebug          bool   `hcl:"log_debug"`
}

func (c *Mqtt) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second)
}
func (c *Mqtt) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, 30*time.Second)
}
func (c *Mqtt) ReconnectDelay() time.Duration {
	return helpers.IntSecondDefault(c.ReconnectDelaySec, 3*time.Second)
}
