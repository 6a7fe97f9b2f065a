package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensornet/log2"
	tele_config "github.com/temoto/sensornet/tele/config"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, tele_config.DefaultAckTimeout, c.Node.AckTimeout())
			assert.Equal(t, tele_config.DefaultMaxRetries, c.Node.Retries())
			assert.Equal(t, tele_config.DefaultListen, c.Server.ListenURL())
			assert.Equal(t, 1024, c.Server.Capacity())
			assert.Equal(t, 8192, c.Server.BufferSize())
			assert.Equal(t, 50.0, tele_config.FloatDefault(c.Server.Alerts.TempMax, 50))
			assert.Equal(t, "/comcs/g04/alerts", c.Server.Alerts.AlertTopic())
			assert.False(t, c.Mqtt.Enabled)
			assert.Equal(t, tele_config.DefaultPacingBacklog, c.Node.PacingThreshold())
		}, ""},

		{"node", `
node {
	device_id = "ESP32_Device_01"
	server = "udp://10.0.0.1:5005"
	qos = 1
	ack_timeout_ms = 300
	queue { backend = "leveldb" path = "/var/lib/sensornet/q" }
	pacing { base_ms = 1000 threshold = 3 }
}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "ESP32_Device_01", c.Node.DeviceID)
				assert.Equal(t, 300*time.Millisecond, c.Node.AckTimeout())
				assert.Equal(t, "leveldb", c.Node.QueueBackend())
				assert.Equal(t, "/var/lib/sensornet/q", c.Node.QueuePath())
				assert.Equal(t, time.Second, c.Node.PacingBase())
				assert.Equal(t, 3, c.Node.PacingThreshold())
				assert.Equal(t, 60*time.Second, c.Node.PacingMax())
				assert.NoError(t, c.Node.Validate())
			}, ""},

		{"server-alerts", `
server {
	listen = "udp://127.0.0.1:6000"
	max_devices = 2
	alerts { temp_min = -5.5 temp_max = 45.5 topic = "x/alerts" }
}`,
			func(t testing.TB, c *Config) {
				a := c.Server.Alerts
				assert.Equal(t, "udp://127.0.0.1:6000", c.Server.ListenURL())
				assert.Equal(t, 2, c.Server.Capacity())
				assert.Equal(t, -5.5, tele_config.FloatDefault(a.TempMin, 0))
				assert.Equal(t, 45.5, tele_config.FloatDefault(a.TempMax, 50))
				assert.Equal(t, 80.0, tele_config.FloatDefault(a.HumMax, 80))
				assert.Equal(t, "x/alerts", a.AlertTopic())
			}, ""},

		{"pacing-threshold-zero", `node { pacing { threshold = 0 } }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 0, c.Node.PacingThreshold())
			}, ""},

		{"include-normalize", `
server { max_devices = 1 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "capacity-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Server.Capacity())
			}, ""},

		{"include-overwrites", `
server { max_devices = 1 }
include "capacity-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7, c.Server.Capacity())
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist path=non-exist not found"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"capacity-7":   "server{max_devices=7}",
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestNodeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mod       func(*tele_config.Node)
		expectErr string
	}{
		{"ok", func(*tele_config.Node) {}, ""},
		{"no-id", func(n *tele_config.Node) { n.DeviceID = "" }, "node.device_id=empty not valid"},
		{"no-server", func(n *tele_config.Node) { n.Server = "" }, "node.server=empty not valid"},
		{"qos", func(n *tele_config.Node) { n.QoS = 2 }, "node.qos=2 not valid"},
		{"ack-short", func(n *tele_config.Node) { n.AckTimeoutMs = 50 }, "node.ack_timeout_ms=50 expected 200..800 not valid"},
		{"ack-long", func(n *tele_config.Node) { n.AckTimeoutMs = 2000 }, "node.ack_timeout_ms=2000 expected 200..800 not valid"},
		{"backoff", func(n *tele_config.Node) { n.BackoffInitialMs = 9000 }, "node.backoff_max_ms=0 < backoff_initial_ms not valid"},
		{"pacing-threshold", func(n *tele_config.Node) { v := -1; n.Pacing.Threshold = &v }, "node.pacing.threshold=-1 not valid"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			n := tele_config.Node{DeviceID: "n1", Server: "udp://127.0.0.1:5005", QoS: 1}
			c.mod(&n)
			err := n.Validate()
			if c.expectErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
			}
		})
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
node { device_id = "n1" }
include "extra.hcl" {}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.hcl"), []byte(`node { server = "udp://127.0.0.1:1" }`), 0600))

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	assert.Equal(t, "udp://127.0.0.1:1", c.Node.Server)
}

func TestExampleConfig(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	c, err := ReadConfig(log, NewOsFullReader(), "../sensornet.hcl")
	require.NoError(t, err)
	assert.NoError(t, c.Node.Validate())
	assert.Equal(t, "udp://:5005", c.Server.ListenURL())
	assert.Equal(t, 2.0, tele_config.FloatDefault(c.Server.Alerts.TempDiff, 0))
	assert.Equal(t, "alerts.log", c.Server.AlertLogPath())
	assert.False(t, c.Mqtt.Enabled)
	assert.Empty(t, c.Mqtt.Password)
}
