package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telerelay/log2"
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
			assert.Equal(t, ":8765", c.Relay.Addr())
			assert.Equal(t, 115200, c.Device.BaudRate())
			assert.Equal(t, time.Second, c.Device.ReadTimeout())
			assert.Equal(t, 3, c.Device.Streak())
			assert.Equal(t, 4096, c.Device.LineLimit())
			assert.Equal(t, []string{"0D28:0204"}, c.Device.USB())
			assert.Equal(t, 1024, c.QueueCapacity())
			assert.Equal(t, 30*time.Second, c.Relay.Heartbeat())
			assert.Equal(t, 10*time.Second, c.Relay.Prune())
			assert.Equal(t, 250*time.Millisecond, c.Relay.Drain())
			assert.Equal(t, 20*time.Second, c.Relay.Ping())
			assert.Equal(t, 60*time.Second, c.Relay.Pong())
			assert.Equal(t, 64, c.Relay.Buffer())
			b := c.Device.NewBackoff()
			assert.Equal(t, 500*time.Millisecond, b.Min)
			assert.Equal(t, 30*time.Second, b.Max)
			assert.Equal(t, 2.0, b.K)
			alerts, err := c.Line.AlertMap()
			assert.NoError(t, err)
			assert.Nil(t, alerts)
			assert.False(t, c.Mqtt.Enabled)
			assert.Equal(t, "telerelay/telemetry", c.Mqtt.TopicName())
		}, ""},

		{"device", `
device {
	path = "/dev/ttyACM1"
	baud = 9600
	read_timeout_ms = 200
	match_product = ["pico"]
	backoff { floor_ms = 100 ceiling_ms = 1000 growth = 1.5 }
}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "/dev/ttyACM1", c.Device.Path)
				assert.Equal(t, 9600, c.Device.BaudRate())
				assert.Equal(t, 200*time.Millisecond, c.Device.ReadTimeout())
				assert.Equal(t, []string{"pico"}, c.Device.Product())
				b := c.Device.NewBackoff()
				assert.Equal(t, 100*time.Millisecond, b.Min)
				assert.Equal(t, time.Second, b.Max)
				assert.Equal(t, 1.5, b.K)
			},
			"",
		},

		{"line", `
line {
	untyped = true
	alert "1" { text = "fine" }
	alert "2.5" { text = "odd" }
}`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Line.Untyped)
				alerts, err := c.Line.AlertMap()
				require.NoError(t, err)
				assert.Equal(t, map[float64]string{1: "fine", 2.5: "odd"}, alerts)
			},
			"",
		},

		{"relay", `
relay { listen = "127.0.0.1:0" heartbeat_sec = 5 drain_ms = 10 send_buffer = 8 }
queue { capacity = 3 }
mqtt { enable = true broker = "tcp://localhost:1883" }
log { debug = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "127.0.0.1:0", c.Relay.Addr())
				assert.Equal(t, 5*time.Second, c.Relay.Heartbeat())
				assert.Equal(t, 10*time.Millisecond, c.Relay.Drain())
				assert.Equal(t, 8, c.Relay.Buffer())
				assert.Equal(t, 3, c.QueueCapacity())
				assert.True(t, c.Mqtt.Enabled)
				assert.Equal(t, "telerelay", c.Mqtt.Client())
				assert.True(t, c.Log.Debug)
			},
			"",
		},

		{"invalid-growth", `device { backoff { growth = 1.0 } }`, nil, "device.backoff.growth=1 must be > 1 not valid"},
		{"invalid-floor", `device { backoff { floor_ms = 5000 ceiling_ms = 100 } }`, nil, "device.backoff floor=5s > ceiling=100ms not valid"},
		{"invalid-capacity", `queue { capacity = -1 }`, nil, "queue.capacity=-1 not valid"},
		{"invalid-negative", `relay { prune_sec = -3 }`, nil, "relay.prune_sec=-3 not valid"},
		{"invalid-ping", `relay { ping_sec = 90 }`, nil, "relay.ping_sec=1m30s must be less than pong_sec=1m0s not valid"},
		{"invalid-alert", `line { alert "x" { text = "?" } }`, nil, `line.alert code="x" not valid`},
		{"invalid-mqtt", `mqtt { enable = true }`, nil, "mqtt.enable without broker not valid"},
		{"syntax", `relay {`, nil, "config unmarshal source=test-inline"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline": c.input,
			})
			config, err := Read(log, fs, "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err, errors.ErrorStack(err))
				c.check(t, config)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadInclude(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{
		"main.hcl": `
include "base.hcl" {}
include "local.hcl" { optional = true }
relay { listen = ":9000" }`,
		"base.hcl": `device { baud = 57600 } relay { listen = ":1" }`,
	})
	c, err := Read(log, fs, "main.hcl")
	require.NoError(t, err)
	assert.Equal(t, 57600, c.Device.BaudRate())
	assert.Equal(t, ":1", c.Relay.Addr(), "include is read after including file")

	_, err = Read(log, NewMockFullReader(map[string]string{
		"a": `include "b" {}`,
		"b": `include "a" {}`,
	}), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config include loop")

	_, err = Read(log, NewMockFullReader(map[string]string{
		"a": `include "missing" {}`,
	}), "a")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(errors.Cause(err)))
	assert.Contains(t, err.Error(), "config required name=missing")
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "telerelay.hcl"),
		[]byte(`include "extra.hcl" {} relay { listen = ":1234" }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.hcl"),
		[]byte(`line { untyped = true }`), 0o644))

	c, err := ReadFile(log2.NewTest(t, log2.LDebug), filepath.Join(dir, "telerelay.hcl"))
	require.NoError(t, err)
	assert.Equal(t, ":1234", c.Relay.Addr())
	assert.True(t, c.Line.Untyped)

	_, err = ReadFile(log2.NewTest(t, log2.LDebug), filepath.Join(dir, "absent.hcl"))
	assert.Error(t, err)
}
