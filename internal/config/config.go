// Package config reads HCL configuration with include chaining.
// Zero values mean defaults, accessor methods apply them.
package config

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/telerelay/helpers"
	"github.com/temoto/telerelay/internal/device"
	"github.com/temoto/telerelay/internal/hub"
	"github.com/temoto/telerelay/internal/queue"
	"github.com/temoto/telerelay/log2"
)

const DefaultPath = "telerelay.hcl"

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device DeviceConfig `hcl:"device"`
	Line   LineConfig   `hcl:"line"`
	Queue  struct {
		Capacity int `hcl:"capacity"`
	} `hcl:"queue"`
	Relay RelayConfig `hcl:"relay"`
	Mqtt  MqttConfig  `hcl:"mqtt"`
	Log   struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DeviceConfig struct { //nolint:maligned
	Path          string   `hcl:"path"`
	Baud          int      `hcl:"baud"`
	ReadTimeoutMs int      `hcl:"read_timeout_ms"`
	ErrorStreak   int      `hcl:"error_streak"`
	MaxLine       int      `hcl:"max_line"`
	MatchUSB      []string `hcl:"match_usb"`
	MatchProduct  []string `hcl:"match_product"`
	Backoff       struct {
		FloorMs   int     `hcl:"floor_ms"`
		CeilingMs int     `hcl:"ceiling_ms"`
		Growth    float64 `hcl:"growth"`
	} `hcl:"backoff"`
}

type LineConfig struct {
	Untyped bool          `hcl:"untyped"`
	Alerts  []AlertConfig `hcl:"alert"`
}

type AlertConfig struct {
	Code string `hcl:"code,key"`
	Text string `hcl:"text"`
}

type RelayConfig struct {
	Listen            string `hcl:"listen"`
	HeartbeatSec      int    `hcl:"heartbeat_sec"`
	PruneSec          int    `hcl:"prune_sec"`
	DrainMs           int    `hcl:"drain_ms"`
	PingSec           int    `hcl:"ping_sec"`
	PongSec           int    `hcl:"pong_sec"`
	WriteTimeoutMs    int    `hcl:"write_timeout_ms"`
	SendBuffer        int    `hcl:"send_buffer"`
	ShutdownTimeoutMs int    `hcl:"shutdown_timeout_ms"`
}

type MqttConfig struct {
	Enabled  bool   `hcl:"enable"`
	Broker   string `hcl:"broker"`
	ClientID string `hcl:"client_id"`
	Topic    string `hcl:"topic"`
	Username string `hcl:"username"`
	Password string `hcl:"password"` // secret
}

const (
	DefaultListen          = ":8765"
	DefaultBackoffFloor    = 500 * time.Millisecond
	DefaultBackoffCeiling  = 30 * time.Second
	DefaultBackoffGrowth   = 2.0
	DefaultPing            = 20 * time.Second
	DefaultPong            = 60 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultSendBuffer      = 64
	DefaultShutdownTimeout = 3 * time.Second
	DefaultMqttClientID    = "telerelay"
	DefaultMqttTopic       = "telerelay/telemetry"
)

func (d *DeviceConfig) BaudRate() int {
	if d.Baud <= 0 {
		return device.DefaultBaud
	}
	return d.Baud
}
func (d *DeviceConfig) ReadTimeout() time.Duration {
	return helpers.IntMillisecondDefault(d.ReadTimeoutMs, device.DefaultReadTimeout)
}
func (d *DeviceConfig) Streak() int {
	if d.ErrorStreak <= 0 {
		return device.DefaultErrorStreak
	}
	return d.ErrorStreak
}
func (d *DeviceConfig) LineLimit() int {
	if d.MaxLine <= 0 {
		return device.DefaultMaxLine
	}
	return d.MaxLine
}
func (d *DeviceConfig) USB() []string {
	if len(d.MatchUSB) == 0 {
		return device.DefaultMatchUSB
	}
	return d.MatchUSB
}
func (d *DeviceConfig) Product() []string {
	if len(d.MatchProduct) == 0 {
		return device.DefaultMatchProduct
	}
	return d.MatchProduct
}

func (d *DeviceConfig) NewBackoff() helpers.Backoff {
	k := d.Backoff.Growth
	if k == 0 {
		k = DefaultBackoffGrowth
	}
	return helpers.Backoff{
		Min: helpers.IntMillisecondDefault(d.Backoff.FloorMs, DefaultBackoffFloor),
		Max: helpers.IntMillisecondDefault(d.Backoff.CeilingMs, DefaultBackoffCeiling),
		K:   k,
	}
}

// AlertMap returns nil when no alerts configured, parser uses built-in table then.
func (l *LineConfig) AlertMap() (map[float64]string, error) {
	if len(l.Alerts) == 0 {
		return nil, nil
	}
	m := make(map[float64]string, len(l.Alerts))
	for _, a := range l.Alerts {
		code, err := strconv.ParseFloat(a.Code, 64)
		if err != nil {
			return nil, errors.NotValidf("line.alert code=%q", a.Code)
		}
		m[code] = a.Text
	}
	return m, nil
}

func (c *Config) QueueCapacity() int {
	if c.Queue.Capacity == 0 {
		return queue.DefaultCapacity
	}
	return c.Queue.Capacity
}

func (r *RelayConfig) Addr() string {
	if r.Listen == "" {
		return DefaultListen
	}
	return r.Listen
}
func (r *RelayConfig) Heartbeat() time.Duration {
	return helpers.IntSecondDefault(r.HeartbeatSec, hub.DefaultHeartbeatInterval)
}
func (r *RelayConfig) Prune() time.Duration {
	return helpers.IntSecondDefault(r.PruneSec, hub.DefaultPruneInterval)
}
func (r *RelayConfig) Drain() time.Duration {
	return helpers.IntMillisecondDefault(r.DrainMs, hub.DefaultDrainInterval)
}
func (r *RelayConfig) Ping() time.Duration { return helpers.IntSecondDefault(r.PingSec, DefaultPing) }
func (r *RelayConfig) Pong() time.Duration { return helpers.IntSecondDefault(r.PongSec, DefaultPong) }
func (r *RelayConfig) WriteTimeout() time.Duration {
	return helpers.IntMillisecondDefault(r.WriteTimeoutMs, DefaultWriteTimeout)
}
func (r *RelayConfig) Buffer() int {
	if r.SendBuffer <= 0 {
		return DefaultSendBuffer
	}
	return r.SendBuffer
}
func (r *RelayConfig) ShutdownTimeout() time.Duration {
	return helpers.IntMillisecondDefault(r.ShutdownTimeoutMs, DefaultShutdownTimeout)
}

func (m *MqttConfig) Client() string {
	if m.ClientID == "" {
		return DefaultMqttClientID
	}
	return m.ClientID
}
func (m *MqttConfig) TopicName() string {
	if m.Topic == "" {
		return DefaultMqttTopic
	}
	return m.Topic
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	negative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, errors.NotValidf("%s=%d", name, v))
		}
	}
	negative("device.baud", c.Device.Baud)
	negative("device.read_timeout_ms", c.Device.ReadTimeoutMs)
	negative("device.error_streak", c.Device.ErrorStreak)
	negative("device.max_line", c.Device.MaxLine)
	negative("device.backoff.floor_ms", c.Device.Backoff.FloorMs)
	negative("device.backoff.ceiling_ms", c.Device.Backoff.CeilingMs)
	negative("relay.heartbeat_sec", c.Relay.HeartbeatSec)
	negative("relay.prune_sec", c.Relay.PruneSec)
	negative("relay.drain_ms", c.Relay.DrainMs)
	negative("relay.ping_sec", c.Relay.PingSec)
	negative("relay.pong_sec", c.Relay.PongSec)
	negative("relay.write_timeout_ms", c.Relay.WriteTimeoutMs)
	negative("relay.send_buffer", c.Relay.SendBuffer)
	negative("relay.shutdown_timeout_ms", c.Relay.ShutdownTimeoutMs)

	if g := c.Device.Backoff.Growth; g != 0 && g <= 1 {
		errs = append(errs, errors.NotValidf("device.backoff.growth=%v must be > 1", g))
	}
	if b := c.Device.NewBackoff(); b.Min > b.Max {
		errs = append(errs, errors.NotValidf("device.backoff floor=%v > ceiling=%v", b.Min, b.Max))
	}
	if c.Queue.Capacity < 0 || c.QueueCapacity() < 1 {
		errs = append(errs, errors.NotValidf("queue.capacity=%d", c.Queue.Capacity))
	}
	if c.Relay.Ping() >= c.Relay.Pong() {
		errs = append(errs, errors.NotValidf("relay.ping_sec=%v must be less than pong_sec=%v", c.Relay.Ping(), c.Relay.Pong()))
	}
	if _, err := c.Line.AlertMap(); err != nil {
		errs = append(errs, err)
	}
	if c.Mqtt.Enabled && c.Mqtt.Broker == "" {
		errs = append(errs, errors.NotValidf("mqtt.enable without broker"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read parses names in order, later sources override earlier ones, then validates.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.New("code error config.Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// ReadFile is Read with OS file system relative to path directory.
func ReadFile(log *log2.Log, path string) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	return Read(log, fs, path)
}

// Default is configuration with all defaults, used when no file is present.
func Default() *Config {
	return &Config{includeSeen: make(map[string]struct{})}
}
