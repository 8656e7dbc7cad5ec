// Package config handles oa-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/oa-agent/config.yaml, /etc/oa-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "oa-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/oa-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all oa-agent configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	OctoPrint OctoPrintConfig `yaml:"octoprint"`
	Stream    StreamConfig    `yaml:"stream"`
	Timelapse TimelapseConfig `yaml:"timelapse"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// RelayConfig identifies the cloud relay and paces the message loop.
type RelayConfig struct {
	StreamHost string `yaml:"stream_host"`
	WSHost     string `yaml:"ws_host"`
	Token      string `yaml:"token"`

	// LoopInterval is the status push cadence while connected.
	LoopInterval time.Duration `yaml:"loop_interval"`
	// HeartbeatInterval is the minimum gap between heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ConnectGrace is how long to wait after opening a session before
	// probing whether the handshake completed.
	ConnectGrace time.Duration `yaml:"connect_grace"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls reconnect delays.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// OctoPrintConfig locates the local OctoPrint REST API.
type OctoPrintConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	InsecureTLS bool   `yaml:"insecure_tls"`
	// PollInterval paces the printer state watcher that turns state
	// transitions into pushed events.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StreamConfig controls the webcam snapshot uploader.
type StreamConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// SnapshotURL overrides the webcam snapshot URL reported by OctoPrint.
	SnapshotURL string `yaml:"snapshot_url"`
}

// TimelapseConfig controls the timelapse uploader.
type TimelapseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// MQTTConfig configures the optional LAN MQTT mirror. The mirror is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether the MQTT mirror should be started.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded and unset fields receive defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every tunable at its default.
// Relay credentials and the OctoPrint API key have no default.
func Default() *Config {
	cfg := &Config{
		OctoPrint: OctoPrintConfig{URL: "http://127.0.0.1:5000"},
		Stream:    StreamConfig{Enabled: true},
		Timelapse: TimelapseConfig{Enabled: true},
		DataDir:   "./data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	r := &c.Relay
	if r.LoopInterval <= 0 {
		r.LoopInterval = 10 * time.Second
	}
	if r.HeartbeatInterval <= 0 {
		r.HeartbeatInterval = 60 * time.Second
	}
	if r.ConnectGrace <= 0 {
		r.ConnectGrace = 2 * time.Second
	}
	if r.Backoff.Initial <= 0 {
		r.Backoff.Initial = time.Second
	}
	if r.Backoff.Max <= 0 {
		r.Backoff.Max = 1200 * time.Second
	}
	if r.Backoff.Multiplier <= 0 {
		r.Backoff.Multiplier = 2.0
	}
	if c.OctoPrint.PollInterval <= 0 {
		c.OctoPrint.PollInterval = 5 * time.Second
	}
	if c.Stream.Interval <= 0 {
		c.Stream.Interval = time.Second
	}
	if c.Timelapse.ScanInterval <= 0 {
		c.Timelapse.ScanInterval = 5 * time.Minute
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "octoprint"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "oa/" + c.MQTT.DeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = 60 * time.Second
	}
	c.DataDir = ExpandHome(c.DataDir)
	c.Timelapse.Dir = ExpandHome(c.Timelapse.Dir)
}

// Validate reports every configuration problem at once. A relay
// without hosts or a token cannot start.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.WSHost == "" {
		errs = append(errs, errors.New("relay.ws_host is required"))
	} else if err := checkURL(c.Relay.WSHost, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("relay.ws_host: %w", err))
	}
	if c.Relay.StreamHost == "" {
		errs = append(errs, errors.New("relay.stream_host is required"))
	} else if err := checkURL(c.Relay.StreamHost, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("relay.stream_host: %w", err))
	}
	if c.Relay.Token == "" {
		errs = append(errs, errors.New("relay.token is required"))
	}
	if c.Relay.Backoff.Initial > c.Relay.Backoff.Max {
		errs = append(errs, fmt.Errorf("relay.backoff.initial (%v) exceeds relay.backoff.max (%v)",
			c.Relay.Backoff.Initial, c.Relay.Backoff.Max))
	}
	if err := checkURL(c.OctoPrint.URL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("octoprint.url: %w", err))
	}
	if c.Timelapse.Enabled && c.Timelapse.Dir == "" {
		errs = append(errs, errors.New("timelapse.dir is required when timelapse is enabled"))
	}
	if c.MQTT.Configured() {
		if err := checkURL(c.MQTT.Broker, "mqtt", "mqtts", "tcp", "ssl", "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}
