package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultServerURL         = "http://127.0.0.1:4096"
	defaultServerUsername    = "opencode"
	defaultServerTimeout     = 30 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultBackoffBase       = 500 * time.Millisecond
	defaultBackoffMax        = 10 * time.Second
	defaultMaxRetries        = 5
	defaultMaxBuffers        = 256
	defaultMaxBufferAge      = 10 * time.Minute
	defaultHistoryPageLimit  = 200
	defaultRingSize          = 256
)

const (
	envServerURL   = "AGENTFEED_URL"
	envServerToken = "AGENTFEED_TOKEN"
	envStreamDebug = "AGENTFEED_STREAM_DEBUG"
)

type CoreConfig struct {
	Server      ServerConfig      `toml:"server" json:"server"`
	Stream      StreamConfig      `toml:"stream" json:"stream"`
	Assembler   AssemblerConfig   `toml:"assembler" json:"assembler"`
	History     HistoryConfig     `toml:"history" json:"history"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" json:"diagnostics"`
	Logging     LoggingConfig     `toml:"logging" json:"logging"`
	Debug       DebugConfig       `toml:"debug" json:"debug"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	URL      string `toml:"url" json:"url"`
	Username string `toml:"username" json:"username"`
	Token    string `toml:"token" json:"token"`
	Timeout  string `toml:"timeout" json:"timeout"`
}

type StreamConfig struct {
	HeartbeatInterval string `toml:"heartbeat_interval" json:"heartbeat_interval"`
	BackoffBase       string `toml:"backoff_base" json:"backoff_base"`
	BackoffMax        string `toml:"backoff_max" json:"backoff_max"`
	MaxRetries        int    `toml:"max_retries" json:"max_retries"`
}

type AssemblerConfig struct {
	MaxBuffers int    `toml:"max_buffers" json:"max_buffers"`
	MaxAge     string `toml:"max_age" json:"max_age"`
}

type HistoryConfig struct {
	PageLimit int `toml:"page_limit" json:"page_limit"`
}

type DiagnosticsConfig struct {
	RingSize int `toml:"ring_size" json:"ring_size"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

type DebugConfig struct {
	StreamDebug bool `toml:"stream_debug" json:"stream_debug"`
}

type MetricsConfig struct {
	Address string `toml:"address" json:"address"`
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Server: ServerConfig{
			URL:      defaultServerURL,
			Username: defaultServerUsername,
			Timeout:  defaultServerTimeout.String(),
		},
		Stream: StreamConfig{
			HeartbeatInterval: defaultHeartbeatInterval.String(),
			BackoffBase:       defaultBackoffBase.String(),
			BackoffMax:        defaultBackoffMax.String(),
			MaxRetries:        defaultMaxRetries,
		},
		Assembler: AssemblerConfig{
			MaxBuffers: defaultMaxBuffers,
			MaxAge:     defaultMaxBufferAge.String(),
		},
		History: HistoryConfig{
			PageLimit: defaultHistoryPageLimit,
		},
		Diagnostics: DiagnosticsConfig{
			RingSize: defaultRingSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadCoreConfig() (CoreConfig, error) {
	path, err := CoreConfigPath()
	if err != nil {
		return CoreConfig{}, err
	}
	cfg, err := loadCoreConfigFromPath(path)
	if err != nil {
		return CoreConfig{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *CoreConfig) applyEnv() {
	if value := strings.TrimSpace(os.Getenv(envServerURL)); value != "" {
		c.Server.URL = value
	}
	if value := strings.TrimSpace(os.Getenv(envServerToken)); value != "" {
		c.Server.Token = value
	}
	if strings.TrimSpace(os.Getenv(envStreamDebug)) == "1" {
		c.Debug.StreamDebug = true
	}
}

// Validate reports configuration values that cannot be used at all. Values
// that are merely missing fall back to defaults in the accessors.
func (c CoreConfig) Validate() error {
	if raw := strings.TrimSpace(c.Server.URL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("server.url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("server.url: unsupported scheme %q", parsed.Scheme)
		}
	}
	for key, raw := range map[string]string{
		"server.timeout":            c.Server.Timeout,
		"stream.heartbeat_interval": c.Stream.HeartbeatInterval,
		"stream.backoff_base":       c.Stream.BackoffBase,
		"stream.backoff_max":        c.Stream.BackoffMax,
		"assembler.max_age":         c.Assembler.MaxAge,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (c CoreConfig) ServerURL() string {
	raw := strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if raw == "" {
		return defaultServerURL
	}
	return raw
}

func (c CoreConfig) ServerUsername() string {
	username := strings.TrimSpace(c.Server.Username)
	if username == "" {
		return defaultServerUsername
	}
	return username
}

func (c CoreConfig) ServerToken() string {
	return strings.TrimSpace(c.Server.Token)
}

func (c CoreConfig) ServerTimeout() time.Duration {
	return durationOr(c.Server.Timeout, defaultServerTimeout)
}

func (c CoreConfig) HeartbeatInterval() time.Duration {
	return durationOr(c.Stream.HeartbeatInterval, defaultHeartbeatInterval)
}

func (c CoreConfig) BackoffBase() time.Duration {
	return durationOr(c.Stream.BackoffBase, defaultBackoffBase)
}

func (c CoreConfig) BackoffMax() time.Duration {
	maxDelay := durationOr(c.Stream.BackoffMax, defaultBackoffMax)
	if base := c.BackoffBase(); maxDelay < base {
		return base
	}
	return maxDelay
}

func (c CoreConfig) MaxRetries() int {
	if c.Stream.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return c.Stream.MaxRetries
}

func (c CoreConfig) MaxBuffers() int {
	if c.Assembler.MaxBuffers <= 0 {
		return defaultMaxBuffers
	}
	return c.Assembler.MaxBuffers
}

func (c CoreConfig) MaxBufferAge() time.Duration {
	return durationOr(c.Assembler.MaxAge, defaultMaxBufferAge)
}

func (c CoreConfig) HistoryPageLimit() int {
	if c.History.PageLimit <= 0 {
		return defaultHistoryPageLimit
	}
	return c.History.PageLimit
}

func (c CoreConfig) DiagnosticsRingSize() int {
	if c.Diagnostics.RingSize <= 0 {
		return defaultRingSize
	}
	return c.Diagnostics.RingSize
}

func (c CoreConfig) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c CoreConfig) StreamDebugEnabled() bool {
	return c.Debug.StreamDebug
}

func (c CoreConfig) MetricsAddress() string {
	return strings.TrimSpace(c.Metrics.Address)
}

// EncodeTOML renders the configuration the way it would be written to disk.
func (c CoreConfig) EncodeTOML() ([]byte, error) {
	return toml.Marshal(c)
}

func loadCoreConfigFromPath(path string) (CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if err := readTOML(path, &cfg); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
