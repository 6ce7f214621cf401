package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Pulsar Backend - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server ServerConfig `yaml:"server"`
	Serial SerialConfig `yaml:"serial"`
	Device DeviceConfig `yaml:"device"`
	Ports  PortsConfig  `yaml:"ports"`
	LSP    LSPConfig    `yaml:"lsp"`
	Paths  PathsConfig  `yaml:"-"`
}

type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// SerialConfig carries the defaults applied when a client connects without
// specifying per-connection overrides.
type SerialConfig struct {
	DefaultBaudRate int     `yaml:"default_baud_rate"`
	TimeoutSec      float64 `yaml:"timeout_sec"`
}

// DeviceConfig tunes the Device Session's background reader and ring buffer.
type DeviceConfig struct {
	ReaderPollIntervalMs int `yaml:"reader_poll_interval_ms"`
	ReaderChunkBytes     int `yaml:"reader_chunk_bytes"`
	OutputRingSize       int `yaml:"output_ring_size"`
	ExecuteMaxBytes      int `yaml:"execute_max_bytes"`
}

// PortsConfig tunes the port watcher.
type PortsConfig struct {
	WatchIntervalSec float64 `yaml:"watch_interval_sec"`
}

// LSPConfig tunes the language server proxy.
type LSPConfig struct {
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	StubsDir           string `yaml:"stubs_dir"`
}

// PathsConfig is resolved at load time, not persisted in the YAML file.
type PathsConfig struct {
	ConfigDir string
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance, loaded on first
// access from $PULSAR_CONFIG, else ~/.pulsar/config.yaml ("config.yaml"
// when the home directory is unknown).
func Get() *Config {
	once.Do(func() {
		// Local .env overrides, same convention as a developer's shell
		// profile: present only outside CI/production, silently skipped
		// when absent.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env", "error", err)
		}

		cfg, err := LoadConfig(getEnv("PULSAR_CONFIG", defaultConfigPath()))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

func defaultConfigPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, ".pulsar", "config.yaml")
}

// LoadConfig loads config from a YAML file. A missing file is not an error;
// callers receive a zero-valued Config that applyDefaults will fill in.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return &cfg, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		slog.Warn("config: malformed config file, ignoring", "path", path, "error", err)
		return &Config{}, nil
	}

	return &cfg, nil
}

// Save writes the config back to its user-scoped file atomically
// (write-to-temp, then rename) so a crash mid-write never corrupts it.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever was loaded from the YAML file.
func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("PULSAR_HOST", c.Server.Host)
	if v := getEnvInt("PULSAR_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("PULSAR_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("PULSAR_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("PULSAR_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("PULSAR_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("PULSAR_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("PULSAR_DEFAULT_BAUD_RATE", 0); v > 0 {
		c.Serial.DefaultBaudRate = v
	}
	if v := getEnvFloat("PULSAR_SERIAL_TIMEOUT_SEC", 0); v > 0 {
		c.Serial.TimeoutSec = v
	}

	if v := getEnvFloat("PULSAR_PORT_WATCH_INTERVAL_SEC", 0); v > 0 {
		c.Ports.WatchIntervalSec = v
	}

	if v := getEnvInt("PULSAR_LSP_TIMEOUT_SEC", 0); v > 0 {
		c.LSP.RequestTimeoutSec = v
	}
	c.LSP.StubsDir = getEnv("PULSAR_LSP_STUBS_DIR", c.LSP.StubsDir)

	c.applyDefaults()

	if dir, err := os.UserHomeDir(); err == nil {
		c.Paths.ConfigDir = filepath.Join(dir, ".pulsar")
	}
}

// applyDefaults sets sensible defaults for any zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Serial.DefaultBaudRate == 0 {
		c.Serial.DefaultBaudRate = 115200
	}
	if c.Serial.TimeoutSec == 0 {
		c.Serial.TimeoutSec = 1.0
	}

	if c.Device.ReaderPollIntervalMs == 0 {
		c.Device.ReaderPollIntervalMs = 100
	}
	if c.Device.ReaderChunkBytes == 0 {
		c.Device.ReaderChunkBytes = 1024
	}
	if c.Device.OutputRingSize == 0 {
		c.Device.OutputRingSize = 1000
	}
	if c.Device.ExecuteMaxBytes == 0 {
		c.Device.ExecuteMaxBytes = 16 * 1024 * 1024
	}

	if c.Ports.WatchIntervalSec == 0 {
		c.Ports.WatchIntervalSec = 2.0
	}

	if c.LSP.RequestTimeoutSec == 0 {
		c.LSP.RequestTimeoutSec = 30
	}
	if c.LSP.ShutdownTimeoutSec == 0 {
		c.LSP.ShutdownTimeoutSec = 5
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ReaderPollInterval() time.Duration {
	return time.Duration(c.Device.ReaderPollIntervalMs) * time.Millisecond
}

func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Serial.TimeoutSec * float64(time.Second))
}

func (c *Config) PortWatchInterval() time.Duration {
	return time.Duration(c.Ports.WatchIntervalSec * float64(time.Second))
}

func (c *Config) LSPRequestTimeout() time.Duration {
	return time.Duration(c.LSP.RequestTimeoutSec) * time.Second
}

func (c *Config) LSPShutdownTimeout() time.Duration {
	return time.Duration(c.LSP.ShutdownTimeoutSec) * time.Second
}
