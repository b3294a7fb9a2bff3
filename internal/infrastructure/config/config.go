package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in the devices section.
const (
	TransportUSB     = "usb"
	TransportBus     = "bus"
	TransportVirtual = "virtual"
)

// Config is the root configuration structure for OKM Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Bus       BusConfig       `yaml:"bus"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// SiteConfig identifies the installation (a workshop, a fablab).
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains the observer HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains observer API security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains bearer token settings. An empty secret disables auth.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// RateLimitConfig contains per-client rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// CrawlerConfig tunes the polling engine.
type CrawlerConfig struct {
	// PollInterval is the sleep between two full sweeps over all devices.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ConfirmTimeout bounds the wait for confirm:unlock / confirm:lock.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	// ReadyTimeout bounds the wait for a USB controller's ready banner.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// InboundQueue is the capacity of each USB link's inbound queue.
	InboundQueue int `yaml:"inbound_queue"`
}

// BusConfig describes the shared RS-485 line.
type BusConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// DEPin and REPin are GPIO names (e.g. "GPIO4") driving the
	// transceiver's driver-enable and receiver-enable lines.
	DEPin string `yaml:"de_pin"`
	REPin string `yaml:"re_pin"`

	// Settle is the wait after writing a frame before switching to receive.
	Settle time.Duration `yaml:"settle"`

	// Turnaround is the wait after a reply before the line is reused.
	Turnaround time.Duration `yaml:"turnaround"`
}

// DeviceConfig declares one lock controller.
type DeviceConfig struct {
	ID           int    `yaml:"id"`
	Label        string `yaml:"label"`
	Transport    string `yaml:"transport"`
	SerialNumber string `yaml:"serial_number,omitempty"`
	Baud         int    `yaml:"baud,omitempty"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: OKM_SECTION_KEY
// For example: OKM_DATABASE_PATH, OKM_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDeviceDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, used when no file is present
// (simulator runs) and as the base that Load overlays.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with the original installation's values.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "okm-001",
			Name: "Open Key Manager",
		},
		Database: DatabaseConfig{
			Path:        "./data/okm.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "okm-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 60 * 24,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Crawler: CrawlerConfig{
			PollInterval:   200 * time.Millisecond,
			ConfirmTimeout: 2 * time.Second,
			ReadyTimeout:   10 * time.Second,
			InboundQueue:   16,
		},
		Bus: BusConfig{
			Port:        "/dev/ttyAMA0",
			Baud:        9600,
			ReadTimeout: 2 * time.Second,
			DEPin:       "GPIO4",
			REPin:       "GPIO23",
			Settle:      20 * time.Millisecond,
			Turnaround:  130 * time.Millisecond,
		},
		Devices: []DeviceConfig{
			{ID: 10, Label: "Tour Metal", Transport: TransportUSB, SerialNumber: "85735313932351B011E2"},
			{ID: 20, Label: "3d printer", Transport: TransportBus},
		},
	}
}

// applyDeviceDefaults fills per-device fields left empty in the YAML.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Transport == "" {
			d.Transport = TransportUSB
		}
		if d.Transport == TransportUSB && d.Baud == 0 {
			d.Baud = 115200
		}
		if d.Label == "" {
			d.Label = fmt.Sprintf("device %d", d.ID)
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: OKM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("OKM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("OKM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OKM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OKM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("OKM_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("OKM_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("OKM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Bus
	if v := os.Getenv("OKM_BUS_PORT"); v != "" {
		cfg.Bus.Port = v
	}

	// Logging
	if v := os.Getenv("OKM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("OKM_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Tokens grant read access to who holds which machine.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.Crawler.PollInterval <= 0 {
		errs = append(errs, "crawler.poll_interval must be positive")
	}
	if c.Crawler.ConfirmTimeout <= 0 {
		errs = append(errs, "crawler.confirm_timeout must be positive")
	}
	if c.Crawler.InboundQueue < 1 {
		errs = append(errs, "crawler.inbound_queue must be at least 1")
	}

	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateDevices() []string {
	var errs []string

	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}

	seen := make(map[int]bool, len(c.Devices))
	usesBus := false
	for i, d := range c.Devices {
		if d.ID <= 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].id must be a positive integer", i))
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %d is duplicated", i, d.ID))
		}
		seen[d.ID] = true

		switch d.Transport {
		case TransportUSB:
			if d.SerialNumber == "" {
				errs = append(errs, fmt.Sprintf("devices[%d].serial_number is required for usb transport", i))
			}
		case TransportBus:
			usesBus = true
		case TransportVirtual:
		default:
			errs = append(errs, fmt.Sprintf("devices[%d].transport %q must be usb, bus or virtual", i, d.Transport))
		}
	}

	if usesBus {
		if c.Bus.Port == "" {
			errs = append(errs, "bus.port is required when a bus device is configured")
		}
		if c.Bus.ReadTimeout <= 0 {
			errs = append(errs, "bus.read_timeout must be positive")
		}
	}

	return errs
}

// UseSimulator switches every device to the virtual transport.
func (c *Config) UseSimulator() {
	for i := range c.Devices {
		c.Devices[i].Transport = TransportVirtual
	}
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetTokenTTL returns the observer token lifetime as a Duration.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.TokenTTL) * time.Minute
}
