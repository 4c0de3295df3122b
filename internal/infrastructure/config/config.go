package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// Config is the root configuration structure for the KNX management daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Management ManagementConfig `yaml:"management"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// BusConfig contains the KNXnet/IP tunnel and link-layer settings.
type BusConfig struct {
	// Connection is the tunnel server URL, e.g. "tcp://192.168.1.10:3671".
	Connection string `yaml:"connection"`

	// OwnAddress overrides the individual address assigned by the tunnel
	// server. Format: "area.line.device". Empty uses the assigned address.
	OwnAddress string `yaml:"own_address"`

	// Timeouts in seconds.
	ConnectTimeout    int `yaml:"connect_timeout"`
	ReconnectInterval int `yaml:"reconnect_interval"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// ConfirmationTimeoutMS is the wait for L_Data.con in milliseconds.
	ConfirmationTimeoutMS int `yaml:"confirmation_timeout_ms"`

	GroupQueueSize       int  `yaml:"group_queue_size"`
	CompactControlFrames bool `yaml:"compact_control_frames"`

	// MetricsInterval is the period of counter points in seconds.
	MetricsInterval int `yaml:"metrics_interval"`
}

// ManagementConfig contains network management procedure settings.
type ManagementConfig struct {
	AckTimeoutMS       int `yaml:"ack_timeout_ms"`
	ResponseTimeoutMS  int `yaml:"response_timeout_ms"`
	ButtonPollInterval int `yaml:"button_poll_interval"` // seconds
	ButtonWait         int `yaml:"button_wait"`          // seconds
	RestartSettleMS    int `yaml:"restart_settle_ms"`

	MemoryBit MemoryBitConfig `yaml:"memory_bit"`
}

// MemoryBitConfig locates the switchable memory byte and its two values.
type MemoryBitConfig struct {
	Offset int `yaml:"offset"`
	On     int `yaml:"on"`
	Off    int `yaml:"off"`
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

	// HealthInterval is the period of the retained health document in seconds.
	HealthInterval int `yaml:"health_interval"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings. Tokens are issued elsewhere;
// the daemon only validates them.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KNXMGMT_SECTION_KEY
// For example: KNXMGMT_BUS_CONNECTION, KNXMGMT_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			ConnectTimeout:        10,
			ReconnectInterval:     5,
			HeartbeatInterval:     60,
			ConfirmationTimeoutMS: 3000,
			GroupQueueSize:        256,
			MetricsInterval:       30,
		},
		Management: ManagementConfig{
			AckTimeoutMS:       3000,
			ResponseTimeoutMS:  6000,
			ButtonPollInterval: 2,
			ButtonWait:         600,
			RestartSettleMS:    1000,
			MemoryBit: MemoryBitConfig{
				Offset: 96,
				On:     0x81,
				Off:    0x00,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/knxmgmt.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "knxmgmt",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "knxmgmt"},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Bus
	if v := os.Getenv("KNXMGMT_BUS_CONNECTION"); v != "" {
		cfg.Bus.Connection = v
	}
	if v := os.Getenv("KNXMGMT_BUS_OWN_ADDRESS"); v != "" {
		cfg.Bus.OwnAddress = v
	}

	// Database
	if v := os.Getenv("KNXMGMT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("KNXMGMT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KNXMGMT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KNXMGMT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("KNXMGMT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("KNXMGMT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("KNXMGMT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("KNXMGMT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("KNXMGMT_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Bus
	if c.Bus.Connection == "" {
		errs = append(errs, "bus.connection is required (set KNXMGMT_BUS_CONNECTION)")
	} else if u, err := url.Parse(c.Bus.Connection); err != nil || u.Scheme != "tcp" || u.Hostname() == "" {
		errs = append(errs, "bus.connection must be a tcp://host[:port] URL")
	}
	if c.Bus.OwnAddress != "" {
		if _, err := telegram.ParseIndividualAddress(c.Bus.OwnAddress); err != nil {
			errs = append(errs, fmt.Sprintf("bus.own_address: %v", err))
		}
	}
	if c.Bus.GroupQueueSize < 1 {
		errs = append(errs, "bus.group_queue_size must be positive")
	}

	// Management
	if c.Management.AckTimeoutMS < 1 || c.Management.ResponseTimeoutMS < 1 {
		errs = append(errs, "management timeouts must be positive")
	}
	if c.Management.ButtonWait < c.Management.ButtonPollInterval {
		errs = append(errs, "management.button_wait must not be shorter than button_poll_interval")
	}
	mb := c.Management.MemoryBit
	if mb.Offset < 0 || mb.Offset > 0xFFFF {
		errs = append(errs, "management.memory_bit.offset must be between 0 and 65535")
	}
	if mb.On < 0 || mb.On > 0xFF || mb.Off < 0 || mb.Off > 0xFF {
		errs = append(errs, "management.memory_bit values must be between 0 and 255")
	} else if mb.On == mb.Off {
		errs = append(errs, "management.memory_bit.on and off must differ")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.HealthInterval < 1 {
		errs = append(errs, "mqtt.health_interval must be positive")
	}

	// API
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// A forged token can reprogram bus devices.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set KNXMGMT_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetConnectTimeout returns the tunnel connect timeout.
func (b BusConfig) GetConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

// GetReconnectInterval returns the initial tunnel reconnect delay.
func (b BusConfig) GetReconnectInterval() time.Duration {
	return time.Duration(b.ReconnectInterval) * time.Second
}

// GetHeartbeatInterval returns the tunnel heartbeat period.
func (b BusConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatInterval) * time.Second
}

// GetConfirmationTimeout returns the L_Data.con wait.
func (b BusConfig) GetConfirmationTimeout() time.Duration {
	return time.Duration(b.ConfirmationTimeoutMS) * time.Millisecond
}

// GetMetricsInterval returns the period of counter points.
func (b BusConfig) GetMetricsInterval() time.Duration {
	return time.Duration(b.MetricsInterval) * time.Second
}

// GetAckTimeout returns the transport acknowledgement timeout.
func (m ManagementConfig) GetAckTimeout() time.Duration {
	return time.Duration(m.AckTimeoutMS) * time.Millisecond
}

// GetResponseTimeout returns the transport response timeout.
func (m ManagementConfig) GetResponseTimeout() time.Duration {
	return time.Duration(m.ResponseTimeoutMS) * time.Millisecond
}

// GetButtonPollInterval returns the programming-button poll period.
func (m ManagementConfig) GetButtonPollInterval() time.Duration {
	return time.Duration(m.ButtonPollInterval) * time.Second
}

// GetButtonWait returns how long to wait for a programming button.
func (m ManagementConfig) GetButtonWait() time.Duration {
	return time.Duration(m.ButtonWait) * time.Second
}

// GetRestartSettle returns the pause after a device restart.
func (m ManagementConfig) GetRestartSettle() time.Duration {
	return time.Duration(m.RestartSettleMS) * time.Millisecond
}

// GetHealthInterval returns the bridge health period as a time.Duration.
func (m MQTTConfig) GetHealthInterval() time.Duration {
	return time.Duration(m.HealthInterval) * time.Second
}
