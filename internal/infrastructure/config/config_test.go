package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Bus.Connection = "tcp://192.168.1.10:3671"
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
bus:
  connection: "tcp://knx-gw.local:3671"
  own_address: "1.1.250"
  group_queue_size: 64
management:
  button_wait: 120
  memory_bit:
    offset: 200
    on: 1
    off: 0
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus.Connection != "tcp://knx-gw.local:3671" {
		t.Errorf("Bus.Connection = %q", cfg.Bus.Connection)
	}
	if cfg.Bus.GroupQueueSize != 64 {
		t.Errorf("Bus.GroupQueueSize = %d, want 64", cfg.Bus.GroupQueueSize)
	}
	if cfg.Management.MemoryBit.Offset != 200 {
		t.Errorf("MemoryBit.Offset = %d, want 200", cfg.Management.MemoryBit.Offset)
	}
	// Values absent from the file keep their defaults.
	if cfg.Management.AckTimeoutMS != 3000 {
		t.Errorf("Management.AckTimeoutMS = %d, want default 3000", cfg.Management.AckTimeoutMS)
	}
	if cfg.Management.GetButtonWait() != 2*time.Minute {
		t.Errorf("GetButtonWait() = %v, want 2m", cfg.Management.GetButtonWait())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvSuppliesSecrets(t *testing.T) {
	t.Setenv("KNXMGMT_BUS_CONNECTION", "tcp://10.0.0.5")
	t.Setenv("KNXMGMT_JWT_SECRET", validJWTSecret)

	cfg, err := Load(writeConfig(t, "database:\n  path: /tmp/x.db\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bus.Connection != "tcp://10.0.0.5" {
		t.Errorf("Bus.Connection = %q, want env value", cfg.Bus.Connection)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing connection", mutate: func(c *Config) { c.Bus.Connection = "" }, wantErr: "bus.connection is required"},
		{name: "udp connection", mutate: func(c *Config) { c.Bus.Connection = "udp://10.0.0.1:3671" }, wantErr: "tcp://host"},
		{name: "bad own address", mutate: func(c *Config) { c.Bus.OwnAddress = "1.1" }, wantErr: "bus.own_address"},
		{name: "zero group queue", mutate: func(c *Config) { c.Bus.GroupQueueSize = 0 }, wantErr: "group_queue_size"},
		{name: "zero ack timeout", mutate: func(c *Config) { c.Management.AckTimeoutMS = 0 }, wantErr: "timeouts must be positive"},
		{name: "button wait shorter than poll", mutate: func(c *Config) { c.Management.ButtonWait = 1 }, wantErr: "button_wait"},
		{name: "memory bit value out of range", mutate: func(c *Config) { c.Management.MemoryBit.On = 256 }, wantErr: "between 0 and 255"},
		{name: "memory bit values equal", mutate: func(c *Config) { c.Management.MemoryBit.On = 0 }, wantErr: "must differ"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "zero health interval", mutate: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.HealthInterval = 0 }, wantErr: "health_interval"},
		{name: "health interval ignored when disabled", mutate: func(c *Config) { c.MQTT.Enabled = false; c.MQTT.HealthInterval = 0 }},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "KNXMGMT_JWT_SECRET"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "at least 32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Bus.Connection = ""
	cfg.Database.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "configuration errors: ") {
		t.Errorf("error = %q, want configuration errors prefix", msg)
	}
	if !strings.Contains(msg, "bus.connection") || !strings.Contains(msg, "database.path") {
		t.Errorf("error = %q, want both problems listed", msg)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestBusAndManagementDurations(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.Bus.GetConfirmationTimeout(); got != 3*time.Second {
		t.Errorf("GetConfirmationTimeout() = %v, want 3s", got)
	}
	if got := cfg.Bus.GetHeartbeatInterval(); got != time.Minute {
		t.Errorf("GetHeartbeatInterval() = %v, want 1m", got)
	}
	if got := cfg.Management.GetAckTimeout(); got != 3*time.Second {
		t.Errorf("GetAckTimeout() = %v, want 3s", got)
	}
	if got := cfg.Management.GetResponseTimeout(); got != 6*time.Second {
		t.Errorf("GetResponseTimeout() = %v, want 6s", got)
	}
	if got := cfg.Management.GetRestartSettle(); got != time.Second {
		t.Errorf("GetRestartSettle() = %v, want 1s", got)
	}
	if got := cfg.MQTT.GetHealthInterval(); got != 30*time.Second {
		t.Errorf("GetHealthInterval() = %v, want 30s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("KNXMGMT_BUS_CONNECTION", "tcp://10.1.1.1:3671")
	t.Setenv("KNXMGMT_BUS_OWN_ADDRESS", "1.1.240")
	t.Setenv("KNXMGMT_DATABASE_PATH", "/custom/path.db")
	t.Setenv("KNXMGMT_MQTT_HOST", "mqtt.example.com")
	t.Setenv("KNXMGMT_MQTT_USERNAME", "testuser")
	t.Setenv("KNXMGMT_MQTT_PASSWORD", "testpass")
	t.Setenv("KNXMGMT_API_HOST", "192.168.1.1")
	t.Setenv("KNXMGMT_API_PORT", "9090")
	t.Setenv("KNXMGMT_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("KNXMGMT_LOG_LEVEL", "debug")
	t.Setenv("KNXMGMT_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Bus.Connection", cfg.Bus.Connection, "tcp://10.1.1.1:3671"},
		{"Bus.OwnAddress", cfg.Bus.OwnAddress, "1.1.240"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Management.MemoryBit.On != 0x81 || cfg.Management.MemoryBit.Off != 0x00 {
		t.Errorf("memory bit defaults = %#x/%#x, want 0x81/0x00", cfg.Management.MemoryBit.On, cfg.Management.MemoryBit.Off)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("defaults plus connection and secret should validate: %v", err)
	}
}
