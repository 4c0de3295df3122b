package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/knxmgmt/internal/api"
	"github.com/nerrad567/knxmgmt/internal/infrastructure/config"
)

const testSecret = "test-secret-for-development-only-0123456789"

// writeConfig writes a minimal valid configuration with MQTT disabled.
func writeConfig(t *testing.T, busConnection string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
bus:
  connection: "` + busConnection + `"
  connect_timeout: 1

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: 18080

security:
  jwt:
    secret: "` + testSecret + `"
    issuer: "knxmgmt-test"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// closedPort returns a local TCP address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck // Test helper
	return addr
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, options{configPath: "/nonexistent/path/config.yaml"})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config", err)
	}
}

// TestRun_InvalidBusConnection verifies config validation stops startup.
func TestRun_InvalidBusConnection(t *testing.T) {
	configPath := writeConfig(t, "udp://192.168.1.10:3671")

	err := run(context.Background(), options{configPath: configPath})
	if err == nil {
		t.Fatal("run() should fail with a non-tcp bus connection")
	}
	if !strings.Contains(err.Error(), "bus.connection") {
		t.Errorf("error = %v, want bus.connection message", err)
	}
}

// TestRun_TunnelUnreachable verifies startup fails cleanly when the
// KNXnet/IP server is down, after the database has been migrated.
func TestRun_TunnelUnreachable(t *testing.T) {
	configPath := writeConfig(t, "tcp://"+closedPort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, options{configPath: configPath})
	if err == nil {
		t.Fatal("run() should fail without a tunnel server")
	}
	if !strings.Contains(err.Error(), "connecting to KNX tunnel") {
		t.Errorf("error = %v, want tunnel connection failure", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("KNXMGMT_CONFIG", "")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("KNXMGMT_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv("KNXMGMT_CONFIG", "/etc/knxmgmt/config.yaml")

	opts, err := parseFlags([]string{"-console"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if !opts.console {
		t.Error("console = false, want true")
	}
	if opts.configPath != "/etc/knxmgmt/config.yaml" {
		t.Errorf("configPath = %q, want env value", opts.configPath)
	}
	if opts.tokenTTL != 24*time.Hour {
		t.Errorf("tokenTTL = %v, want 24h", opts.tokenTTL)
	}

	opts, err = parseFlags([]string{"-config", "local.yaml", "-issue-token", "installer", "-token-ttl", "1h"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "local.yaml" || opts.issueToken != "installer" || opts.tokenTTL != time.Hour {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("parseFlags() should reject unknown flags")
	}
}

func TestIssueToken(t *testing.T) {
	configPath := writeConfig(t, "tcp://127.0.0.1:3671")

	var out bytes.Buffer
	err := issueToken(options{configPath: configPath, issueToken: "installer", tokenTTL: time.Hour}, &out)
	if err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}

	raw := strings.TrimSpace(out.String())
	claims := &api.Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Subject != "installer" || claims.Issuer != "knxmgmt-test" {
		t.Errorf("claims = sub %q iss %q", claims.Subject, claims.Issuer)
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := &config.Config{
		Bus: config.BusConfig{
			OwnAddress:            "1.1.250",
			ConfirmationTimeoutMS: 1500,
			GroupQueueSize:        64,
			CompactControlFrames:  true,
		},
		Management: config.ManagementConfig{
			AckTimeoutMS:       2000,
			ResponseTimeoutMS:  4000,
			ButtonPollInterval: 1,
			ButtonWait:         30,
			RestartSettleMS:    500,
			MemoryBit:          config.MemoryBitConfig{Offset: 0x60, On: 0x81, Off: 0x01},
		},
	}

	sc, err := sessionConfig(cfg)
	if err != nil {
		t.Fatalf("sessionConfig() error = %v", err)
	}
	if sc.OwnAddress.String() != "1.1.250" {
		t.Errorf("OwnAddress = %s, want 1.1.250", sc.OwnAddress)
	}
	if sc.Handler.ConfirmationTimeout != 1500*time.Millisecond || sc.Handler.GroupQueueSize != 64 || !sc.Handler.CompactControlFrames {
		t.Errorf("Handler = %+v", sc.Handler)
	}
	m := sc.Management
	if m.AckTimeout != 2*time.Second || m.ResponseTimeout != 4*time.Second {
		t.Errorf("timeouts = %v/%v", m.AckTimeout, m.ResponseTimeout)
	}
	if m.ButtonPollInterval != time.Second || m.ButtonWait != 30*time.Second || m.RestartSettle != 500*time.Millisecond {
		t.Errorf("button timings = %+v", m)
	}
	if m.MemoryBitOffset != 0x60 || m.MemoryBitOn != 0x81 || m.MemoryBitOff != 0x01 {
		t.Errorf("memory bit = %#x %#x %#x", m.MemoryBitOffset, m.MemoryBitOn, m.MemoryBitOff)
	}

	cfg.Bus.OwnAddress = ""
	sc, err = sessionConfig(cfg)
	if err != nil {
		t.Fatalf("sessionConfig() error = %v", err)
	}
	if !sc.OwnAddress.IsZero() {
		t.Errorf("OwnAddress = %s, want unset", sc.OwnAddress)
	}
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	ok := checkFunc(func(context.Context) error { return nil })
	down := checkFunc(func(context.Context) error { return errors.New("not connected") })

	if err := healthCheck(context.Background(), map[string]api.HealthChecker{"database": ok, "knx": ok}); err != nil {
		t.Errorf("healthCheck() = %v, want nil", err)
	}

	err := healthCheck(context.Background(), map[string]api.HealthChecker{"database": ok, "knx": down})
	if err == nil || !strings.Contains(err.Error(), "knx: not connected") {
		t.Errorf("healthCheck() = %v, want knx failure", err)
	}
}
