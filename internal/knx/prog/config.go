package prog

import (
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/transport"
)

// Default procedure settings.
const (
	DefaultButtonPollInterval = 2 * time.Second
	DefaultButtonWait         = 600 * time.Second
	DefaultRestartSettle      = 1 * time.Second
	DefaultMemoryBitOffset    = 96
	DefaultMemoryBitOn        = 0x81
	DefaultMemoryBitOff       = 0x00
)

// Config holds procedure timings and the memory bit layout. Zero values
// select the defaults, except MemoryBitOff where zero is the default.
type Config struct {
	AckTimeout         time.Duration
	ResponseTimeout    time.Duration
	ButtonPollInterval time.Duration
	ButtonWait         time.Duration
	RestartSettle      time.Duration

	MemoryBitOffset uint16
	MemoryBitOn     byte
	MemoryBitOff    byte
}

func (c Config) withDefaults() Config {
	if c.ButtonPollInterval <= 0 {
		c.ButtonPollInterval = DefaultButtonPollInterval
	}
	if c.ButtonWait <= 0 {
		c.ButtonWait = DefaultButtonWait
	}
	if c.RestartSettle <= 0 {
		c.RestartSettle = DefaultRestartSettle
	}
	if c.MemoryBitOffset == 0 {
		c.MemoryBitOffset = DefaultMemoryBitOffset
	}
	if c.MemoryBitOn == 0 {
		c.MemoryBitOn = DefaultMemoryBitOn
	}
	return c
}

func (c Config) transport() transport.Config {
	return transport.Config{
		AckTimeout:      c.AckTimeout,
		ResponseTimeout: c.ResponseTimeout,
	}
}
