package bridge

import (
	"time"

	"citybridge.ai/internal/protocol"
)

type Config struct {
	// Addr is the TCP listen address. Empty host binds all interfaces.
	Addr string

	// Timeout bounds how long a request waits for the tick side.
	Timeout time.Duration
	// PollInterval is the result polling cadence while waiting.
	PollInterval time.Duration

	MaxRequestBytes int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// CommandsPerSecond limits submitted commands; 0 disables limiting.
	CommandsPerSecond float64
	Burst             int
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":5050",
		Timeout:         5 * time.Second,
		PollInterval:    10 * time.Millisecond,
		MaxRequestBytes: protocol.DefaultMaxRequestBytes,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
	}
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollInterval > c.Timeout {
		c.PollInterval = c.Timeout
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = d.MaxRequestBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CommandsPerSecond < 0 {
		c.CommandsPerSecond = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}
