// Package config loads data plane settings from DP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "DP"

// Config holds all data plane configuration.
// The groups are embedded so envconfig keeps the DP_ prefix on every key.
type Config struct {
	Transfer
	Buffers
	Datagram
	UDP
	Logging
}

// Transfer selects default endpoint addressing.
type Transfer struct {
	IPAddr       string `envconfig:"TRANSFER_IP_ADDR" default:"127.0.0.1"`
	Port         int    `envconfig:"TRANSFER_PORT" default:"0"`
	Mailbox      uint16 `envconfig:"MAILBOX" default:"1"`
	MaxMailboxes uint16 `envconfig:"MAX_MAILBOXES" default:"16"`
	SmemSize     uint64 `envconfig:"SMEM_SIZE" default:"1048576"`
}

// Buffers holds the defaults applied when a port declares zero.
type Buffers struct {
	DefaultCount int    `envconfig:"DEFAULT_BUFFER_COUNT" default:"2"`
	DefaultSize  uint32 `envconfig:"DEFAULT_BUFFER_SIZE" default:"2048"`
}

// Datagram tunes the frame/ack reliability layer.
type Datagram struct {
	AckTimeout       time.Duration `envconfig:"ACK_TIMEOUT" default:"200ms"`
	AckFlushInterval time.Duration `envconfig:"ACK_FLUSH_INTERVAL" default:"4ms"`
	MonitorInterval  time.Duration `envconfig:"MONITOR_INTERVAL" default:"2ms"`
	MaxResends       int           `envconfig:"MAX_RESENDS" default:"10"`
	ReceiveTimeout   time.Duration `envconfig:"RECEIVE_TIMEOUT" default:"50ms"`
}

// UDP tunes the per-packet acknowledged UDP driver.
type UDP struct {
	DropCheckInterval time.Duration `envconfig:"DROP_CHECK_INTERVAL" default:"10ms"`
	DropCheckLimit    int           `envconfig:"DROP_CHECK_LIMIT" default:"25"`
	ResendRate        float64       `envconfig:"RESEND_RATE" default:"2000"`
}

// Logging holds logging configuration.
type Logging struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Transfer: Transfer{
			IPAddr:       "127.0.0.1",
			Mailbox:      1,
			MaxMailboxes: 16,
			SmemSize:     1 << 20,
		},
		Buffers: Buffers{
			DefaultCount: 2,
			DefaultSize:  2048,
		},
		Datagram: Datagram{
			AckTimeout:       200 * time.Millisecond,
			AckFlushInterval: 4 * time.Millisecond,
			MonitorInterval:  2 * time.Millisecond,
			MaxResends:       10,
			ReceiveTimeout:   50 * time.Millisecond,
		},
		UDP: UDP{
			DropCheckInterval: 10 * time.Millisecond,
			DropCheckLimit:    25,
			ResendRate:        2000,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Validate reports settings that can never produce a working endpoint.
func (c *Config) Validate() error {
	var errs []error
	if c.Transfer.Mailbox == 0 || c.Transfer.Mailbox >= c.Transfer.MaxMailboxes {
		errs = append(errs, fmt.Errorf("mailbox %d outside [1,%d)", c.Transfer.Mailbox, c.Transfer.MaxMailboxes))
	}
	if c.Transfer.Port < 0 || c.Transfer.Port > 65535 {
		errs = append(errs, fmt.Errorf("transfer port %d out of range", c.Transfer.Port))
	}
	if c.Transfer.SmemSize == 0 {
		errs = append(errs, errors.New("smem size must be positive"))
	}
	if c.Buffers.DefaultCount <= 0 || c.Buffers.DefaultSize == 0 {
		errs = append(errs, errors.New("default buffer count and size must be positive"))
	}
	if c.Datagram.MaxResends <= 0 {
		errs = append(errs, errors.New("max resends must be positive"))
	}
	if c.Datagram.MonitorInterval <= 0 || c.Datagram.AckTimeout <= 0 {
		errs = append(errs, errors.New("datagram intervals must be positive"))
	}
	if c.UDP.DropCheckInterval <= 0 || c.UDP.DropCheckLimit <= 0 {
		errs = append(errs, errors.New("drop check settings must be positive"))
	}
	return errors.Join(errs...)
}
