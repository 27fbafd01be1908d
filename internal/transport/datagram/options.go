package datagram

import (
	"time"

	"github.com/sdrflow/dataplane/internal/config"
)

// Options tunes the reliability layer.
type Options struct {
	// AckTimeout is the first resend timeout. Each resend doubles it, up to
	// four doublings.
	AckTimeout time.Duration
	// AckFlushInterval is how long pending acks wait for a data frame to
	// ride on before an ack-only frame is sent.
	AckFlushInterval time.Duration
	// MonitorInterval is the sleep between monitor passes.
	MonitorInterval time.Duration
	// MaxResends is how often one frame may be resent before its
	// transaction fails.
	MaxResends int
	// ReceiveTimeout bounds one socket read so shutdown is noticed.
	ReceiveTimeout time.Duration
}

// OptionsFromConfig copies the datagram settings out of cfg.
func OptionsFromConfig(cfg config.Datagram) Options {
	return Options{
		AckTimeout:       cfg.AckTimeout,
		AckFlushInterval: cfg.AckFlushInterval,
		MonitorInterval:  cfg.MonitorInterval,
		MaxResends:       cfg.MaxResends,
		ReceiveTimeout:   cfg.ReceiveTimeout,
	}
}

// DefaultOptions returns the settings of config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Datagram)
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.AckFlushInterval <= 0 {
		o.AckFlushInterval = d.AckFlushInterval
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = d.MonitorInterval
	}
	if o.MaxResends <= 0 {
		o.MaxResends = d.MaxResends
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = d.ReceiveTimeout
	}
	return o
}
