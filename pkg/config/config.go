package config

import (
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds default tunables for sources built on top of pkg/ioloop: a
// duplex I/O source's read ring size, a separator source's line cap, and a
// duplex I/O source's write-ready timeout. No package in this module reads a
// Config; ioio and iosrc take these values as constructor arguments and keep
// their own fallback constants. Fields carry go-defaults struct tags so
// DefaultConfig and zero-value Config literals constructed by callers both
// pick up sane values via defaults.SetDefaults.
type Config struct {
	LogLevel logrus.Level `json:"log_level"`

	// ReadBufferSize sizes a duplex I/O source's read ring buffer, in bytes.
	ReadBufferSize int `json:"read_buffer_size" default:"2048"`

	// SeparatorMaxLine caps a delimiter-framed source's line length, in
	// bytes. iosrc.NewSeparator treats a cap of zero or less as
	// iosrc.DefaultMaxLineLength, not as unbounded.
	SeparatorMaxLine int `json:"separator_max_line" default:"256"`

	// WriteTimeout bounds how long a duplex I/O source waits for its write
	// queue to drain before reporting a write-ready timeout.
	WriteTimeout time.Duration `json:"write_timeout" default:"10s"`
}

// DefaultConfig returns a Config populated with the package's default
// tunables.
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
