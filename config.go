// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import "log"

// Default values applied by NewRelayConfig when the corresponding field is
// left at its zero value.
const (
	DefaultBaudRate             = 921600
	DefaultRingCapacity         = 8192
	DefaultLatencyThresholdMs   = 5.0
	DefaultRetryAttempts        = 1
	DefaultEnableAPDUValidation = true
)

// RelayConfig configures a Relay. Only ClientPort and HostPort are
// required; everything else defaults the way NewRelayConfig describes.
type RelayConfig struct {
	// ClientPort is the OS device path of the client-facing (emulated
	// card / reader-facing) serial endpoint.
	ClientPort string

	// HostPort is the OS device path of the host-facing (target card /
	// terminal-facing) serial endpoint.
	HostPort string

	// BaudRate applies to both pipelines. Defaults to 921600.
	BaudRate int

	// RingCapacity is the capacity, in bytes, of every ring buffer
	// created for either pipeline. Defaults to 8192.
	RingCapacity int

	// LatencyThresholdMs is the soft per-APDU latency alert threshold, in
	// milliseconds. Defaults to 5.0.
	LatencyThresholdMs float64

	// RetryAttempts is how many additional attempts a direction worker
	// makes to enqueue a fully-framed APDU into a full destination
	// tx-ring before giving up on it. Defaults to 1.
	RetryAttempts int

	// EnableAPDUValidation selects whether the framer's structural
	// validation (INS/CLA/Lc checks) runs on relayed APDUs. Defaults to
	// true; when false, malformed-looking frames are still relayed
	// byte-for-byte as long as the framer can determine their boundary.
	EnableAPDUValidation bool

	// Logger receives start/stop/error notices from the pipelines and the
	// coordinator. Drop-oldest overflows are counted, not logged. A nil
	// Logger disables logging.
	Logger *log.Logger

	// openPort overrides how pipelines open their underlying serial
	// port; nil selects OpenSerialPort. Being unexported, it can only be
	// set from inside this package; the package's tests use it to
	// substitute in-memory fake ports without touching real hardware.
	openPort PortOpener
}

// NewRelayConfig returns a RelayConfig with ClientPort/HostPort set and
// every other field defaulted. EnableAPDUValidation defaults to true
// here since Go's bool zero value can't otherwise be distinguished from
// an explicit false; a RelayConfig built directly as a struct literal
// instead of through this constructor gets Go's normal zero values.
func NewRelayConfig(clientPort, hostPort string) RelayConfig {
	cfg := RelayConfig{ClientPort: clientPort, HostPort: hostPort}
	cfg.EnableAPDUValidation = true
	cfg.applyNumericDefaults()
	return cfg
}

// applyNumericDefaults fills in zero-valued numeric fields and the port
// opener. Called from both NewRelayConfig and NewRelay, so it must be
// idempotent and must never touch EnableAPDUValidation (whose zero value
// is a legitimate, deliberate "false").
func (c *RelayConfig) applyNumericDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	if c.LatencyThresholdMs == 0 {
		c.LatencyThresholdMs = DefaultLatencyThresholdMs
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.openPort == nil {
		c.openPort = OpenSerialPort
	}
}

// validate rejects invalid port names, a non-positive ring capacity or
// baud rate, and a negative retry count. It never has side effects
// beyond returning an error.
func (c RelayConfig) validate() error {
	if c.ClientPort == "" || c.HostPort == "" {
		return ErrInvalidConfig
	}
	if c.RingCapacity <= 0 {
		return ErrInvalidConfig
	}
	if c.BaudRate <= 0 {
		return ErrInvalidConfig
	}
	if c.RetryAttempts < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c *RelayConfig) logf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}
