// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import "errors"

// Sentinel errors returned (possibly wrapped with fmt.Errorf's %w) by the
// package's public operations.
var (
	// ErrNoSpace is returned by RingBuffer.Write when the requested write
	// would not fit in the available space. The buffer is left unchanged.
	ErrNoSpace = errors.New("nfcrelay: ring buffer has no space")

	// ErrInvalidCapacity is returned when a RingBuffer is constructed with
	// a non-positive capacity.
	ErrInvalidCapacity = errors.New("nfcrelay: ring buffer capacity must be positive")

	// ErrMalformedAPDU is returned by ParseErr when the buffer does not hold
	// a structurally valid APDU.
	ErrMalformedAPDU = errors.New("nfcrelay: malformed APDU")

	// ErrInvalidConfig is returned by NewRelay when RelayConfig fails basic
	// validation (empty port names, non-positive buffer capacity, etc).
	ErrInvalidConfig = errors.New("nfcrelay: invalid relay configuration")

	// ErrPortClosed is returned by pipeline operations once the serial
	// port has been closed or never opened.
	ErrPortClosed = errors.New("nfcrelay: serial port is closed")

	// ErrAlreadyRunning is returned by Start when the pipeline or relay is
	// not in the Stopped state.
	ErrAlreadyRunning = errors.New("nfcrelay: already running")
)
