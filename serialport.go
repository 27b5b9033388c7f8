// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package nfcrelay

import (
	"errors"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal duplex serial abstraction a SerialPipeline needs:
// timed reads/writes, an explicit output flush, and a close. Both a real
// OS serial device (via go.bug.st/serial) and a pty file descriptor (via
// internal/simulator, for tests and the nfcrelay-sim binary) satisfy it.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds the next Read call so the rx worker can
	// observe cancellation promptly.
	SetReadTimeout(timeout time.Duration) error

	// Drain blocks until queued output has been transmitted, standing in
	// for flush_tx in the component contract.
	Drain() error
}

// PortOpener opens a Port given an OS device name and baud rate. Pipelines
// accept one so tests can substitute a fake-port opener without touching
// real hardware.
type PortOpener func(name string, baud int) (Port, error)

// OpenSerialPort opens a real OS serial device at 8 data bits, one stop
// bit, no parity, no hardware flow control.
func OpenSerialPort(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return realPort{port}, nil
}

// realPort adapts go.bug.st/serial.Port to Port; serial.Port already
// implements every method Port requires, so this is a pure rename of the
// type for callers that want the narrower interface.
type realPort struct {
	serial.Port
}

// filePort adapts an *os.File (one side of a pty pair, as produced by
// internal/simulator.CreatePtyPair) to Port, for tests and local
// loopback demos that have no real serial hardware.
type filePort struct {
	f *os.File
}

// NewFilePort wraps f as a Port. f is typically one end of a pty pair.
func NewFilePort(f *os.File) Port {
	return filePort{f: f}
}

func (p filePort) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p filePort) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p filePort) Close() error                { return p.f.Close() }

func (p filePort) SetReadTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return p.f.SetReadDeadline(time.Time{})
	}
	return p.f.SetReadDeadline(time.Now().Add(timeout))
}

func (p filePort) Drain() error {
	return p.f.Sync()
}

// isFatalPortError reports whether err should move a pipeline to the
// Error state rather than merely being counted as a transient I/O
// error. A read timeout is neither: callers must check os.IsTimeout
// before consulting this.
func isFatalPortError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || err == os.ErrClosed {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err == os.ErrClosed
	}
	return false
}
