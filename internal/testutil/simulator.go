// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/apdurelay/relay/internal/simulator"
)

// APDUSimulator fabricates the two duplex serial endpoints a Relay
// needs (one standing in for the client-facing device, one for the
// host-facing device) using pty pairs instead of real hardware. The relay under
// test opens ClientDevicePath/HostDevicePath the same way it would open a
// real serial device; the test interacts with the opposite (master) side
// of each pty directly.
type APDUSimulator struct {
	ClientDevicePath string
	HostDevicePath   string

	clientPty *simulator.PtyPair
	hostPty   *simulator.PtyPair
}

// StartAPDUSimulator creates both pty pairs and returns a cleanup
// function that should be deferred.
func StartAPDUSimulator(t *testing.T) (*APDUSimulator, func()) {
	t.Helper()

	clientPty, err := simulator.CreatePtyPair()
	if err != nil {
		t.Fatalf("failed to create client pty: %v", err)
	}
	hostPty, err := simulator.CreatePtyPair()
	if err != nil {
		clientPty.Close()
		t.Fatalf("failed to create host pty: %v", err)
	}

	sim := &APDUSimulator{
		ClientDevicePath: clientPty.SlavePath,
		HostDevicePath:   hostPty.SlavePath,
		clientPty:        clientPty,
		hostPty:          hostPty,
	}

	cleanup := func() {
		if err := clientPty.Close(); err != nil {
			t.Logf("error closing client pty: %v", err)
		}
		if err := hostPty.Close(); err != nil {
			t.Logf("error closing host pty: %v", err)
		}
	}

	return sim, cleanup
}

// WriteAsClient writes b to the master side of the client pty, simulating
// bytes arriving from the real client-facing device.
func (s *APDUSimulator) WriteAsClient(b []byte) (int, error) {
	return s.clientPty.Write(b)
}

// ReadFromHost reads up to len(b) bytes from the master side of the host
// pty, simulating the real host-facing terminal receiving relayed bytes.
func (s *APDUSimulator) ReadFromHost(b []byte) (int, error) {
	return s.hostPty.Read(b)
}

// WriteAsHost writes b to the master side of the host pty, simulating a
// response arriving from the real target card/terminal.
func (s *APDUSimulator) WriteAsHost(b []byte) (int, error) {
	return s.hostPty.Write(b)
}

// ReadFromClient reads up to len(b) bytes from the master side of the
// client pty, simulating the real client-facing device receiving a
// relayed response.
func (s *APDUSimulator) ReadFromClient(b []byte) (int, error) {
	return s.clientPty.Read(b)
}

// ExpectFromHost reads exactly n bytes from the host side, failing the
// test if they do not all arrive within timeout.
func (s *APDUSimulator) ExpectFromHost(t *testing.T, n int, timeout time.Duration) []byte {
	t.Helper()
	return expectBytes(t, s.hostPty, n, timeout)
}

// ExpectFromClient reads exactly n bytes from the client side, failing
// the test if they do not all arrive within timeout.
func (s *APDUSimulator) ExpectFromClient(t *testing.T, n int, timeout time.Duration) []byte {
	t.Helper()
	return expectBytes(t, s.clientPty, n, timeout)
}

func expectBytes(t *testing.T, p *simulator.PtyPair, n int, timeout time.Duration) []byte {
	t.Helper()

	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	chunk := make([]byte, 256)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out after %v with %d of %d bytes", timeout, len(out), n)
		}
		if err := p.SetReadTimeout(remaining); err != nil {
			t.Fatalf("setting read timeout: %v", err)
		}
		rn, err := p.Read(chunk)
		if err != nil && !os.IsTimeout(err) {
			t.Fatalf("reading from pty: %v", err)
		}
		out = append(out, chunk[:rn]...)
	}
	return out
}
