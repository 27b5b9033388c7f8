// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package integration

import (
	"bytes"
	"testing"
	"time"

	nfcrelay "github.com/apdurelay/relay"
	"github.com/apdurelay/relay/internal/testutil"
)

// TestRelayBidirectionalOverPty drives the full stack (real serial
// opens against pty devices, both pipelines, both direction workers)
// with no fakes below the relay's public API.
func TestRelayBidirectionalOverPty(t *testing.T) {
	sim, cleanup := testutil.StartAPDUSimulator(t)
	defer cleanup()

	cfg := nfcrelay.NewRelayConfig(sim.ClientDevicePath, sim.HostDevicePath)
	relay, err := nfcrelay.NewRelay(cfg)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	if err := relay.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer relay.Stop()

	// Client sends a SELECT; the host side must receive it byte for byte.
	selectAPDU := []byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xA0, 0x00, 0x00, 0x04, 0x10, 0x10, 0x10}
	if _, err := sim.WriteAsClient(selectAPDU); err != nil {
		t.Fatalf("writing as client: %v", err)
	}
	if got := sim.ExpectFromHost(t, len(selectAPDU), 2*time.Second); !bytes.Equal(got, selectAPDU) {
		t.Fatalf("host received % x, want % x", got, selectAPDU)
	}

	// Host answers with a GET RESPONSE; the client side must receive it.
	getResponse := []byte{0x00, 0xC0, 0x00, 0x00, 0x00}
	if _, err := sim.WriteAsHost(getResponse); err != nil {
		t.Fatalf("writing as host: %v", err)
	}
	if got := sim.ExpectFromClient(t, len(getResponse), 2*time.Second); !bytes.Equal(got, getResponse) {
		t.Fatalf("client received % x, want % x", got, getResponse)
	}

	stats := relay.Stats()
	if stats.ClientToHostAPDUs != 1 {
		t.Fatalf("ClientToHostAPDUs = %d, want 1", stats.ClientToHostAPDUs)
	}
	if stats.HostToClientAPDUs != 1 {
		t.Fatalf("HostToClientAPDUs = %d, want 1", stats.HostToClientAPDUs)
	}
	if stats.ValidationErrors != 0 {
		t.Fatalf("ValidationErrors = %d, want 0", stats.ValidationErrors)
	}

	metrics := relay.Metrics()
	for _, direction := range []string{nfcrelay.DirectionClientToHost, nfcrelay.DirectionHostToClient} {
		snap, ok := metrics[direction]
		if !ok {
			t.Fatalf("missing %s snapshot", direction)
		}
		if snap.Latency.Count != 1 {
			t.Fatalf("%s latency count = %d, want 1", direction, snap.Latency.Count)
		}
		if snap.Latency.MeanNs <= 0 {
			t.Fatalf("%s mean latency not positive", direction)
		}
	}
}

func TestRelayRestartOverPty(t *testing.T) {
	sim, cleanup := testutil.StartAPDUSimulator(t)
	defer cleanup()

	cfg := nfcrelay.NewRelayConfig(sim.ClientDevicePath, sim.HostDevicePath)
	relay, err := nfcrelay.NewRelay(cfg)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := relay.Start(); err != nil {
			t.Fatalf("Start #%d: %v", i+1, err)
		}
		if !relay.IsRunning() {
			t.Fatalf("cycle %d: relay not running after Start", i+1)
		}

		apdu := []byte{0x00, 0xD6, 0x00, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
		if _, err := sim.WriteAsClient(apdu); err != nil {
			t.Fatalf("writing as client: %v", err)
		}
		if got := sim.ExpectFromHost(t, len(apdu), 2*time.Second); !bytes.Equal(got, apdu) {
			t.Fatalf("cycle %d: host received % x, want % x", i+1, got, apdu)
		}

		relay.Stop()
		if relay.State() != nfcrelay.StateStopped {
			t.Fatalf("cycle %d: state after Stop = %v, want Stopped", i+1, relay.State())
		}
	}
}
