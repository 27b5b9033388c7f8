// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

// Package simulator provides pty-backed stand-ins for the two serial
// devices a relay normally talks to, so tests and the nfcrelay-sim
// binary can exercise the full duplex path without real hardware.
package simulator

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
)

// PtyPair is one simulated serial device: a master/slave pty pair. The
// relay (or a test) opens SlavePath exactly as it would a real serial
// device; the simulator drives the opposite, master side.
type PtyPair struct {
	mu         sync.Mutex
	Master     *os.File
	Slave      *os.File
	MasterPath string
	SlavePath  string
}

// Close closes both the master and slave file descriptors.
func (p *PtyPair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.Master != nil {
		if e := p.Master.Close(); e != nil && err == nil {
			err = e
		}
		p.Master = nil
	}
	if p.Slave != nil {
		if e := p.Slave.Close(); e != nil && err == nil {
			err = e
		}
		p.Slave = nil
	}
	return err
}

// Read reads from the master side, the end the simulator (not the
// relay) owns.
func (p *PtyPair) Read(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()

	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Read(b)
}

// Write writes to the master side, injecting bytes the relay will see
// arrive on SlavePath.
func (p *PtyPair) Write(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()

	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Write(b)
}

// SetReadTimeout bounds how long Read blocks waiting for data, mirroring
// the Port.SetReadTimeout contract the relay's serial pipeline relies on.
func (p *PtyPair) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()

	if master == nil {
		return os.ErrClosed
	}
	if timeout <= 0 {
		return master.SetReadDeadline(time.Time{})
	}
	return master.SetReadDeadline(time.Now().Add(timeout))
}

// Drain flushes any buffered writes out to the slave side.
func (p *PtyPair) Drain() error {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()

	if master == nil {
		return os.ErrClosed
	}
	return master.Sync()
}

// CreatePtyPair allocates a new pty pair. SlavePath is the device path a
// relay pipeline (or a real serial.Port) can open; the master side stays
// with the returned PtyPair for the simulator to drive.
func CreatePtyPair() (*PtyPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}

	return &PtyPair{
		Master:     master,
		Slave:      slave,
		MasterPath: master.Name(),
		SlavePath:  slave.Name(),
	}, nil
}
