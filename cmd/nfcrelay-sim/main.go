// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apdurelay/relay/internal/simulator"
)

func main() {
	clientDelay := flag.Duration("client-delay", 0, "Artificial delay before echoing a response on the client side (0 disables echoing)")
	hostDelay := flag.Duration("host-delay", 0, "Artificial delay before echoing a response on the host side (0 disables echoing)")
	flag.Parse()

	clientPty, err := simulator.CreatePtyPair()
	if err != nil {
		log.Fatalf("failed to create client pty: %v", err)
	}
	defer clientPty.Close()

	hostPty, err := simulator.CreatePtyPair()
	if err != nil {
		log.Fatalf("failed to create host pty: %v", err)
	}
	defer hostPty.Close()

	fmt.Println("nfcrelay-sim running two loopback serial devices")
	fmt.Printf("Client-facing device: %s\n", clientPty.SlavePath)
	fmt.Printf("Host-facing device:   %s\n", hostPty.SlavePath)
	fmt.Println("Point nfcrelayd's --client-port and --host-port at these paths.")
	fmt.Println("Press Ctrl+C to stop")

	stopCh := make(chan struct{})
	if *clientDelay > 0 {
		go echo(clientPty, *clientDelay, stopCh)
	}
	if *hostDelay > 0 {
		go echo(hostPty, *hostDelay, stopCh)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	close(stopCh)

	fmt.Println("\nshutting down...")
}

// echo reads whatever the relay writes to one end of a simulated device
// and, after delay, writes it straight back: a stand-in for a card or
// reader that simply acknowledges what it receives, useful for a quick
// manual smoke test of the relay's round-trip latency measurement.
func echo(pair *simulator.PtyPair, delay time.Duration, stop <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		pair.SetReadTimeout(100 * time.Millisecond)
		n, err := pair.Read(buf)
		if err != nil || n == 0 {
			continue
		}
		time.Sleep(delay)
		pair.Write(buf[:n])
	}
}
