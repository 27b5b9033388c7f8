package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	nfcrelay "github.com/apdurelay/relay"
)

func main() {
	app := &cli.App{
		Name:  "nfcrelayd",
		Usage: "Relay ISO 7816-4 APDUs between a client-facing and a host-facing serial device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "client-port",
				Usage:    "Serial device facing the NFC reader/client",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "host-port",
				Usage:    "Serial device facing the card/host terminal",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate for both serial devices",
				Value: nfcrelay.DefaultBaudRate,
			},
			&cli.IntFlag{
				Name:  "ring-capacity",
				Usage: "Ring buffer capacity in bytes, per direction",
				Value: nfcrelay.DefaultRingCapacity,
			},
			&cli.Float64Flag{
				Name:  "latency-threshold-ms",
				Usage: "Log a warning when a single relay hop exceeds this many milliseconds",
				Value: nfcrelay.DefaultLatencyThresholdMs,
			},
			&cli.IntFlag{
				Name:  "retry-attempts",
				Usage: "Extra attempts to enqueue an APDU when the destination ring is full",
				Value: nfcrelay.DefaultRetryAttempts,
			},
			&cli.BoolFlag{
				Name:  "validate",
				Usage: "Reject structurally invalid APDUs instead of relaying bytes verbatim",
				Value: nfcrelay.DefaultEnableAPDUValidation,
			},
			&cli.DurationFlag{
				Name:  "report-interval",
				Usage: "How often to print a metrics snapshot (0 disables periodic reporting)",
				Value: 10 * time.Second,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := nfcrelay.NewRelayConfig(c.String("client-port"), c.String("host-port"))
	cfg.BaudRate = c.Int("baud")
	cfg.RingCapacity = c.Int("ring-capacity")
	cfg.LatencyThresholdMs = c.Float64("latency-threshold-ms")
	cfg.RetryAttempts = c.Int("retry-attempts")
	cfg.EnableAPDUValidation = c.Bool("validate")
	cfg.Logger = log.Default()

	relay, err := nfcrelay.NewRelay(cfg)
	if err != nil {
		return fmt.Errorf("configuring relay: %w", err)
	}

	relay.OnAPDURelayed(func(direction string, apdu nfcrelay.APDU) {
		log.Printf("[%s] relayed CLA=%02X INS=%02X P1=%02X P2=%02X len=%d", direction, apdu.CLA, apdu.INS, apdu.P1, apdu.P2, apdu.EncodedLen())
	})
	relay.OnValidationError(func(direction string, prefix []byte, reason error) {
		log.Printf("[%s] discarded one byte to resynchronize (buffer head % x): %v", direction, prefix, reason)
	})
	relay.OnError(func(err error) {
		log.Printf("relay error: %v", err)
	})

	if err := relay.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	log.Printf("nfcrelayd running: client=%s host=%s baud=%d", cfg.ClientPort, cfg.HostPort, cfg.BaudRate)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var reportCh <-chan time.Time
	if interval := c.Duration("report-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		reportCh = ticker.C
	}

	for {
		select {
		case <-sigCh:
			log.Println("received interrupt signal, shutting down...")
			relay.Stop()
			printSummary(relay)
			return nil
		case <-reportCh:
			printSummary(relay)
		}
	}
}

func printSummary(relay *nfcrelay.Relay) {
	stats := relay.Stats()
	log.Printf(
		"stats: c2h_apdus=%d h2c_apdus=%d c2h_bytes=%d h2c_bytes=%d validation_errors=%d retries=%d dropped=%d uptime=%.1fs",
		stats.ClientToHostAPDUs, stats.HostToClientAPDUs,
		stats.ClientToHostBytes, stats.HostToClientBytes,
		stats.ValidationErrors, stats.Retries, stats.DroppedAPDUs,
		stats.UptimeSeconds,
	)

	for direction, snap := range relay.Metrics() {
		log.Printf(
			"  %s: p95=%.2fms p99=%.2fms mean=%.2fms throughput=%.1fB/s buf(rx=%.0f%% tx=%.0f%%)",
			direction,
			snap.Latency.P95Ns/float64(time.Millisecond),
			snap.Latency.P99Ns/float64(time.Millisecond),
			snap.Latency.MeanNs/float64(time.Millisecond),
			snap.Throughput.BytesPerSecond,
			snap.BufferUsage.RxBuffer*100,
			snap.BufferUsage.TxBuffer*100,
		)
	}
}
