// Package telemetry tracks process-wide traffic counters for the control channel.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide command/event counter.
var Stats = &stats{}

type stats struct {
	CommandsSent   atomic.Int64 // cumulative envelopes written to the active transport
	EventsReceived atomic.Int64 // cumulative envelopes read from the active transport
	BytesSent      atomic.Int64 // cumulative payload bytes written
	BytesRecv      atomic.Int64 // cumulative payload bytes read
	AttemptsMade   atomic.Int64 // cumulative transport attempts across all connects
	Reconnects     atomic.Int64 // cumulative automatic reconnect cycles
}

func (s *stats) AddCommand(n int) { s.CommandsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddEvent(n int)   { s.EventsReceived.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddAttempt()      { s.AttemptsMade.Add(1) }
func (s *stats) AddReconnect()    { s.Reconnects.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs channel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevCmd, prevEvt int64
		for {
			select {
			case <-ticker.C:
				cmd := Stats.CommandsSent.Load()
				evt := Stats.EventsReceived.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outC := cmd - prevCmd
				inC := evt - prevEvt

				if outC > 0 || inC > 0 {
					pterm.DefaultLogger.Info(formatStats(outS, inS, outC, inC))
				}

				prevSent = sent
				prevRecv = recv
				prevCmd = cmd
				prevEvt = evt

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, outC, inC int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Msg: %2d↑ %2d↓",
		formatBytes(outS),
		formatBytes(inS),
		outC,
		inC,
	)
}
