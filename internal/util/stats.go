package util

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

// Stats is the process-wide media counter.
var Stats = &stats{}

type stats struct {
	FramesRecv     atomic.Int64 // cumulative websocket frames installed since process start
	FramesReleased atomic.Int64 // cumulative frames released (superseded or torn down)
	BytesRecv      atomic.Int64 // cumulative media bytes read (frames + RTP)
	RTPPackets     atomic.Int64 // cumulative RTP packets read from remote tracks
	LatencyMs      atomic.Int64 // latest heartbeat round trip, -1 when unknown
}

func init() { Stats.LatencyMs.Store(-1) }

func (s *stats) AddFrame(n int)      { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) ReleaseFrame()       { s.FramesReleased.Add(1) }
func (s *stats) AddRTP(n int)        { s.RTPPackets.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) SetLatency(ms int64) { s.LatencyMs.Store(ms) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 5 * time.Second

// StartStatsReporter launches a goroutine that logs stream statistics
// every 5 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		secs := reportInterval.Seconds()
		var prevFrames, prevBytes, prevPackets int64
		for {
			select {
			case <-ticker.C:
				frames := Stats.FramesRecv.Load()
				bytes := Stats.BytesRecv.Load()
				packets := Stats.RTPPackets.Load()
				live := frames - Stats.FramesReleased.Load()

				fps := float64(frames-prevFrames) / secs
				pps := float64(packets-prevPackets) / secs
				rate := float64(bytes-prevBytes) / secs

				pterm.DefaultLogger.Info(formatStats(rate, fps, pps, live, Stats.LatencyMs.Load()))

				prevFrames = frames
				prevBytes = bytes
				prevPackets = packets

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

// formatLatency renders the latest heartbeat sample, or a placeholder while
// the probe has not produced one.
func formatLatency(ms int64) string {
	if ms < 0 {
		return "connecting"
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate, fps, pps float64, live, latencyMs int64) string {
	return fmt.Sprintf("In: %s/s | Frames: %5.1f/s | RTP: %6.1f/s | Live: %d | Ping: %s",
		formatBytes(rate),
		fps,
		pps,
		live,
		formatLatency(latencyMs),
	)
}
