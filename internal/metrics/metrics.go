// Package metrics keeps cheap windowed counters over processed updates.
// Snapshots reset the window; a reporter goroutine logs one line per
// interval and the status endpoint serves the latest numbers.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/duetchat/duet/internal/logger"
)

// Updates slower than this count as slow.
const slowThreshold = 2 * time.Second

type Snapshot struct {
	At            time.Time `json:"at"`
	Window        string    `json:"window"`
	UpdatesTotal  int64     `json:"updates_total"`
	UpdatesOK     int64     `json:"updates_ok"`
	UpdatesFailed int64     `json:"updates_failed"`
	SlowUpdates   int64     `json:"slow_updates"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
	MaxDurationMS float64   `json:"max_duration_ms"`
}

type Registry struct {
	mu sync.Mutex

	windowStart   time.Time
	updatesTotal  int64
	updatesOK     int64
	updatesFailed int64
	slowUpdates   int64
	durationSum   time.Duration
	durationMax   time.Duration
}

func NewRegistry() *Registry {
	return &Registry{windowStart: time.Now()}
}

// Record accounts one processed update.
func (r *Registry) Record(ok bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updatesTotal++
	if ok {
		r.updatesOK++
	} else {
		r.updatesFailed++
	}
	if duration >= slowThreshold {
		r.slowUpdates++
	}
	r.durationSum += duration
	if duration > r.durationMax {
		r.durationMax = duration
	}
}

// Snapshot returns the current window and starts a new one.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		At:            now,
		Window:        now.Sub(r.windowStart).Truncate(time.Millisecond).String(),
		UpdatesTotal:  r.updatesTotal,
		UpdatesOK:     r.updatesOK,
		UpdatesFailed: r.updatesFailed,
		SlowUpdates:   r.slowUpdates,
		MaxDurationMS: float64(r.durationMax.Microseconds()) / 1000,
	}
	if r.updatesTotal > 0 {
		s.AvgDurationMS = float64(r.durationSum.Microseconds()) / 1000 / float64(r.updatesTotal)
	}

	r.windowStart = now
	r.updatesTotal, r.updatesOK, r.updatesFailed, r.slowUpdates = 0, 0, 0, 0
	r.durationSum, r.durationMax = 0, 0
	return s
}

// Report logs a snapshot line every interval until ctx is done.
func (r *Registry) Report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot()
			logger.Info("update metrics",
				"window", s.Window,
				"total", s.UpdatesTotal,
				"ok", s.UpdatesOK,
				"failed", s.UpdatesFailed,
				"slow", s.SlowUpdates,
				"avg_ms", s.AvgDurationMS,
				"max_ms", s.MaxDurationMS,
			)
		}
	}
}
