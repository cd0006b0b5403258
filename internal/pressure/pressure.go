// Package pressure implements the §4.8 memory-pressure monitor: it
// samples the running process's RSS, classifies it into a pressure
// level, and hands each sample to a caller-supplied callback. It does not
// signal the session engine or accelerate context pruning itself; what
// happens on rising pressure is whatever that callback does. Grounded on
// internal/session's pruning ledger
// (internal/session/pruning.go's TriggerMemoryPressure) and the
// github.com/shirou/gopsutil/v4 dependency the teacher already carries
// for host/process introspection.
package pressure

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// Level classifies how close the process is to a memory-pressure
// emergency (§4.8: "{Normal, Elevated, High, Critical}").
type Level int

const (
	Normal Level = iota
	Elevated
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Elevated:
		return "elevated"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Thresholds in resident-set bytes. These are conservative defaults for a
// long-running terminal agent process; Critical leaves enough headroom
// that a forced prune can still complete before an OOM kill.
const (
	ElevatedThreshold = 512 * 1024 * 1024
	HighThreshold     = 1024 * 1024 * 1024
	CriticalThreshold = 2048 * 1024 * 1024
)

// Classify buckets a sampled RSS in bytes into a Level.
func Classify(rssBytes uint64) Level {
	switch {
	case rssBytes >= CriticalThreshold:
		return Critical
	case rssBytes >= HighThreshold:
		return High
	case rssBytes >= ElevatedThreshold:
		return Elevated
	default:
		return Normal
	}
}

// Sample is one observation: the RSS reading and its classification.
type Sample struct {
	RSSBytes uint64
	Level    Level
	At       time.Time
}

// Monitor polls its own process's RSS on an interval and reports each
// sample through Callback. It is a pure observer: deciding what to do
// about Elevated+ pressure (e.g. forcing session.Ledger pruning) is the
// caller's responsibility, kept out of this package to avoid an import
// cycle with internal/session.
type Monitor struct {
	Interval time.Duration
	Callback func(Sample)

	pid int32
}

// NewMonitor returns a Monitor sampling the current process every
// interval (default 10s if interval <= 0).
func NewMonitor(interval time.Duration, callback func(Sample)) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{Interval: interval, Callback: callback, pid: int32(os.Getpid())}
}

// Run blocks, sampling on Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	proc, err := process.NewProcessWithContext(ctx, m.pid)
	if err != nil {
		log.Debug().Err(err).Msg("pressure: failed to open self process handle")
		return
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("pressure: failed to read memory info")
		return
	}
	sample := Sample{RSSBytes: info.RSS, Level: Classify(info.RSS), At: time.Now()}
	if sample.Level >= Elevated {
		log.Info().Str("level", sample.Level.String()).Uint64("rss_bytes", sample.RSSBytes).Msg("pressure: elevated memory pressure")
	}
	if m.Callback != nil {
		m.Callback(sample)
	}
}
