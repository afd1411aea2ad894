// Package quality samples connection statistics during a call and classifies
// the link into coarse levels. The classification is advisory: it feeds the
// UI indicator and logs, never connection management.
package quality

import (
	"context"
	"log"
	"sync"
	"time"
)

// Level is the advisory connection quality.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelPoor      Level = "poor"
)

// Loss thresholds, applied to the packet loss ratio of each sampling window.
const (
	excellentLossMax = 0.02
	goodLossMax      = 0.05
)

// DefaultInterval is how often the monitor samples.
const DefaultInterval = 2 * time.Second

// Sample is one reading of cumulative inbound RTP counters.
type Sample struct {
	PacketsReceived int64
	PacketsLost     int64
}

// StatsProvider supplies cumulative counters. Implemented by webrtcpeer.Peer.
type StatsProvider interface {
	Sample() (Sample, error)
}

// Classify maps the loss ratio of one window to a level.
func Classify(lossRatio float64) Level {
	switch {
	case lossRatio < excellentLossMax:
		return LevelExcellent
	case lossRatio < goodLossMax:
		return LevelGood
	default:
		return LevelPoor
	}
}

// Monitor polls a StatsProvider and reports level changes. Deltas between
// consecutive samples define each window, so a burst of early loss does not
// taint the whole call.
type Monitor struct {
	provider StatsProvider
	interval time.Duration
	onChange func(Level)

	mu    sync.Mutex
	level Level
	prev  Sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. onChange may be nil; interval <= 0 uses the
// default.
func NewMonitor(provider StatsProvider, interval time.Duration, onChange func(Level)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		provider: provider,
		interval: interval,
		onChange: onChange,
		level:    LevelExcellent,
		done:     make(chan struct{}),
	}
}

// Start begins sampling in the background until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Level returns the most recent classification.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

// sampleOnce takes one reading and updates the level from the window delta.
// Windows without traffic keep the previous level.
func (m *Monitor) sampleOnce() {
	sample, err := m.provider.Sample()
	if err != nil {
		log.Printf("[quality] sample: %v", err)
		return
	}

	m.mu.Lock()
	received := sample.PacketsReceived - m.prev.PacketsReceived
	lost := sample.PacketsLost - m.prev.PacketsLost
	m.prev = sample

	total := received + lost
	if total <= 0 {
		m.mu.Unlock()
		return
	}

	level := Classify(float64(lost) / float64(total))
	changed := level != m.level
	m.level = level
	m.mu.Unlock()

	if changed {
		log.Printf("[quality] level changed to %s (window: %d lost / %d total)", level, lost, total)
		if m.onChange != nil {
			m.onChange(level)
		}
	}
}
