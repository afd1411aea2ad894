package quality

import (
	"context"
	"sync"
	"testing"
	"time"
)

type scriptedProvider struct {
	mu      sync.Mutex
	samples []Sample
	idx     int
}

func (p *scriptedProvider) Sample() (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.samples) {
		return p.samples[len(p.samples)-1], nil
	}
	s := p.samples[p.idx]
	p.idx++
	return s, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		loss float64
		want Level
	}{
		{0, LevelExcellent},
		{0.019, LevelExcellent},
		{0.02, LevelGood},
		{0.049, LevelGood},
		{0.05, LevelPoor},
		{0.5, LevelPoor},
	}
	for _, c := range cases {
		if got := Classify(c.loss); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.loss, got, c.want)
		}
	}
}

func TestMonitor_UsesWindowDeltas(t *testing.T) {
	// First window clean, second window 10% loss. The cumulative ratio
	// would stay under the poor threshold; the window ratio must not.
	provider := &scriptedProvider{samples: []Sample{
		{PacketsReceived: 1000, PacketsLost: 0},
		{PacketsReceived: 1900, PacketsLost: 100},
	}}

	var mu sync.Mutex
	var changes []Level
	m := NewMonitor(provider, 5*time.Millisecond, func(l Level) {
		mu.Lock()
		changes = append(changes, l)
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.Level() != LevelPoor {
		if time.Now().After(deadline) {
			t.Fatalf("level never reached poor, at %s", m.Level())
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 || changes[len(changes)-1] != LevelPoor {
		t.Errorf("expected change callback ending in poor, got %v", changes)
	}
}

func TestMonitor_IdleWindowKeepsLevel(t *testing.T) {
	provider := &scriptedProvider{samples: []Sample{
		{PacketsReceived: 100, PacketsLost: 10}, // poor window
		{PacketsReceived: 100, PacketsLost: 10}, // no traffic
	}}

	m := NewMonitor(provider, 5*time.Millisecond, nil)
	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.Level() != LevelPoor {
		if time.Now().After(deadline) {
			t.Fatalf("level never reached poor, at %s", m.Level())
		}
		time.Sleep(time.Millisecond)
	}

	// Give the loop a few idle windows; the level must not drift back.
	time.Sleep(50 * time.Millisecond)
	if m.Level() != LevelPoor {
		t.Errorf("idle windows changed the level to %s", m.Level())
	}
}

func TestMonitor_StopIsClean(t *testing.T) {
	provider := &scriptedProvider{samples: []Sample{{PacketsReceived: 1}}}
	m := NewMonitor(provider, time.Millisecond, nil)
	m.Start(context.Background())
	m.Stop()
	// Double stop must not panic or hang.
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop hung")
	}
}
