package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSource) Stats(context.Context) (core.TransportStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return core.TransportStats{}, f.err
	}
	rtt := 30.0
	return core.TransportStats{CollectedAt: time.Now(), RoundTripTimeMs: &rtt}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSamplerPublishesReadings(t *testing.T) {
	src := &fakeSource{}
	readings := make(chan domain.QualityReading, 8)

	s := NewSampler(src, 10*time.Millisecond, func(_ domain.QualitySample, r domain.QualityReading) {
		select {
		case readings <- r:
		default:
		}
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case r := <-readings:
		if r.Label != domain.QualityExcellent {
			t.Errorf("label = %s, want excellent", r.Label)
		}
	case <-time.After(time.Second):
		t.Fatal("no reading published")
	}
}

func TestSamplerSwallowsSourceErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("not connected")}
	called := false

	s := NewSampler(src, 10*time.Millisecond, func(domain.QualitySample, domain.QualityReading) {
		called = true
	})
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if src.callCount() == 0 {
		t.Fatal("source never polled")
	}
	if called {
		t.Error("reading published despite source error")
	}
}

func TestSamplerStopIsIdempotent(t *testing.T) {
	s := NewSampler(&fakeSource{}, 10*time.Millisecond, nil)
	s.Start(context.Background())
	s.Stop()
	s.Stop() // must not panic or hang
}

func TestSamplerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{}
	s := NewSampler(src, 5*time.Millisecond, nil)
	s.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond)
	before := src.callCount()
	time.Sleep(30 * time.Millisecond)
	if src.callCount() != before {
		t.Error("sampler kept polling after context cancel")
	}
	s.Stop()
}
