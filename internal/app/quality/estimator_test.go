package quality

import (
	"testing"
	"time"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func TestScoreBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		sample    domain.QualitySample
		wantScore int
		wantLabel domain.QualityLabel
	}{
		{"no metrics", domain.QualitySample{}, 100, domain.QualityUnknown},
		{"rtt just under threshold", domain.QualitySample{RoundTripTimeMs: f64(49)}, 100, domain.QualityExcellent},
		{"rtt at threshold", domain.QualitySample{RoundTripTimeMs: f64(50)}, 95, domain.QualityExcellent},
		{"rtt 100", domain.QualitySample{RoundTripTimeMs: f64(100)}, 85, domain.QualityExcellent},
		{"rtt 200", domain.QualitySample{RoundTripTimeMs: f64(200)}, 75, domain.QualityGood},
		{"rtt 300", domain.QualitySample{RoundTripTimeMs: f64(300)}, 60, domain.QualityMedium},
		{"loss half pct", domain.QualitySample{PacketLossPct: f64(0.5)}, 95, domain.QualityExcellent},
		{"loss heavy", domain.QualitySample{PacketLossPct: f64(5)}, 60, domain.QualityMedium},
		{"jitter 20", domain.QualitySample{JitterMs: f64(20)}, 95, domain.QualityExcellent},
		{"jitter 100", domain.QualitySample{JitterMs: f64(100)}, 80, domain.QualityGood},
		{"fps smooth", domain.QualitySample{FramesPerSecond: f64(30)}, 100, domain.QualityExcellent},
		{"fps choppy", domain.QualitySample{FramesPerSecond: f64(10)}, 85, domain.QualityExcellent},
		{
			"everything bad clamps at zero",
			domain.QualitySample{
				RoundTripTimeMs: f64(500),
				PacketLossPct:   f64(10),
				JitterMs:        f64(200),
				FramesPerSecond: f64(5),
			},
			0, domain.QualityPoor,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.sample)
			if got.Score != tc.wantScore {
				t.Errorf("score = %d, want %d", got.Score, tc.wantScore)
			}
			if got.Label != tc.wantLabel {
				t.Errorf("label = %s, want %s", got.Label, tc.wantLabel)
			}
		})
	}
}

func TestIngestFirstSampleHasNoDeltas(t *testing.T) {
	e := NewEstimator()
	sample, reading := e.Ingest(core.TransportStats{
		CollectedAt: time.Now(),
		PacketsSent: u64(1000),
		PacketsLost: u64(10),
		BytesSent:   u64(100_000),
	})
	if sample.PacketLossPct != nil {
		t.Error("first sample produced a loss pct without a reference snapshot")
	}
	if sample.BitrateKbps != nil {
		t.Error("first sample produced a bitrate without a reference snapshot")
	}
	if reading.Label != domain.QualityUnknown {
		t.Errorf("label = %s, want unknown", reading.Label)
	}
}

func TestIngestIncrementalLoss(t *testing.T) {
	e := NewEstimator()
	base := time.Now()
	e.Ingest(core.TransportStats{
		CollectedAt: base,
		PacketsSent: u64(1000),
		PacketsLost: u64(100),
		BytesSent:   u64(0),
	})
	// 98 sent, 2 lost since last snapshot: 2% incremental loss even though
	// cumulative loss is near 10%.
	sample, _ := e.Ingest(core.TransportStats{
		CollectedAt: base.Add(2 * time.Second),
		PacketsSent: u64(1098),
		PacketsLost: u64(102),
		BytesSent:   u64(500_000),
	})
	if sample.PacketLossPct == nil {
		t.Fatal("no loss pct on second sample")
	}
	if *sample.PacketLossPct != 2 {
		t.Errorf("loss pct = %v, want 2", *sample.PacketLossPct)
	}
	if sample.BitrateKbps == nil {
		t.Fatal("no bitrate on second sample")
	}
	// 500000 bytes over 2s = 2000 kbps
	if *sample.BitrateKbps != 2000 {
		t.Errorf("bitrate = %v, want 2000", *sample.BitrateKbps)
	}
}

func TestIngestSurvivesCounterReset(t *testing.T) {
	e := NewEstimator()
	base := time.Now()
	e.Ingest(core.TransportStats{
		CollectedAt: base,
		PacketsSent: u64(5000),
		PacketsLost: u64(50),
	})
	// Counters restarted from zero; deltas must not underflow.
	sample, _ := e.Ingest(core.TransportStats{
		CollectedAt: base.Add(2 * time.Second),
		PacketsSent: u64(100),
		PacketsLost: u64(0),
	})
	if sample.PacketLossPct == nil {
		t.Fatal("no loss pct after counter reset")
	}
	if *sample.PacketLossPct != 0 {
		t.Errorf("loss pct = %v, want 0", *sample.PacketLossPct)
	}
}

func TestResetDropsReference(t *testing.T) {
	e := NewEstimator()
	base := time.Now()
	e.Ingest(core.TransportStats{CollectedAt: base, PacketsSent: u64(100), PacketsLost: u64(0)})
	e.Reset()
	sample, _ := e.Ingest(core.TransportStats{
		CollectedAt: base.Add(2 * time.Second),
		PacketsSent: u64(200),
		PacketsLost: u64(0),
	})
	if sample.PacketLossPct != nil {
		t.Error("loss pct computed against a reference that Reset should have dropped")
	}
}
