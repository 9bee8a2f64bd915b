// Package quality turns raw transport counters into a 0-100 score and a
// coarse label used to drive adaptive behavior (warnings, reconnects).
package quality

import (
	"time"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// Estimator converts transport stat snapshots into quality readings.
// Scoring itself is pure; the only state is the previous snapshot, kept so
// packet loss and bitrate can be computed as deltas between consecutive
// samples. Cumulative loss since connection start understates recent
// degradation, which is exactly the signal we care about.
type Estimator struct {
	prev    *core.TransportStats
	hasPrev bool
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Ingest derives a sample from raw counters and scores it.
// Deltas use the actual elapsed time between snapshots, not an assumed
// cadence, so irregular sampling does not skew rates.
func (e *Estimator) Ingest(stats core.TransportStats) (domain.QualitySample, domain.QualityReading) {
	sample := domain.QualitySample{
		RoundTripTimeMs: stats.RoundTripTimeMs,
		JitterMs:        stats.JitterMs,
		FramesPerSecond: stats.FramesPerSecond,
	}

	if e.hasPrev {
		elapsed := stats.CollectedAt.Sub(e.prev.CollectedAt)
		if elapsed > 0 {
			sample.PacketLossPct = lossPct(e.prev, &stats)
			sample.BitrateKbps = bitrateKbps(e.prev, &stats, elapsed)
		}
	}

	prev := stats
	e.prev = &prev
	e.hasPrev = true

	return sample, Score(sample)
}

// Reset drops the rolling reference, e.g. after a reconnect where counters
// restart from zero.
func (e *Estimator) Reset() {
	e.prev = nil
	e.hasPrev = false
}

// Score applies independent deductions per available metric, starting from
// 100. A missing metric contributes no deduction; a sample with no metrics
// at all is labeled unknown with the undeducted score of 100.
func Score(s domain.QualitySample) domain.QualityReading {
	score := 100
	seen := false

	if s.RoundTripTimeMs != nil {
		seen = true
		score -= rttDeduction(*s.RoundTripTimeMs)
	}
	if s.PacketLossPct != nil {
		seen = true
		score -= lossDeduction(*s.PacketLossPct)
	}
	if s.JitterMs != nil {
		seen = true
		score -= jitterDeduction(*s.JitterMs)
	}
	if s.FramesPerSecond != nil {
		seen = true
		score -= fpsDeduction(*s.FramesPerSecond)
	}

	if score < 0 {
		score = 0
	}
	if !seen {
		return domain.QualityReading{Score: score, Label: domain.QualityUnknown}
	}
	return domain.QualityReading{Score: score, Label: label(score)}
}

func label(score int) domain.QualityLabel {
	switch {
	case score >= 85:
		return domain.QualityExcellent
	case score >= 70:
		return domain.QualityGood
	case score >= 50:
		return domain.QualityMedium
	default:
		return domain.QualityPoor
	}
}

func rttDeduction(ms float64) int {
	switch {
	case ms < 50:
		return 0
	case ms < 100:
		return 5
	case ms < 200:
		return 15
	case ms < 300:
		return 25
	default:
		return 40
	}
}

func lossDeduction(pct float64) int {
	switch {
	case pct < 0.5:
		return 0
	case pct < 1:
		return 5
	case pct < 2:
		return 15
	case pct < 5:
		return 25
	default:
		return 40
	}
}

func jitterDeduction(ms float64) int {
	switch {
	case ms < 20:
		return 0
	case ms < 50:
		return 5
	case ms < 100:
		return 10
	default:
		return 20
	}
}

func fpsDeduction(fps float64) int {
	switch {
	case fps >= 25:
		return 0
	case fps >= 20:
		return 5
	case fps >= 15:
		return 10
	default:
		return 15
	}
}

// lossPct is the incremental loss ratio between two snapshots.
func lossPct(prev, cur *core.TransportStats) *float64 {
	if prev.PacketsSent == nil || cur.PacketsSent == nil ||
		prev.PacketsLost == nil || cur.PacketsLost == nil {
		return nil
	}
	sent := delta(*prev.PacketsSent, *cur.PacketsSent)
	lost := delta(*prev.PacketsLost, *cur.PacketsLost)
	total := sent + lost
	if total == 0 {
		return nil
	}
	pct := float64(lost) / float64(total) * 100
	return &pct
}

func bitrateKbps(prev, cur *core.TransportStats, elapsed time.Duration) *float64 {
	if prev.BytesSent == nil || cur.BytesSent == nil {
		return nil
	}
	bytes := delta(*prev.BytesSent, *cur.BytesSent)
	kbps := float64(bytes) * 8 / elapsed.Seconds() / 1000
	return &kbps
}

// delta guards against counter resets after a transport restart.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
