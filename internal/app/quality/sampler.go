package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avirel/stagecast/internal/core"
	"github.com/avirel/stagecast/internal/domain"
)

// DefaultInterval is the fixed sampling cadence.
const DefaultInterval = 2 * time.Second

// StatsSource is the slice of a room handle the sampler needs.
type StatsSource interface {
	Stats(ctx context.Context) (core.TransportStats, error)
}

// Sampler polls transport stats on a fixed cadence and publishes readings.
// One sampler per media session; Stop tears down its single goroutine.
type Sampler struct {
	source   StatsSource
	interval time.Duration
	est      *Estimator
	onRead   func(domain.QualitySample, domain.QualityReading)

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSampler uses DefaultInterval when interval is zero. onReading is
// invoked from the sampler goroutine; it must not block.
func NewSampler(source StatsSource, interval time.Duration, onReading func(domain.QualitySample, domain.QualityReading)) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		source:   source,
		interval: interval,
		est:      NewEstimator(),
		onRead:   onReading,
		stop:     make(chan struct{}),
	}
}

func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.poll(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sampler) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	stats, err := s.source.Stats(pollCtx)
	if err != nil {
		log.Debug().Str("module", "quality").Err(err).Msg("stats poll failed")
		return
	}
	if stats.CollectedAt.IsZero() {
		stats.CollectedAt = time.Now()
	}
	sample, reading := s.est.Ingest(stats)
	if s.onRead != nil {
		s.onRead(sample, reading)
	}
}

// Stop is idempotent and safe after the context already ended.
func (s *Sampler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
