// Package history records sensor readings over time.
package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/sensor"
	"github.com/sweeney/irrigation-controller/internal/store"
)

const cleanupInterval = 24 * time.Hour

// Sink receives one reading at a time.
type Sink interface {
	Name() string
	Write(ctx context.Context, r store.Reading) error
}

// Pruner deletes readings older than a cutoff.
type Pruner interface {
	DeleteOldReadings(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder periodically copies the latest sensor readings into its sinks.
// A reading whose timestamp was already recorded is not written again.
type Recorder struct {
	feed      sensor.Feed
	sinks     []Sink
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	lastAir  time.Time
	lastSoil time.Time
}

// NewRecorder creates a recorder. pruner may be nil; retention <= 0 keeps
// readings forever.
func NewRecorder(feed sensor.Feed, sinks []Sink, pruner Pruner, interval, retention time.Duration, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		feed:      feed,
		sinks:     sinks,
		pruner:    pruner,
		interval:  interval,
		retention: retention,
		now:       now,
	}
}

// Start records until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("retention", r.retention).
		Int("sinks", len(r.sinks)).
		Msg("starting history recorder")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	r.RecordOnce(ctx)
	r.Cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			r.RecordOnce(ctx)

		case <-cleanupTicker.C:
			r.Cleanup(ctx)

		case <-ctx.Done():
			log.Info().Msg("stopping history recorder")
			return
		}
	}
}

// RecordOnce writes the current air and soil readings, if any.
func (r *Recorder) RecordOnce(ctx context.Context) {
	now := r.now()

	if a := r.feed.Air(); a != nil {
		ts := a.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if !ts.Equal(r.lastAir) {
			r.lastAir = ts
			r.write(ctx, store.Reading{Kind: store.KindAir, TemperatureC: a.TemperatureC, Value: a.HumidityRel, Timestamp: ts})
		}
	}

	if s := r.feed.Soil(); s != nil {
		ts := s.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if !ts.Equal(r.lastSoil) {
			r.lastSoil = ts
			r.write(ctx, store.Reading{Kind: store.KindSoil, TemperatureC: s.TemperatureC, Value: s.MoistureRel, Timestamp: ts})
		}
	}
}

func (r *Recorder) write(ctx context.Context, rd store.Reading) {
	for _, s := range r.sinks {
		err := s.Write(ctx, rd)
		metrics.HistoryWritesTotal.WithLabelValues(s.Name(), metrics.Result(err)).Inc()
		if err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Str("kind", rd.Kind).Msg("failed to record reading")
			continue
		}
		log.Debug().Str("sink", s.Name()).Str("kind", rd.Kind).Float64("value", rd.Value).Msg("recorded reading")
	}
}

// Cleanup deletes readings older than the retention period.
func (r *Recorder) Cleanup(ctx context.Context) {
	if r.pruner == nil || r.retention <= 0 {
		return
	}
	n, err := r.pruner.DeleteOldReadings(ctx, r.now().Add(-r.retention))
	if err != nil {
		log.Error().Err(err).Msg("failed to delete old readings")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", r.retention).Msg("deleted old readings")
	}
}
