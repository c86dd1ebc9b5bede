package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sweeney/irrigation-controller/internal/store"
)

// ReadingSaver is the subset of store.Store used by StoreSink.
type ReadingSaver interface {
	SaveReading(ctx context.Context, r *store.Reading) error
}

// StoreSink writes readings to the local database.
type StoreSink struct {
	saver ReadingSaver
}

// NewStoreSink wraps saver.
func NewStoreSink(saver ReadingSaver) *StoreSink {
	return &StoreSink{saver: saver}
}

func (s *StoreSink) Name() string { return "sqlite" }

func (s *StoreSink) Write(ctx context.Context, r store.Reading) error {
	return s.saver.SaveReading(ctx, &r)
}

// PointWriter is satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Site is added as a tag to every point.
	Site string
}

// Breaker defaults.
const (
	breakerFailures = 3
	breakerOpen     = 60 * time.Second
	breakerInterval = 5 * time.Minute
	writeTimeout    = 5 * time.Second
)

// InfluxSink exports readings to InfluxDB. Writes go through a circuit
// breaker so an unreachable server costs one fast error per reading instead
// of a full timeout.
type InfluxSink struct {
	writer PointWriter
	cb     *gobreaker.CircuitBreaker
	site   string
	close  func()
}

// NewInfluxSink connects a blocking write API for cfg.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete: url, token, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewInfluxSinkWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Site)
	s.close = client.Close
	return s, nil
}

// NewInfluxSinkWithWriter creates a sink around an existing writer.
func NewInfluxSinkWithWriter(w PointWriter, site string) *InfluxSink {
	return &InfluxSink{
		writer: w,
		site:   site,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "influx",
			Interval: breakerInterval,
			Timeout:  breakerOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, r store.Reading) error {
	tags := map[string]string{"kind": r.Kind}
	if s.site != "" {
		tags["site"] = s.site
	}
	fields := map[string]interface{}{"temperature_c": r.TemperatureC}
	measurement := "air"
	if r.Kind == store.KindSoil {
		measurement = "soil"
		fields["moisture_rel"] = r.Value
	} else {
		fields["humidity_rel"] = r.Value
	}
	point := influxdb2.NewPoint(measurement, tags, fields, r.Timestamp)

	_, err := s.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return nil, s.writer.WritePoint(wctx, point)
	})
	if err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// State reports the breaker state.
func (s *InfluxSink) State() gobreaker.State {
	return s.cb.State()
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.close != nil {
		s.close()
	}
}
