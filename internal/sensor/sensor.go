// Package sensor supplies the latest air and soil readings.
// Absence of a reading (sensor offline or stale) is reported as nil, not as an error.
package sensor

import (
	"sync"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Feed yields the latest readings. Either may be nil.
type Feed interface {
	Air() *logic.AirReading
	Soil() *logic.SoilReading
}

// Calibration maps raw soil ADC values to a moisture fraction.
// Capacitive probes read higher when dry.
type Calibration struct {
	DryRaw int
	WetRaw int
}

// Valid reports whether the calibration spans a usable range.
func (c Calibration) Valid() bool {
	return c.DryRaw > c.WetRaw
}

// Moisture converts raw to [0,1]: DryRaw maps to 0, WetRaw to 1.
func (c Calibration) Moisture(raw int) float64 {
	if raw > c.DryRaw {
		raw = c.DryRaw
	}
	if raw < c.WetRaw {
		raw = c.WetRaw
	}
	return float64(c.DryRaw-raw) / float64(c.DryRaw-c.WetRaw)
}

// FakeFeed is a test double holding settable readings.
type FakeFeed struct {
	mu   sync.Mutex
	air  *logic.AirReading
	soil *logic.SoilReading
}

// NewFakeFeed creates an empty FakeFeed.
func NewFakeFeed() *FakeFeed {
	return &FakeFeed{}
}

// SetAir replaces the air reading; nil marks the sensor absent.
func (f *FakeFeed) SetAir(r *logic.AirReading) {
	f.mu.Lock()
	f.air = r
	f.mu.Unlock()
}

// SetSoil replaces the soil reading; nil marks the sensor absent.
func (f *FakeFeed) SetSoil(r *logic.SoilReading) {
	f.mu.Lock()
	f.soil = r
	f.mu.Unlock()
}

// SetMoisture sets a soil reading with the given moisture.
func (f *FakeFeed) SetMoisture(m float64) {
	f.SetSoil(&logic.SoilReading{TemperatureC: 18, MoistureRel: m})
}

// Air returns a copy of the current air reading.
func (f *FakeFeed) Air() *logic.AirReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.air == nil {
		return nil
	}
	r := *f.air
	return &r
}

// Soil returns a copy of the current soil reading.
func (f *FakeFeed) Soil() *logic.SoilReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.soil == nil {
		return nil
	}
	r := *f.soil
	return &r
}
