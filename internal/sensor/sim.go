package sensor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// SimFeed generates plausible readings for running without sensor nodes.
// Soil dries slowly and wets while valveOpen reports true.
type SimFeed struct {
	mu        sync.Mutex
	moisture  float64
	last      time.Time
	now       func() time.Time
	valveOpen func() bool
	rnd       *rand.Rand
}

// NewSimFeed creates a simulated feed starting at the given moisture.
func NewSimFeed(moisture float64, now func() time.Time, valveOpen func() bool) *SimFeed {
	if now == nil {
		now = time.Now
	}
	if valveOpen == nil {
		valveOpen = func() bool { return false }
	}
	return &SimFeed{
		moisture:  moisture,
		last:      now(),
		now:       now,
		valveOpen: valveOpen,
		rnd:       rand.New(rand.NewSource(now().UnixNano())),
	}
}

// Air returns a reading around 22°C / 50%.
func (s *SimFeed) Air() *logic.AirReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &logic.AirReading{
		TemperatureC: 22 + (s.rnd.Float64()-0.5)*2,
		HumidityRel:  50 + (s.rnd.Float64()-0.5)*10,
		Timestamp:    s.now(),
	}
}

// Soil advances the simulated moisture and returns a reading.
func (s *SimFeed) Soil() *logic.SoilReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	elapsed := now.Sub(s.last).Minutes()
	s.last = now
	if s.valveOpen() {
		s.moisture += 0.02 * elapsed
	} else {
		s.moisture -= 0.001 * elapsed
	}
	if s.moisture < 0 {
		s.moisture = 0
	}
	if s.moisture > 1 {
		s.moisture = 1
	}
	return &logic.SoilReading{
		TemperatureC: 18 + (s.rnd.Float64()-0.5)*2,
		MoistureRel:  s.moisture,
		Timestamp:    now,
	}
}
