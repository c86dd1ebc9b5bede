// Package status provides a thread-safe status tracker for the irrigation daemon.
// It is the read side of the controller: the engine publishes whole Control
// values and HTTP handlers read Snapshots without touching engine state.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	TickMs       int64
	Broker       string
	HTTPPort     string
	SensorSource string
	ValveDriver  string
	Timezone     string
}

// Run describes the watering run in progress.
type Run struct {
	ID        string
	Origin    logic.Origin
	EntryID   int64
	StartedAt time.Time
	Deadline  time.Time // zero for an untimed manual open
}

// Control is the engine-owned part of the snapshot. The engine builds a new
// value after every tick and command and publishes it in one call, so readers
// never see a half-applied tick.
type Control struct {
	Air         *logic.AirReading
	Soil        *logic.SoilReading
	ValveOpen   bool
	Mode        logic.Mode
	State       logic.ControlState
	Run         *Run
	SoakUntil   time.Time
	BudgetUsed  int
	BudgetLimit int
	LastError   string
	LastTick    time.Time
}

// Snapshot is a point-in-time view of daemon state.
// Values are copies and stay valid after the lock is released.
type Snapshot struct {
	Control
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// BudgetRemaining returns the unused automatic budget, never negative.
func (s Snapshot) BudgetRemaining() int {
	if r := s.BudgetLimit - s.BudgetUsed; r > 0 {
		return r
	}
	return 0
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Control: Control{
				Mode:  logic.ModeAuto,
				State: logic.StateIdle,
			},
		},
		now: time.Now,
	}
}

// Update replaces the engine-owned state. The readings and run are copied so
// the caller may keep mutating its own values.
func (t *Tracker) Update(c Control) {
	c.Air = copyAir(c.Air)
	c.Soil = copySoil(c.Soil)
	if c.Run != nil {
		r := *c.Run
		c.Run = &r
	}
	t.mu.Lock()
	t.snap.Control = c
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Air = copyAir(s.Air)
	s.Soil = copySoil(s.Soil)
	if s.Run != nil {
		r := *s.Run
		s.Run = &r
	}
	s.Now = t.now()
	return s
}

func copyAir(a *logic.AirReading) *logic.AirReading {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func copySoil(s *logic.SoilReading) *logic.SoilReading {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
