// Package logic contains pure business logic for irrigation control.
// This package has NO external dependencies (no GPIO, MQTT, database or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Mode selects who decides valve position.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// ControlState is the state of the control state machine.
type ControlState string

const (
	StateIdle     ControlState = "idle"
	StateWatering ControlState = "watering"
	StateSoaking  ControlState = "soaking"
	StateError    ControlState = "error"
)

// Origin records what started a watering run.
type Origin string

const (
	OriginThreshold Origin = "threshold"
	OriginSchedule  Origin = "schedule"
	OriginManual    Origin = "manual"
)

// AirReading is a snapshot from the air sensor.
type AirReading struct {
	TemperatureC float64
	HumidityRel  float64
	Timestamp    time.Time
}

// SoilReading is a snapshot from the soil sensor.
// MoistureRel is a fraction in [0,1].
type SoilReading struct {
	TemperatureC float64
	MoistureRel  float64
	Timestamp    time.Time
}

// EventType identifies a control event published to observers.
type EventType string

const (
	EventRunStarted      EventType = "RUN_STARTED"
	EventRunEnded        EventType = "RUN_ENDED"
	EventValveOpened     EventType = "VALVE_OPENED"
	EventValveClosed     EventType = "VALVE_CLOSED"
	EventStateChanged    EventType = "STATE_CHANGED"
	EventModeChanged     EventType = "MODE_CHANGED"
	EventActuatorFailure EventType = "ACTUATOR_FAILURE"
	EventScheduleSkipped EventType = "SCHEDULE_SKIPPED"
)

// Event is a control event to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	State     ControlState
	Mode      Mode
	ValveOpen bool
	RunID     string
	Origin    Origin
	EntryID   int64
	Seconds   int
	Reason    string
}
