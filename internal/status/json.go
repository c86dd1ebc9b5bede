package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// MetricsJSON is the dashboard read-model served at /status/metrics.
// air and soil are explicit nulls when the sensor has no fresh reading.
type MetricsJSON struct {
	Air       *AirJSON   `json:"air"`
	Soil      *SoilJSON  `json:"soil"`
	ValveOpen bool       `json:"valve_open"`
	Mode      string     `json:"mode"`
	State     string     `json:"state"`
	Budget    BudgetJSON `json:"budget"`
	Run       *RunJSON   `json:"run,omitempty"`
	SoakUntil string     `json:"soak_until,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// AirJSON is the JSON representation of an air reading.
type AirJSON struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityRel  float64 `json:"humidity_rel"`
	Timestamp    string  `json:"timestamp"`
}

// SoilJSON is the JSON representation of a soil reading.
type SoilJSON struct {
	TemperatureC float64 `json:"temperature_c"`
	MoistureRel  float64 `json:"moisture_rel"`
	Timestamp    string  `json:"timestamp"`
}

// BudgetJSON reports the daily automatic watering budget in seconds.
type BudgetJSON struct {
	UsedSeconds      int `json:"used_seconds"`
	LimitSeconds     int `json:"limit_seconds"`
	RemainingSeconds int `json:"remaining_seconds"`
}

// RunJSON describes the watering run in progress.
type RunJSON struct {
	ID        string `json:"id"`
	Origin    string `json:"origin"`
	EntryID   int64  `json:"schedule_id,omitempty"`
	StartedAt string `json:"started_at"`
	Deadline  string `json:"deadline,omitempty"`
}

// StatusJSON is the top-level JSON envelope for MQTT status events.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	MQTT          MQTTStatus  `json:"mqtt"`
	Metrics       MetricsJSON `json:"metrics"`
	Config        ConfigJSON  `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs       int64  `json:"tick_ms"`
	Broker       string `json:"broker"`
	HTTPPort     string `json:"http_port"`
	SensorSource string `json:"sensor_source"`
	ValveDriver  string `json:"valve_driver"`
	Timezone     string `json:"timezone,omitempty"`
}

// Timestamp formats t as RFC 3339, keeping its zone offset.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}

// Metrics builds the dashboard read-model from a snapshot.
func Metrics(snap Snapshot) MetricsJSON {
	m := MetricsJSON{
		ValveOpen: snap.ValveOpen,
		Mode:      string(snap.Mode),
		State:     string(snap.State),
		Budget: BudgetJSON{
			UsedSeconds:      snap.BudgetUsed,
			LimitSeconds:     snap.BudgetLimit,
			RemainingSeconds: snap.BudgetRemaining(),
		},
		LastError: snap.LastError,
	}
	if snap.Air != nil {
		m.Air = AirFromReading(*snap.Air)
	}
	if snap.Soil != nil {
		m.Soil = SoilFromReading(*snap.Soil)
	}
	if snap.Run != nil {
		m.Run = &RunJSON{
			ID:        snap.Run.ID,
			Origin:    string(snap.Run.Origin),
			EntryID:   snap.Run.EntryID,
			StartedAt: Timestamp(snap.Run.StartedAt),
		}
		if !snap.Run.Deadline.IsZero() {
			m.Run.Deadline = Timestamp(snap.Run.Deadline)
		}
	}
	if snap.State == logic.StateSoaking && !snap.SoakUntil.IsZero() {
		m.SoakUntil = Timestamp(snap.SoakUntil)
	}
	return m
}

// AirFromReading converts an air reading to its JSON form.
func AirFromReading(a logic.AirReading) *AirJSON {
	return &AirJSON{TemperatureC: a.TemperatureC, HumidityRel: a.HumidityRel, Timestamp: Timestamp(a.Timestamp)}
}

// SoilFromReading converts a soil reading to its JSON form.
func SoilFromReading(s logic.SoilReading) *SoilJSON {
	return &SoilJSON{TemperatureC: s.TemperatureC, MoistureRel: s.MoistureRel, Timestamp: Timestamp(s.Timestamp)}
}

// FormatJSON returns the dashboard metrics JSON for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Metrics(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := StatusInner{
		Event:         event,
		Reason:        reason,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Metrics:       Metrics(snap),
		Config: ConfigJSON{
			TickMs:       snap.Config.TickMs,
			Broker:       snap.Config.Broker,
			HTTPPort:     snap.Config.HTTPPort,
			SensorSource: snap.Config.SensorSource,
			ValveDriver:  snap.Config.ValveDriver,
			Timezone:     snap.Config.Timezone,
		},
	}

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
