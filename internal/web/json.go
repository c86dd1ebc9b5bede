package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/store"
)

// thresholdsID is the fixed id of the singleton threshold config row.
const thresholdsID = 1

// ThresholdsJSON is the threshold config as the dashboard reads it.
// Unset air bounds are explicit nulls.
type ThresholdsJSON struct {
	ID                 int      `json:"id"`
	SoilMoistureLow    float64  `json:"soil_moisture_low"`
	SoilMoistureHigh   float64  `json:"soil_moisture_high"`
	AirTempMin         *float64 `json:"air_temp_min"`
	AirTempMax         *float64 `json:"air_temp_max"`
	AirHumidityMin     *float64 `json:"air_humidity_min"`
	AirHumidityMax     *float64 `json:"air_humidity_max"`
	WateringSeconds    int      `json:"watering_seconds"`
	SoakMinutes        int      `json:"soak_minutes"`
	DailyBudgetMinutes int      `json:"daily_budget_minutes"`
	WindowStartHour    int      `json:"window_start_hour"`
	WindowEndHour      int      `json:"window_end_hour"`
}

func thresholdsJSON(c logic.ThresholdConfig) ThresholdsJSON {
	return ThresholdsJSON{
		ID:                 thresholdsID,
		SoilMoistureLow:    c.SoilMoistureLow,
		SoilMoistureHigh:   c.SoilMoistureHigh,
		AirTempMin:         c.AirTempMin,
		AirTempMax:         c.AirTempMax,
		AirHumidityMin:     c.AirHumidityMin,
		AirHumidityMax:     c.AirHumidityMax,
		WateringSeconds:    c.WateringSeconds,
		SoakMinutes:        c.SoakMinutes,
		DailyBudgetMinutes: c.DailyBudgetMinutes,
		WindowStartHour:    c.WindowStartHour,
		WindowEndHour:      c.WindowEndHour,
	}
}

// decodeThresholdPatch reads a partial threshold document. Absent keys keep
// their value; null clears an air bound and is rejected elsewhere.
func decodeThresholdPatch(body []byte) (logic.ThresholdPatch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return logic.ThresholdPatch{}, fmt.Errorf("%w: %v", logic.ErrInvalidConfig, err)
	}

	var p logic.ThresholdPatch
	for key, val := range raw {
		var err error
		switch key {
		case "id":
		case "soil_moisture_low":
			p.SoilMoistureLow, err = requiredFloat(key, val)
		case "soil_moisture_high":
			p.SoilMoistureHigh, err = requiredFloat(key, val)
		case "air_temp_min":
			p.AirTempMin, err = optionalFloat(key, val)
		case "air_temp_max":
			p.AirTempMax, err = optionalFloat(key, val)
		case "air_humidity_min":
			p.AirHumidityMin, err = optionalFloat(key, val)
		case "air_humidity_max":
			p.AirHumidityMax, err = optionalFloat(key, val)
		case "watering_seconds":
			p.WateringSeconds, err = requiredInt(key, val)
		case "soak_minutes":
			p.SoakMinutes, err = requiredInt(key, val)
		case "daily_budget_minutes":
			p.DailyBudgetMinutes, err = requiredInt(key, val)
		case "window_start_hour":
			p.WindowStartHour, err = requiredInt(key, val)
		case "window_end_hour":
			p.WindowEndHour, err = requiredInt(key, val)
		default:
			err = fmt.Errorf("%w: unknown field %q", logic.ErrInvalidConfig, key)
		}
		if err != nil {
			return logic.ThresholdPatch{}, err
		}
	}
	return p, nil
}

func isNull(val json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(val), []byte("null"))
}

func requiredFloat(key string, val json.RawMessage) (*float64, error) {
	if isNull(val) {
		return nil, fmt.Errorf("%w: %s must not be null", logic.ErrInvalidConfig, key)
	}
	var f float64
	if err := json.Unmarshal(val, &f); err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", logic.ErrInvalidConfig, key)
	}
	return &f, nil
}

func requiredInt(key string, val json.RawMessage) (*int, error) {
	if isNull(val) {
		return nil, fmt.Errorf("%w: %s must not be null", logic.ErrInvalidConfig, key)
	}
	var n int
	if err := json.Unmarshal(val, &n); err != nil {
		return nil, fmt.Errorf("%w: %s must be an integer", logic.ErrInvalidConfig, key)
	}
	return &n, nil
}

func optionalFloat(key string, val json.RawMessage) (logic.OptionalFloat, error) {
	if isNull(val) {
		return logic.OptionalFloat{Set: true}, nil
	}
	f, err := requiredFloat(key, val)
	if err != nil {
		return logic.OptionalFloat{}, err
	}
	return logic.OptionalFloat{Set: true, Value: f}, nil
}

// ScheduleJSON is a schedule entry as the dashboard reads it.
type ScheduleJSON struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ScheduleDate    string     `json:"schedule_date"`
	ScheduleTime    string     `json:"schedule_time"`
	DurationSeconds int        `json:"duration_seconds"`
	Enabled         bool       `json:"enabled"`
	Fired           *FiredJSON `json:"fired,omitempty"`
}

// FiredJSON reports when an entry came due and what happened.
type FiredJSON struct {
	At      string `json:"at"`
	Outcome string `json:"outcome"`
}

func scheduleJSON(v controller.EntryView) ScheduleJSON {
	s := ScheduleJSON{
		ID:              v.ID,
		Name:            v.Name,
		ScheduleDate:    v.Date,
		ScheduleTime:    v.Time,
		DurationSeconds: v.DurationSeconds,
		Enabled:         v.Enabled,
	}
	if v.Fired != nil {
		s.Fired = &FiredJSON{At: status.Timestamp(v.Fired.At), Outcome: string(v.Fired.Outcome)}
	}
	return s
}

// scheduleRequest is the body of create and update. Absent fields are nil.
type scheduleRequest struct {
	Name            *string `json:"name"`
	ScheduleDate    *string `json:"schedule_date"`
	ScheduleTime    *string `json:"schedule_time"`
	DurationSeconds *int    `json:"duration_seconds"`
	Enabled         *bool   `json:"enabled"`
}

func (r scheduleRequest) patch() logic.EntryPatch {
	return logic.EntryPatch{
		Name:            r.Name,
		Date:            r.ScheduleDate,
		Time:            r.ScheduleTime,
		DurationSeconds: r.DurationSeconds,
		Enabled:         r.Enabled,
	}
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type valveRequest struct {
	Action  string `json:"action"`
	Seconds *int   `json:"seconds"`
}

type okResponse struct {
	OK   bool   `json:"ok"`
	Mode string `json:"mode,omitempty"`
	ID   int64  `json:"id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HistoryJSON is the reading history response. Readings are newest first
// and use the same shape as the metrics read-model.
type HistoryJSON struct {
	Type     string `json:"type"`
	Readings []any  `json:"readings"`
}

func historyJSON(kind string, rs []store.Reading, loc *time.Location) HistoryJSON {
	h := HistoryJSON{Type: kind, Readings: make([]any, 0, len(rs))}
	for _, r := range rs {
		ts := r.Timestamp.In(loc)
		if kind == store.KindAir {
			h.Readings = append(h.Readings, status.AirFromReading(logic.AirReading{TemperatureC: r.TemperatureC, HumidityRel: r.Value, Timestamp: ts}))
		} else {
			h.Readings = append(h.Readings, status.SoilFromReading(logic.SoilReading{TemperatureC: r.TemperatureC, MoistureRel: r.Value, Timestamp: ts}))
		}
	}
	return h
}
