package logic

import "time"

// Verdict is the detailed outcome of a threshold evaluation.
// The state machine latches Dry and releases on Wet; ShouldAutoWater
// collapses it for single-reading callers.
type Verdict struct {
	// Permitted is false when a guard blocks watering: no soil signal,
	// outside the window, or a present air reading violating a bound.
	Permitted bool
	// Dry reports soil moisture below the low threshold.
	Dry bool
	// Wet reports soil moisture at or above the high threshold.
	Wet bool
	// Reason names the blocking guard when Permitted is false.
	Reason string
}

// Guard reasons.
const (
	ReasonNoSoil        = "no_soil_data"
	ReasonOutsideWindow = "outside_window"
	ReasonAirTemp       = "air_temperature_out_of_bounds"
	ReasonAirHumidity   = "air_humidity_out_of_bounds"
)

// Evaluate applies the guards and moisture thresholds to one set of readings.
func Evaluate(air *AirReading, soil *SoilReading, cfg ThresholdConfig, now time.Time) Verdict {
	if soil == nil {
		return Verdict{Reason: ReasonNoSoil}
	}

	v := Verdict{
		Dry: soil.MoistureRel < cfg.SoilMoistureLow,
		Wet: soil.MoistureRel >= cfg.SoilMoistureHigh,
	}
	if v.Wet {
		v.Dry = false
	}

	if !WithinWindow(now, cfg.WindowStartHour, cfg.WindowEndHour) {
		v.Reason = ReasonOutsideWindow
		return v
	}

	if air != nil {
		if outside(air.TemperatureC, cfg.AirTempMin, cfg.AirTempMax) {
			v.Reason = ReasonAirTemp
			return v
		}
		if outside(air.HumidityRel, cfg.AirHumidityMin, cfg.AirHumidityMax) {
			v.Reason = ReasonAirHumidity
			return v
		}
	}

	v.Permitted = true
	return v
}

// ShouldAutoWater reports whether a single set of readings warrants automatic watering.
func ShouldAutoWater(air *AirReading, soil *SoilReading, cfg ThresholdConfig, now time.Time) bool {
	v := Evaluate(air, soil, cfg, now)
	return v.Permitted && v.Dry
}

// WithinWindow reports whether the local hour of now falls in [start, end).
// A start after end wraps past midnight; start == end is an empty window.
func WithinWindow(now time.Time, start, end int) bool {
	h := now.Hour()
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func outside(v float64, min, max *float64) bool {
	if min != nil && v < *min {
		return true
	}
	if max != nil && v > *max {
		return true
	}
	return false
}
