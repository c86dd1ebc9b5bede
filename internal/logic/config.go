package logic

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every ThresholdConfig validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ThresholdConfig drives automatic watering. It is replaced wholesale on update.
// Nil air bounds mean unconstrained.
type ThresholdConfig struct {
	SoilMoistureLow    float64
	SoilMoistureHigh   float64
	AirTempMin         *float64
	AirTempMax         *float64
	AirHumidityMin     *float64
	AirHumidityMax     *float64
	WateringSeconds    int
	SoakMinutes        int
	DailyBudgetMinutes int
	WindowStartHour    int
	WindowEndHour      int
}

// DefaultThresholdConfig returns the configuration used when nothing is stored.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		SoilMoistureLow:    0.38,
		SoilMoistureHigh:   0.45,
		WateringSeconds:    90,
		SoakMinutes:        8,
		DailyBudgetMinutes: 20,
		WindowStartHour:    3,
		WindowEndHour:      6,
	}
}

// Validate checks all invariants and returns an error wrapping ErrInvalidConfig.
func (c ThresholdConfig) Validate() error {
	if c.SoilMoistureLow < 0 || c.SoilMoistureLow > 1 {
		return invalidConfig("soil_moisture_low", "must be within [0,1]")
	}
	if c.SoilMoistureHigh < 0 || c.SoilMoistureHigh > 1 {
		return invalidConfig("soil_moisture_high", "must be within [0,1]")
	}
	if c.SoilMoistureLow > c.SoilMoistureHigh {
		return invalidConfig("soil_moisture_low", "must not exceed soil_moisture_high")
	}
	if c.AirTempMin != nil && c.AirTempMax != nil && *c.AirTempMin > *c.AirTempMax {
		return invalidConfig("air_temp_min", "must not exceed air_temp_max")
	}
	if c.AirHumidityMin != nil && (*c.AirHumidityMin < 0 || *c.AirHumidityMin > 100) {
		return invalidConfig("air_humidity_min", "must be within [0,100]")
	}
	if c.AirHumidityMax != nil && (*c.AirHumidityMax < 0 || *c.AirHumidityMax > 100) {
		return invalidConfig("air_humidity_max", "must be within [0,100]")
	}
	if c.AirHumidityMin != nil && c.AirHumidityMax != nil && *c.AirHumidityMin > *c.AirHumidityMax {
		return invalidConfig("air_humidity_min", "must not exceed air_humidity_max")
	}
	if c.WateringSeconds <= 0 {
		return invalidConfig("watering_seconds", "must be positive")
	}
	if c.SoakMinutes < 0 {
		return invalidConfig("soak_minutes", "must not be negative")
	}
	if c.DailyBudgetMinutes < 0 {
		return invalidConfig("daily_budget_minutes", "must not be negative")
	}
	if c.WindowStartHour < 0 || c.WindowStartHour > 23 {
		return invalidConfig("window_start_hour", "must be within [0,23]")
	}
	if c.WindowEndHour < 0 || c.WindowEndHour > 24 {
		return invalidConfig("window_end_hour", "must be within [0,24]")
	}
	return nil
}

// Clone returns a deep copy so callers never share bound pointers.
func (c ThresholdConfig) Clone() ThresholdConfig {
	c.AirTempMin = cloneFloat(c.AirTempMin)
	c.AirTempMax = cloneFloat(c.AirTempMax)
	c.AirHumidityMin = cloneFloat(c.AirHumidityMin)
	c.AirHumidityMax = cloneFloat(c.AirHumidityMax)
	return c
}

// DailyBudgetSeconds is the automatic watering cap for one calendar day.
func (c ThresholdConfig) DailyBudgetSeconds() int {
	return c.DailyBudgetMinutes * 60
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func invalidConfig(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, field, reason)
}

// OptionalFloat is a patch field that distinguishes "absent" (Set false) from
// an explicit null (Set true, Value nil).
type OptionalFloat struct {
	Set   bool
	Value *float64
}

// ThresholdPatch is a partial update. Nil fields keep the current value.
type ThresholdPatch struct {
	SoilMoistureLow    *float64
	SoilMoistureHigh   *float64
	AirTempMin         OptionalFloat
	AirTempMax         OptionalFloat
	AirHumidityMin     OptionalFloat
	AirHumidityMax     OptionalFloat
	WateringSeconds    *int
	SoakMinutes        *int
	DailyBudgetMinutes *int
	WindowStartHour    *int
	WindowEndHour      *int
}

// Merge applies p to a copy of c and validates the result as a whole.
// c is never modified.
func (c ThresholdConfig) Merge(p ThresholdPatch) (ThresholdConfig, error) {
	n := c.Clone()
	if p.SoilMoistureLow != nil {
		n.SoilMoistureLow = *p.SoilMoistureLow
	}
	if p.SoilMoistureHigh != nil {
		n.SoilMoistureHigh = *p.SoilMoistureHigh
	}
	mergeOptional(&n.AirTempMin, p.AirTempMin)
	mergeOptional(&n.AirTempMax, p.AirTempMax)
	mergeOptional(&n.AirHumidityMin, p.AirHumidityMin)
	mergeOptional(&n.AirHumidityMax, p.AirHumidityMax)
	mergeInt(&n.WateringSeconds, p.WateringSeconds)
	mergeInt(&n.SoakMinutes, p.SoakMinutes)
	mergeInt(&n.DailyBudgetMinutes, p.DailyBudgetMinutes)
	mergeInt(&n.WindowStartHour, p.WindowStartHour)
	mergeInt(&n.WindowEndHour, p.WindowEndHour)

	if err := n.Validate(); err != nil {
		return c, err
	}
	return n, nil
}

func mergeOptional(dst **float64, o OptionalFloat) {
	if o.Set {
		*dst = cloneFloat(o.Value)
	}
}

func mergeInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
