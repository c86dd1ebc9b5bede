package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// SetMode switches between auto and manual. The new mode is persisted before
// it takes effect. Switching to manual halts an automatic run immediately
// (partial seconds are charged, soak is skipped); switching to auto leaves a
// manually opened valve for the next tick to close.
func (m *Machine) SetMode(ctx context.Context, now time.Time, mode logic.Mode) error {
	now = now.In(m.loc)
	if !mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidCommand, mode)
	}
	if mode == m.mode {
		return nil
	}
	if m.store != nil {
		rt := m.runtime()
		rt.Mode = mode
		if err := m.store.SaveRuntime(ctx, rt); err != nil {
			return fmt.Errorf("persist mode: %w", err)
		}
	}

	log.Info().Str("from", string(m.mode)).Str("to", string(mode)).Msg("mode changed")
	m.mode = mode
	m.emit(now, logic.EventModeChanged, "")

	if mode == logic.ModeManual {
		if m.run != nil && m.run.origin != logic.OriginManual {
			// The close result is surfaced through the state; the mode change itself stands.
			_ = m.endRun(ctx, now, EndModeChange, logic.StateIdle)
		} else if m.state == logic.StateSoaking {
			m.setState(now, logic.StateIdle)
		}
	}
	m.persistRuntime(ctx)
	return nil
}

// ControlValve executes an operator valve command. Close is accepted in any
// mode as a safety stop; open requires manual mode. seconds > 0 on open closes
// the valve automatically after that long. A successful command clears the
// error state; a failed one enters it and is returned.
func (m *Machine) ControlValve(ctx context.Context, now time.Time, action string, seconds int) error {
	now = now.In(m.loc)
	switch action {
	case ActionClose:
		return m.manualClose(ctx, now)
	case ActionOpen:
		if m.mode != logic.ModeManual {
			return fmt.Errorf("%w: valve open requires manual mode", ErrModeConflict)
		}
		if seconds < 0 || seconds > logic.MaxDurationSeconds {
			return fmt.Errorf("%w: seconds must be between 0 and %d", ErrInvalidCommand, logic.MaxDurationSeconds)
		}
		return m.manualOpen(ctx, now, seconds)
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidCommand, action)
	}
}

func (m *Machine) manualOpen(ctx context.Context, now time.Time, seconds int) error {
	var deadline time.Time
	if seconds > 0 {
		deadline = now.Add(time.Duration(seconds) * time.Second)
	}

	if m.run != nil && m.valveOpen && m.state == logic.StateWatering {
		// Already watering: confirm the position and retime the run.
		if err := m.command(ctx, ActionOpen); err != nil {
			m.fail(ctx, now, err)
			return err
		}
		m.run.deadline = deadline
		m.clearError(now)
		m.persistRuntime(ctx)
		return nil
	}

	if m.run != nil {
		if err := m.endRun(ctx, now, EndFailure, m.state); err != nil {
			return err
		}
	}
	m.clearError(now)
	if err := m.openRun(ctx, now, logic.OriginManual, 0, deadline); err != nil {
		return err
	}
	m.needsClose = false
	return nil
}

func (m *Machine) manualClose(ctx context.Context, now time.Time) error {
	if m.run != nil {
		if err := m.endRun(ctx, now, EndManualClose, logic.StateIdle); err != nil {
			return err
		}
		m.clearError(now)
		return nil
	}

	wasOpen := m.valveOpen
	if err := m.command(ctx, ActionClose); err != nil {
		m.needsClose = true
		m.fail(ctx, now, err)
		return err
	}
	m.valveOpen = false
	m.needsClose = false
	if wasOpen {
		m.emit(now, logic.EventValveClosed, EndManualClose)
	}
	m.clearError(now)
	m.persistRuntime(ctx)
	return nil
}

// ResetError clears the error state after a successful close. It is a no-op
// outside the error state.
func (m *Machine) ResetError(ctx context.Context, now time.Time) error {
	now = now.In(m.loc)
	if m.state != logic.StateError {
		return nil
	}
	if m.run != nil {
		// A run left behind by a failed command is closed and charged here.
		if err := m.endRun(ctx, now, EndReset, logic.StateError); err != nil {
			log.Error().Err(err).Msg("reset failed: valve still not responding")
			return err
		}
		log.Info().Msg("error state cleared by operator")
		m.clearError(now)
		m.persistRuntime(ctx)
		return nil
	}
	if err := m.command(ctx, ActionClose); err != nil {
		m.lastErr = err.Error()
		m.emit(now, logic.EventActuatorFailure, err.Error())
		log.Error().Err(err).Msg("reset failed: valve still not responding")
		return err
	}
	wasOpen := m.valveOpen
	m.valveOpen = false
	m.needsClose = false
	if wasOpen {
		m.emit(now, logic.EventValveClosed, "reset")
	}
	log.Info().Msg("error state cleared by operator")
	m.clearError(now)
	m.persistRuntime(ctx)
	return nil
}

// Shutdown ends any run (charging partial seconds) and closes the valve.
func (m *Machine) Shutdown(ctx context.Context, now time.Time) error {
	now = now.In(m.loc)
	var err error
	if m.run != nil {
		err = m.endRun(ctx, now, EndShutdown, logic.StateIdle)
	} else if m.valveOpen || m.needsClose {
		if err = m.command(ctx, ActionClose); err == nil {
			m.valveOpen = false
			m.needsClose = false
			m.emit(now, logic.EventValveClosed, EndShutdown)
		}
	}
	m.persistRuntime(ctx)
	return err
}

// Thresholds returns a copy of the current threshold config.
func (m *Machine) Thresholds() logic.ThresholdConfig {
	return m.cfg.Clone()
}

// UpdateThresholds merges p into the current config, validates the result and
// replaces the config only once it has been persisted. A run in progress keeps
// its original deadline.
func (m *Machine) UpdateThresholds(ctx context.Context, p logic.ThresholdPatch) (logic.ThresholdConfig, error) {
	next, err := m.cfg.Merge(p)
	if err != nil {
		return logic.ThresholdConfig{}, err
	}
	if m.store != nil {
		if err := m.store.SaveThresholds(ctx, next); err != nil {
			return logic.ThresholdConfig{}, fmt.Errorf("persist thresholds: %w", err)
		}
	}
	m.cfg = next
	m.budget.SetLimit(next.DailyBudgetSeconds())
	log.Info().Float64("low", next.SoilMoistureLow).Float64("high", next.SoilMoistureHigh).
		Int("watering_seconds", next.WateringSeconds).Int("budget_minutes", next.DailyBudgetMinutes).
		Msg("thresholds updated")
	return next.Clone(), nil
}

// Entries returns all schedule entries with their fired markers.
func (m *Machine) Entries() []EntryView {
	entries := m.schedule.Entries()
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		out[i] = EntryView{Entry: e}
		if f, ok := m.schedule.Fired(e.ID); ok {
			out[i].Fired = &f
		}
	}
	return out
}

// CreateEntry validates and stores a new schedule entry.
func (m *Machine) CreateEntry(ctx context.Context, p logic.EntryPatch) (EntryView, error) {
	e, err := m.schedule.Create(p)
	if err != nil {
		return EntryView{}, err
	}
	if m.store != nil {
		if err := m.store.SaveEntry(ctx, e); err != nil {
			_ = m.schedule.Delete(e.ID)
			return EntryView{}, fmt.Errorf("persist schedule: %w", err)
		}
	}
	log.Info().Int64("schedule_id", e.ID).Str("date", e.Date).Str("time", e.Time).Msg("schedule entry created")
	return m.view(e), nil
}

// UpdateEntry applies a partial change to an entry. The fired marker is kept.
func (m *Machine) UpdateEntry(ctx context.Context, id int64, p logic.EntryPatch) (EntryView, error) {
	old, ok := m.schedule.Get(id)
	if !ok {
		return EntryView{}, fmt.Errorf("%w: %d", logic.ErrEntryNotFound, id)
	}
	e, err := m.schedule.Update(id, p)
	if err != nil {
		return EntryView{}, err
	}
	if err := m.saveEntry(ctx, e, old); err != nil {
		return EntryView{}, err
	}
	return m.view(e), nil
}

// ToggleEntry flips Enabled. The fired marker is kept, so re-enabling a past
// entry never re-fires it.
func (m *Machine) ToggleEntry(ctx context.Context, id int64) (EntryView, error) {
	old, ok := m.schedule.Get(id)
	if !ok {
		return EntryView{}, fmt.Errorf("%w: %d", logic.ErrEntryNotFound, id)
	}
	e, err := m.schedule.Toggle(id)
	if err != nil {
		return EntryView{}, err
	}
	if err := m.saveEntry(ctx, e, old); err != nil {
		return EntryView{}, err
	}
	return m.view(e), nil
}

// DeleteEntry removes an entry and its fired marker. A pending due entry is
// dropped when it reaches the head of the queue.
func (m *Machine) DeleteEntry(ctx context.Context, id int64) error {
	if _, ok := m.schedule.Get(id); !ok {
		return fmt.Errorf("%w: %d", logic.ErrEntryNotFound, id)
	}
	if m.store != nil {
		if err := m.store.DeleteEntry(ctx, id); err != nil && !errors.Is(err, logic.ErrEntryNotFound) {
			return fmt.Errorf("persist schedule delete: %w", err)
		}
	}
	log.Info().Int64("schedule_id", id).Msg("schedule entry deleted")
	return m.schedule.Delete(id)
}

func (m *Machine) saveEntry(ctx context.Context, e, old logic.Entry) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveEntry(ctx, e); err != nil {
		m.schedule.Put(old)
		return fmt.Errorf("persist schedule: %w", err)
	}
	return nil
}

func (m *Machine) view(e logic.Entry) EntryView {
	v := EntryView{Entry: e}
	if f, ok := m.schedule.Fired(e.ID); ok {
		v.Fired = &f
	}
	return v
}
