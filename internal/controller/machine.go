// Package controller runs the irrigation control state machine.
//
// Machine holds all control state and is not safe for concurrent use.
// Engine owns a Machine and serializes ticks, operator commands and
// configuration changes through one goroutine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/sensor"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/store"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

var (
	// ErrModeConflict is returned for a valve open while mode is auto.
	ErrModeConflict = errors.New("command not allowed in current mode")
	// ErrInvalidCommand is returned for an unknown mode or valve action.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrActuatorFailure wraps every failed valve command.
	ErrActuatorFailure = errors.New("actuator failure")
	// ErrActuatorTimeout is wrapped alongside ErrActuatorFailure when a valve command times out.
	ErrActuatorTimeout = errors.New("actuator timeout")
)

// Valve actions accepted by ControlValve.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Run end reasons written to the run log.
const (
	EndCompleted   = "completed"
	EndWet         = "soil_wet"
	EndManualClose = "manual_close"
	EndModeChange  = "mode_change"
	EndShutdown    = "shutdown"
	EndFailure     = "actuator_failure"
	EndInterrupted = "interrupted"
	EndReset       = "reset"
)

const defaultActuatorTimeout = 10 * time.Second

// Store persists control state. Implemented by *store.Store.
type Store interface {
	SaveThresholds(ctx context.Context, c logic.ThresholdConfig) error
	SaveEntry(ctx context.Context, e logic.Entry) error
	DeleteEntry(ctx context.Context, id int64) error
	SaveFiring(ctx context.Context, id int64, f logic.Firing) error
	SaveRuntime(ctx context.Context, rt store.Runtime) error
	AppendRun(ctx context.Context, r store.RunRecord) error
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Valve           valve.Actuator
	Feed            sensor.Feed
	Store           Store
	Location        *time.Location
	ActuatorTimeout time.Duration
	NewRunID        func() string
}

// EntryView is a schedule entry plus its fired marker.
type EntryView struct {
	logic.Entry
	Fired *logic.Firing
}

type run struct {
	id       string
	origin   logic.Origin
	entryID  int64
	started  time.Time
	deadline time.Time // zero: manual open without a timer
}

// Machine is the control state machine. Every method takes the current time
// so behaviour is deterministic under test.
type Machine struct {
	valve   valve.Actuator
	feed    sensor.Feed
	store   Store
	loc     *time.Location
	timeout time.Duration
	newID   func() string

	cfg      logic.ThresholdConfig
	schedule *logic.Schedule
	budget   *logic.Budget

	mode      logic.Mode
	state     logic.ControlState
	valveOpen bool
	// needsClose is set when the valve position is not trusted: at startup
	// and after a failed close. The next tick closes before doing anything else.
	needsClose bool
	// dry latches when moisture drops below low and releases at high.
	dry            bool
	run            *run
	soakUntil      time.Time
	lastAutoRunEnd time.Time
	lastTick       time.Time
	pending        []int64
	lastErr        string

	air  *logic.AirReading
	soil *logic.SoilReading

	events []logic.Event
}

// NewMachine restores a Machine from persisted state. now becomes the first
// lastTick, so entries that came due while the process was down are not run.
func NewMachine(d Deps, st store.State, now time.Time) *Machine {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := d.ActuatorTimeout
	if timeout <= 0 {
		timeout = defaultActuatorTimeout
	}
	now = now.In(loc)

	cfg := logic.DefaultThresholdConfig()
	if st.Thresholds != nil {
		cfg = st.Thresholds.Clone()
	}

	m := &Machine{
		valve:      d.Valve,
		feed:       d.Feed,
		store:      d.Store,
		loc:        loc,
		timeout:    timeout,
		newID:      d.NewRunID,
		cfg:        cfg,
		schedule:   logic.RestoreSchedule(st.Entries, st.Fired),
		budget:     logic.NewBudget(cfg.DailyBudgetSeconds()),
		mode:       logic.ModeAuto,
		state:      logic.StateIdle,
		needsClose: true,
		lastTick:   now,
	}
	if m.newID == nil {
		m.newID = func() string { return fmt.Sprintf("run-%d", time.Now().UnixNano()) }
	}

	if rt := st.Runtime; rt != nil {
		if rt.Mode.Valid() {
			m.mode = rt.Mode
		}
		if !rt.BudgetDay.IsZero() {
			m.budget = logic.RestoreBudget(cfg.DailyBudgetSeconds(), rt.BudgetUsed, rt.BudgetDay)
		}
		m.lastAutoRunEnd = rt.LastAutoRunEnd
		if r := rt.ActiveRun; r != nil {
			// The process died mid-run. The real end time is unknown, so nothing is
			// charged to the budget; the run is logged and the valve closed on Start.
			log.Warn().Str("run_id", r.ID).Str("origin", string(r.Origin)).
				Time("started_at", r.StartedAt).Msg("found interrupted watering run")
			m.appendRun(context.Background(), store.RunRecord{
				ID: r.ID, Origin: r.Origin, EntryID: r.EntryID,
				StartedAt: r.StartedAt, EndedAt: now, EndReason: EndInterrupted,
			})
		}
	}
	m.budget.RollIfNewDay(now)
	return m
}

// Start forces the valve closed so the process never inherits an unknown position.
func (m *Machine) Start(ctx context.Context, now time.Time) {
	now = now.In(m.loc)
	m.closeUntrusted(ctx, now)
	m.persistRuntime(ctx)
}

// Tick runs one control cycle. At most one run is started per tick.
func (m *Machine) Tick(ctx context.Context, now time.Time) {
	now = now.In(m.loc)
	metrics.TicksTotal.Inc()

	m.air = m.feed.Air()
	m.soil = m.feed.Soil()
	if m.soil != nil {
		metrics.SoilMoistureRatio.Set(m.soil.MoistureRel)
	}

	if m.budget.RollIfNewDay(now) {
		log.Info().Time("day", m.budget.Day()).Msg("daily budget reset")
		m.persistRuntime(ctx)
	}

	for _, e := range m.schedule.DueEntries(now, m.lastTick) {
		m.enqueue(e.ID)
	}
	m.lastTick = now

	verdict := logic.Evaluate(m.air, m.soil, m.cfg, now)
	if verdict.Dry {
		m.dry = true
	} else if verdict.Wet {
		m.dry = false
	}

	switch {
	case m.mode == logic.ModeManual:
		m.skipPending(ctx, now, logic.FireSkippedMode)
	case m.state == logic.StateError:
		m.skipPending(ctx, now, logic.FireSkippedError)
	}

	switch m.state {
	case logic.StateError:
		return
	case logic.StateWatering:
		m.tickWatering(ctx, now)
		return
	case logic.StateSoaking:
		if now.Before(m.soakUntil) {
			return
		}
		m.setState(now, logic.StateIdle)
	}

	if m.mode == logic.ModeManual {
		return
	}
	if m.needsClose || m.valveOpen {
		m.closeUntrusted(ctx, now)
		return
	}

	if m.startScheduled(ctx, now) {
		return
	}
	m.startThreshold(ctx, now, verdict)
}

func (m *Machine) tickWatering(ctx context.Context, now time.Time) {
	r := m.run
	if r == nil {
		// Valve open without a run: treat it like an untrusted position.
		m.closeUntrusted(ctx, now)
		return
	}

	switch r.origin {
	case logic.OriginManual:
		if m.mode == logic.ModeAuto {
			m.endRun(ctx, now, EndModeChange, logic.StateIdle)
			return
		}
		if !r.deadline.IsZero() && !now.Before(r.deadline) {
			m.endRun(ctx, now, EndCompleted, logic.StateIdle)
		}
	case logic.OriginThreshold:
		if m.soil != nil && m.soil.MoistureRel >= m.cfg.SoilMoistureHigh {
			m.endRun(ctx, now, EndWet, logic.StateSoaking)
			return
		}
		fallthrough
	default:
		if !now.Before(r.deadline) {
			m.endRun(ctx, now, EndCompleted, logic.StateSoaking)
		}
	}
}

func (m *Machine) startScheduled(ctx context.Context, now time.Time) bool {
	for len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]

		e, ok := m.schedule.Get(id)
		if !ok || !e.Enabled {
			continue
		}
		if _, done := m.schedule.Fired(id); done {
			continue
		}
		if !m.budget.Reserve(e.DurationSeconds) {
			log.Info().Int64("schedule_id", id).Int("seconds", e.DurationSeconds).
				Int("remaining", m.budget.Remaining()).Msg("scheduled run skipped: budget exhausted")
			m.markFired(ctx, id, now, logic.FireSkippedBudget)
			continue
		}

		if err := m.openRun(ctx, now, logic.OriginSchedule, id, now.Add(time.Duration(e.DurationSeconds)*time.Second)); err != nil {
			m.markFired(ctx, id, now, logic.FireSkippedError)
			return true
		}
		m.markFired(ctx, id, now, logic.FireRan)
		return true
	}
	return false
}

func (m *Machine) startThreshold(ctx context.Context, now time.Time, v logic.Verdict) {
	if !v.Permitted {
		if m.dry {
			log.Debug().Str("reason", v.Reason).Msg("automatic watering blocked")
		}
		return
	}
	if !m.dry {
		return
	}
	if cooldown := m.soakDuration(); !m.lastAutoRunEnd.IsZero() && now.Before(m.lastAutoRunEnd.Add(cooldown)) {
		log.Debug().Time("until", m.lastAutoRunEnd.Add(cooldown)).Msg("automatic watering waiting for soak cooldown")
		return
	}
	if !m.budget.Reserve(m.cfg.WateringSeconds) {
		log.Debug().Int("remaining", m.budget.Remaining()).Msg("automatic watering skipped: budget exhausted")
		return
	}
	_ = m.openRun(ctx, now, logic.OriginThreshold, 0, now.Add(time.Duration(m.cfg.WateringSeconds)*time.Second))
}

func (m *Machine) soakDuration() time.Duration {
	return time.Duration(m.cfg.SoakMinutes) * time.Minute
}

// openRun opens the valve and enters watering. On failure the machine is in error.
func (m *Machine) openRun(ctx context.Context, now time.Time, origin logic.Origin, entryID int64, deadline time.Time) error {
	if err := m.command(ctx, ActionOpen); err != nil {
		m.fail(ctx, now, err)
		return err
	}
	m.valveOpen = true
	m.run = &run{id: m.newID(), origin: origin, entryID: entryID, started: now, deadline: deadline}

	seconds := 0
	if !deadline.IsZero() {
		seconds = int(deadline.Sub(now).Seconds())
	}
	log.Info().Str("run_id", m.run.id).Str("origin", string(origin)).Int64("schedule_id", entryID).
		Int("seconds", seconds).Msg("watering run started")
	m.emit(now, logic.EventValveOpened, "")
	m.emitRun(now, logic.EventRunStarted, seconds, "")
	m.setState(now, logic.StateWatering)
	m.persistRuntime(ctx)
	return nil
}

// endRun closes the valve, charges the elapsed seconds and moves to next.
// A failed close still ends the run's accounting but leaves the machine in error
// with the valve considered open.
func (m *Machine) endRun(ctx context.Context, now time.Time, reason string, next logic.ControlState) error {
	r := m.run
	err := m.command(ctx, ActionClose)

	elapsed := int(now.Sub(r.started).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	m.budget.Record(elapsed)
	metrics.WateringSecondsTotal.WithLabelValues(string(r.origin)).Add(float64(elapsed))

	if err != nil {
		reason = EndFailure
	}
	m.appendRun(ctx, store.RunRecord{
		ID: r.id, Origin: r.origin, EntryID: r.entryID,
		StartedAt: r.started, EndedAt: now, Seconds: elapsed, EndReason: reason,
	})
	log.Info().Str("run_id", r.id).Str("origin", string(r.origin)).Int("seconds", elapsed).
		Str("reason", reason).Msg("watering run ended")
	m.emitRun(now, logic.EventRunEnded, elapsed, reason)
	m.run = nil

	if err != nil {
		m.needsClose = true
		m.fail(ctx, now, err)
		return err
	}

	m.valveOpen = false
	m.emit(now, logic.EventValveClosed, reason)
	if next == logic.StateSoaking {
		m.lastAutoRunEnd = now
		m.soakUntil = now.Add(m.soakDuration())
	}
	m.setState(now, next)
	m.persistRuntime(ctx)
	return nil
}

// closeUntrusted closes a valve whose position is unknown or unmanaged.
func (m *Machine) closeUntrusted(ctx context.Context, now time.Time) {
	if err := m.command(ctx, ActionClose); err != nil {
		m.needsClose = true
		m.fail(ctx, now, err)
		return
	}
	wasOpen := m.valveOpen
	m.needsClose = false
	m.valveOpen = false
	if wasOpen {
		m.emit(now, logic.EventValveClosed, "")
	}
}

// command issues one valve command bounded by the actuator timeout.
// The actuator runs in its own goroutine so a wedged driver cannot hold the tick.
func (m *Machine) command(ctx context.Context, action string) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if action == ActionOpen {
			done <- m.valve.Open(cctx)
		} else {
			done <- m.valve.Close(cctx)
		}
	}()

	var err error
	select {
	case err = <-done:
		if err != nil {
			err = fmt.Errorf("%w: valve %s: %v", ErrActuatorFailure, action, err)
		}
	case <-cctx.Done():
		err = fmt.Errorf("%w: %w: valve %s after %s", ErrActuatorFailure, ErrActuatorTimeout, action, m.timeout)
	}
	metrics.ValveCommandsTotal.WithLabelValues(action, metrics.Result(err)).Inc()
	return err
}

func (m *Machine) fail(ctx context.Context, now time.Time, err error) {
	log.Error().Err(err).Msg("valve command failed")
	m.lastErr = err.Error()
	m.emit(now, logic.EventActuatorFailure, err.Error())
	m.setState(now, logic.StateError)
	m.persistRuntime(ctx)
}

// clearError leaves the error state after a successful operator command.
func (m *Machine) clearError(now time.Time) {
	if m.state != logic.StateError {
		return
	}
	m.lastErr = ""
	m.setState(now, logic.StateIdle)
}

func (m *Machine) enqueue(id int64) {
	for _, p := range m.pending {
		if p == id {
			return
		}
	}
	m.pending = append(m.pending, id)
}

func (m *Machine) skipPending(ctx context.Context, now time.Time, outcome logic.FireOutcome) {
	for _, id := range m.pending {
		e, ok := m.schedule.Get(id)
		if !ok || !e.Enabled {
			continue
		}
		log.Info().Int64("schedule_id", id).Str("outcome", string(outcome)).Msg("scheduled run skipped")
		m.markFired(ctx, id, now, outcome)
	}
	m.pending = nil
}

func (m *Machine) markFired(ctx context.Context, id int64, now time.Time, outcome logic.FireOutcome) {
	m.schedule.MarkFired(id, now, outcome)
	metrics.ScheduleFiredTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != logic.FireRan {
		m.events = append(m.events, logic.Event{
			Timestamp: now, Type: logic.EventScheduleSkipped, State: m.state, Mode: m.mode,
			ValveOpen: m.valveOpen, EntryID: id, Reason: string(outcome),
		})
	}
	if f, ok := m.schedule.Fired(id); ok && m.store != nil {
		if err := m.store.SaveFiring(ctx, id, f); err != nil {
			log.Error().Err(err).Int64("schedule_id", id).Msg("failed to persist fired marker")
		}
	}
}

func (m *Machine) setState(now time.Time, s logic.ControlState) {
	if m.state == s {
		return
	}
	log.Info().Str("from", string(m.state)).Str("to", string(s)).Msg("control state changed")
	m.state = s
	metrics.SetControlState(s)
	m.emit(now, logic.EventStateChanged, "")
}

func (m *Machine) emit(now time.Time, t logic.EventType, reason string) {
	m.events = append(m.events, logic.Event{
		Timestamp: now, Type: t, State: m.state, Mode: m.mode, ValveOpen: m.valveOpen, Reason: reason,
	})
}

func (m *Machine) emitRun(now time.Time, t logic.EventType, seconds int, reason string) {
	m.events = append(m.events, logic.Event{
		Timestamp: now, Type: t, State: m.state, Mode: m.mode, ValveOpen: m.valveOpen,
		RunID: m.run.id, Origin: m.run.origin, EntryID: m.run.entryID, Seconds: seconds, Reason: reason,
	})
}

// TakeEvents returns and clears the events produced since the last call.
func (m *Machine) TakeEvents() []logic.Event {
	ev := m.events
	m.events = nil
	return ev
}

func (m *Machine) persistRuntime(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRuntime(ctx, m.runtime()); err != nil {
		log.Error().Err(err).Msg("failed to persist runtime state")
	}
}

func (m *Machine) runtime() store.Runtime {
	rt := store.Runtime{
		Mode:           m.mode,
		BudgetDay:      m.budget.Day(),
		BudgetUsed:     m.budget.Used(),
		LastAutoRunEnd: m.lastAutoRunEnd,
	}
	if r := m.run; r != nil {
		rt.ActiveRun = &store.ActiveRun{ID: r.id, Origin: r.origin, EntryID: r.entryID, StartedAt: r.started}
	}
	return rt
}

func (m *Machine) appendRun(ctx context.Context, rec store.RunRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendRun(ctx, rec); err != nil {
		log.Error().Err(err).Str("run_id", rec.ID).Msg("failed to append run log")
	}
}

// Control returns the status view of the machine.
func (m *Machine) Control() status.Control {
	c := status.Control{
		Air:         m.air,
		Soil:        m.soil,
		ValveOpen:   m.valveOpen,
		Mode:        m.mode,
		State:       m.state,
		SoakUntil:   m.soakUntil,
		BudgetUsed:  m.budget.Used(),
		BudgetLimit: m.budget.Limit(),
		LastError:   m.lastErr,
		LastTick:    m.lastTick,
	}
	if r := m.run; r != nil {
		c.Run = &status.Run{ID: r.id, Origin: r.origin, EntryID: r.entryID, StartedAt: r.started, Deadline: r.deadline}
	}
	return c
}
