package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/status"
)

// ErrEngineStopped is returned for commands sent after the engine has stopped.
var ErrEngineStopped = errors.New("engine stopped")

const (
	eventBuffer     = 128
	shutdownTimeout = 15 * time.Second
)

// EventPublisher receives control events. Implemented by mqtt.Publisher.
type EventPublisher interface {
	Publish(event logic.Event) error
}

type command struct {
	fn    func(ctx context.Context, now time.Time) error
	reply chan error
}

// Engine serializes every access to a Machine through one goroutine.
// Ticks do not overlap: a tick that comes due while the previous one is still
// running is dropped, not queued.
type Engine struct {
	m       *Machine
	tracker *status.Tracker
	pub     EventPublisher
	tick    time.Duration
	now     func() time.Time

	cmds    chan command
	events  chan logic.Event
	stopped chan struct{}
}

// NewEngine creates an Engine. pub may be nil.
func NewEngine(m *Machine, tracker *status.Tracker, pub EventPublisher, tick time.Duration, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		m:       m,
		tracker: tracker,
		pub:     pub,
		tick:    tick,
		now:     now,
		cmds:    make(chan command),
		events:  make(chan logic.Event, eventBuffer),
		stopped: make(chan struct{}),
	}
}

// Run closes the valve, then ticks until ctx is cancelled. On return the
// valve has been closed and any run in progress charged and logged.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.notify()
	}()

	log.Info().Dur("tick", e.tick).Msg("control engine starting")
	e.m.Start(ctx, e.now())
	e.after()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			close(e.stopped)
			close(e.events)
			wg.Wait()
			return nil

		case <-ticker.C:
			e.m.Tick(ctx, e.now())
			e.after()
			select {
			case <-ticker.C:
				metrics.TicksSkippedTotal.Inc()
				log.Warn().Msg("tick overran its period, skipping next tick")
			default:
			}

		case c := <-e.cmds:
			c.reply <- c.fn(ctx, e.now())
			e.after()
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := e.m.Shutdown(sctx, e.now()); err != nil {
		log.Error().Err(err).Msg("failed to close valve on shutdown")
	} else {
		log.Info().Msg("valve closed for shutdown")
	}
	e.after()
}

// after publishes the snapshot and forwards queued events without blocking.
func (e *Engine) after() {
	c := e.m.Control()
	if e.tracker != nil {
		e.tracker.Update(c)
	}
	metrics.SetControlState(c.State)
	metrics.BudgetUsedSeconds.Set(float64(c.BudgetUsed))

	for _, ev := range e.m.TakeEvents() {
		select {
		case e.events <- ev:
		default:
			log.Warn().Str("event", string(ev.Type)).Msg("event queue full, dropping event")
		}
	}
}

func (e *Engine) notify() {
	for ev := range e.events {
		log.Info().Str("event", string(ev.Type)).Str("state", string(ev.State)).Str("mode", string(ev.Mode)).
			Bool("valve_open", ev.ValveOpen).Str("run_id", ev.RunID).Str("reason", ev.Reason).Msg("control event")
		if e.pub == nil {
			continue
		}
		if err := e.pub.Publish(ev); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to publish event")
		}
	}
}

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context, now time.Time) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- c:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// SetMode switches between auto and manual.
func (e *Engine) SetMode(ctx context.Context, mode logic.Mode) error {
	return e.do(ctx, func(ctx context.Context, now time.Time) error {
		return e.m.SetMode(ctx, now, mode)
	})
}

// ControlValve executes an operator open or close.
func (e *Engine) ControlValve(ctx context.Context, action string, seconds int) error {
	return e.do(ctx, func(ctx context.Context, now time.Time) error {
		return e.m.ControlValve(ctx, now, action, seconds)
	})
}

// ResetError leaves the error state once the valve accepts a close.
func (e *Engine) ResetError(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context, now time.Time) error {
		return e.m.ResetError(ctx, now)
	})
}

// Thresholds returns the current threshold config.
func (e *Engine) Thresholds(ctx context.Context) (logic.ThresholdConfig, error) {
	var cfg logic.ThresholdConfig
	err := e.do(ctx, func(context.Context, time.Time) error {
		cfg = e.m.Thresholds()
		return nil
	})
	return cfg, err
}

// UpdateThresholds applies a partial threshold update.
func (e *Engine) UpdateThresholds(ctx context.Context, p logic.ThresholdPatch) (logic.ThresholdConfig, error) {
	var cfg logic.ThresholdConfig
	err := e.do(ctx, func(ctx context.Context, _ time.Time) error {
		var err error
		cfg, err = e.m.UpdateThresholds(ctx, p)
		return err
	})
	return cfg, err
}

// Entries lists schedule entries.
func (e *Engine) Entries(ctx context.Context) ([]EntryView, error) {
	var out []EntryView
	err := e.do(ctx, func(context.Context, time.Time) error {
		out = e.m.Entries()
		return nil
	})
	return out, err
}

// CreateEntry adds a schedule entry.
func (e *Engine) CreateEntry(ctx context.Context, p logic.EntryPatch) (EntryView, error) {
	var v EntryView
	err := e.do(ctx, func(ctx context.Context, _ time.Time) error {
		var err error
		v, err = e.m.CreateEntry(ctx, p)
		return err
	})
	return v, err
}

// UpdateEntry changes a schedule entry.
func (e *Engine) UpdateEntry(ctx context.Context, id int64, p logic.EntryPatch) (EntryView, error) {
	var v EntryView
	err := e.do(ctx, func(ctx context.Context, _ time.Time) error {
		var err error
		v, err = e.m.UpdateEntry(ctx, id, p)
		return err
	})
	return v, err
}

// ToggleEntry flips a schedule entry's enabled flag.
func (e *Engine) ToggleEntry(ctx context.Context, id int64) (EntryView, error) {
	var v EntryView
	err := e.do(ctx, func(ctx context.Context, _ time.Time) error {
		var err error
		v, err = e.m.ToggleEntry(ctx, id)
		return err
	})
	return v, err
}

// DeleteEntry removes a schedule entry.
func (e *Engine) DeleteEntry(ctx context.Context, id int64) error {
	return e.do(ctx, func(ctx context.Context, _ time.Time) error {
		return e.m.DeleteEntry(ctx, id)
	})
}
