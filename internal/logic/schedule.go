package logic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidScheduleEntry is wrapped by every entry validation failure.
	ErrInvalidScheduleEntry = errors.New("invalid schedule entry")

	// ErrEntryNotFound indicates the requested schedule entry doesn't exist.
	ErrEntryNotFound = errors.New("schedule entry not found")
)

// Layouts for local-civil schedule values.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

const maxNameLen = 100

// MaxDurationSeconds caps a single watering job at one day.
const MaxDurationSeconds = 24 * 60 * 60

// Entry is a one-shot watering job at a local date and time.
type Entry struct {
	ID              int64
	Name            string
	Date            string // DateLayout, local civil
	Time            string // TimeLayout, local civil
	DurationSeconds int
	Enabled         bool
}

// At resolves the entry's civil date and time in loc.
func (e Entry) At(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, e.Date+" "+e.Time, loc)
}

// EntryPatch carries the fields of a create or partial update.
// Nil fields are left unchanged on update.
type EntryPatch struct {
	Name            *string
	Date            *string
	Time            *string
	DurationSeconds *int
	Enabled         *bool
}

// FireOutcome records what happened when an entry came due.
type FireOutcome string

const (
	FireRan           FireOutcome = "ran"
	FireSkippedBudget FireOutcome = "skipped_budget"
	FireSkippedMode   FireOutcome = "skipped_manual_mode"
	FireSkippedError  FireOutcome = "skipped_error"
)

// Firing is the one-shot marker of an entry that came due.
type Firing struct {
	At      time.Time
	Outcome FireOutcome
}

// Schedule holds one-shot entries and their fired markers.
// Not safe for concurrent use; the state machine owns it.
type Schedule struct {
	entries map[int64]Entry
	fired   map[int64]Firing
	nextID  int64
}

// NewSchedule creates an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{
		entries: make(map[int64]Entry),
		fired:   make(map[int64]Firing),
		nextID:  1,
	}
}

// RestoreSchedule rebuilds a schedule from persisted entries and markers.
func RestoreSchedule(entries []Entry, fired map[int64]Firing) *Schedule {
	s := NewSchedule()
	for _, e := range entries {
		s.Put(e)
	}
	for id, f := range fired {
		if _, ok := s.entries[id]; ok {
			s.fired[id] = f
		}
	}
	return s
}

// Create validates p and stores it under a fresh ID.
func (s *Schedule) Create(p EntryPatch) (Entry, error) {
	e := Entry{Enabled: true}
	if p.Name == nil || p.Date == nil || p.Time == nil || p.DurationSeconds == nil {
		return Entry{}, fmt.Errorf("%w: name, date, time and duration_seconds are required", ErrInvalidScheduleEntry)
	}
	e, err := applyPatch(e, p)
	if err != nil {
		return Entry{}, err
	}
	e.ID = s.nextID
	s.Put(e)
	return e, nil
}

// Update applies a partial change. The fired marker is kept.
func (s *Schedule) Update(id int64, p EntryPatch) (Entry, error) {
	cur, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	e, err := applyPatch(cur, p)
	if err != nil {
		return Entry{}, err
	}
	s.entries[id] = e
	return e, nil
}

// Toggle flips Enabled without touching the fired marker.
func (s *Schedule) Toggle(id int64) (Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	e.Enabled = !e.Enabled
	s.entries[id] = e
	return e, nil
}

// Delete removes an entry and its fired marker.
func (s *Schedule) Delete(id int64) error {
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	delete(s.entries, id)
	delete(s.fired, id)
	return nil
}

// Put stores e verbatim. Used for restore and rollback.
func (s *Schedule) Put(e Entry) {
	s.entries[e.ID] = e
	if e.ID >= s.nextID {
		s.nextID = e.ID + 1
	}
}

// Get returns the entry with the given ID.
func (s *Schedule) Get(id int64) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns all entries ordered by date, time, then ID.
func (s *Schedule) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.ID < b.ID
	})
	return out
}

// Fired returns the fired marker for id.
func (s *Schedule) Fired(id int64) (Firing, bool) {
	f, ok := s.fired[id]
	return f, ok
}

// FiredAll returns a copy of all fired markers.
func (s *Schedule) FiredAll() map[int64]Firing {
	out := make(map[int64]Firing, len(s.fired))
	for id, f := range s.fired {
		out[id] = f
	}
	return out
}

// MarkFired sets the one-shot marker for id.
func (s *Schedule) MarkFired(id int64, at time.Time, outcome FireOutcome) {
	if _, ok := s.entries[id]; !ok {
		return
	}
	s.fired[id] = Firing{At: at, Outcome: outcome}
}

// DueEntries returns enabled, unfired entries scheduled in (lastTick, now],
// ordered by scheduled time ascending.
func (s *Schedule) DueEntries(now, lastTick time.Time) []Entry {
	type due struct {
		e  Entry
		at time.Time
	}
	var ds []due
	for id, e := range s.entries {
		if !e.Enabled {
			continue
		}
		if _, done := s.fired[id]; done {
			continue
		}
		at, err := e.At(now.Location())
		if err != nil {
			continue
		}
		if at.After(lastTick) && !at.After(now) {
			ds = append(ds, due{e: e, at: at})
		}
	}
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].at.Equal(ds[j].at) {
			return ds[i].at.Before(ds[j].at)
		}
		return ds[i].e.ID < ds[j].e.ID
	})
	out := make([]Entry, len(ds))
	for i, d := range ds {
		out[i] = d.e
	}
	return out
}

func applyPatch(e Entry, p EntryPatch) (Entry, error) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > maxNameLen {
			return Entry{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidScheduleEntry, maxNameLen)
		}
		e.Name = name
	}
	if p.Date != nil {
		d, err := time.Parse(DateLayout, strings.TrimSpace(*p.Date))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: date %q: want YYYY-MM-DD", ErrInvalidScheduleEntry, *p.Date)
		}
		e.Date = d.Format(DateLayout)
	}
	if p.Time != nil {
		t, err := ParseTimeOfDay(*p.Time)
		if err != nil {
			return Entry{}, err
		}
		e.Time = t
	}
	if p.DurationSeconds != nil {
		if *p.DurationSeconds <= 0 || *p.DurationSeconds > MaxDurationSeconds {
			return Entry{}, fmt.Errorf("%w: duration_seconds must be between 1 and %d", ErrInvalidScheduleEntry, MaxDurationSeconds)
		}
		e.DurationSeconds = *p.DurationSeconds
	}
	if p.Enabled != nil {
		e.Enabled = *p.Enabled
	}
	return e, nil
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS and returns the canonical HH:MM:SS.
func ParseTimeOfDay(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimeLayout, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), nil
		}
	}
	return "", fmt.Errorf("%w: time %q: want HH:MM[:SS]", ErrInvalidScheduleEntry, s)
}
