package logic

import (
	"errors"
	"math"
	"testing"
	"time"
)

func sptr(s string) *string { return &s }
func iptr(i int) *int       { return &i }
func bptr(b bool) *bool     { return &b }

func mustCreate(t *testing.T, s *Schedule, name, date, tod string, dur int) Entry {
	t.Helper()
	e, err := s.Create(EntryPatch{Name: sptr(name), Date: sptr(date), Time: sptr(tod), DurationSeconds: iptr(dur)})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return e
}

func TestScheduleCreateCanonicalises(t *testing.T) {
	s := NewSchedule()
	e := mustCreate(t, s, "  morning  ", "2026-06-01", "9:00", 60)

	if e.ID != 1 {
		t.Errorf("ID: got %d, want 1", e.ID)
	}
	if e.Name != "morning" {
		t.Errorf("Name: got %q", e.Name)
	}
	if e.Time != "09:00:00" {
		t.Errorf("Time: got %q, want 09:00:00", e.Time)
	}
	if !e.Enabled {
		t.Error("entries are enabled by default")
	}
	got, ok := s.Get(e.ID)
	if !ok || got != e {
		t.Errorf("stored entry: got %+v, want %+v", got, e)
	}
}

func TestScheduleCreateValidation(t *testing.T) {
	tests := []struct {
		name string
		p    EntryPatch
	}{
		{"missing fields", EntryPatch{Name: sptr("x")}},
		{"zero duration", EntryPatch{Name: sptr("x"), Date: sptr("2026-06-01"), Time: sptr("09:00"), DurationSeconds: iptr(0)}},
		{"negative duration", EntryPatch{Name: sptr("x"), Date: sptr("2026-06-01"), Time: sptr("09:00"), DurationSeconds: iptr(-5)}},
		{"duration over a day", EntryPatch{Name: sptr("x"), Date: sptr("2026-06-01"), Time: sptr("09:00"), DurationSeconds: iptr(MaxDurationSeconds + 1)}},
		{"huge duration", EntryPatch{Name: sptr("x"), Date: sptr("2026-06-01"), Time: sptr("09:00"), DurationSeconds: iptr(math.MaxInt)}},
		{"bad date", EntryPatch{Name: sptr("x"), Date: sptr("2026-13-01"), Time: sptr("09:00"), DurationSeconds: iptr(5)}},
		{"bad time", EntryPatch{Name: sptr("x"), Date: sptr("2026-06-01"), Time: sptr("25:00"), DurationSeconds: iptr(5)}},
		{"empty name", EntryPatch{Name: sptr("  "), Date: sptr("2026-06-01"), Time: sptr("09:00"), DurationSeconds: iptr(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSchedule()
			_, err := s.Create(tt.p)
			if !errors.Is(err, ErrInvalidScheduleEntry) {
				t.Fatalf("expected ErrInvalidScheduleEntry, got %v", err)
			}
			if len(s.Entries()) != 0 {
				t.Error("rejected entry must not be stored")
			}
		})
	}
}

func TestScheduleDueFiresOnce(t *testing.T) {
	s := NewSchedule()
	e := mustCreate(t, s, "nine", "2026-06-01", "09:00", 60)

	lastTick := time.Date(2026, 6, 1, 8, 59, 30, 0, time.UTC)
	now := time.Date(2026, 6, 1, 9, 0, 30, 0, time.UTC)

	due := s.DueEntries(now, lastTick)
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("expected entry %d due, got %+v", e.ID, due)
	}
	s.MarkFired(e.ID, now, FireRan)

	// Next tick: still enabled, window (09:00:30, 09:01:00] does not contain it
	// and the fired marker blocks it anyway.
	if due := s.DueEntries(time.Date(2026, 6, 1, 9, 1, 0, 0, time.UTC), now); len(due) != 0 {
		t.Errorf("second tick must not re-fire, got %+v", due)
	}
	// Even a wide window cannot re-fire it.
	if due := s.DueEntries(now.Add(time.Hour), lastTick.Add(-time.Hour)); len(due) != 0 {
		t.Errorf("fired entry came due again: %+v", due)
	}
}

func TestScheduleDueHalfOpenInterval(t *testing.T) {
	s := NewSchedule()
	mustCreate(t, s, "x", "2026-06-01", "09:00:00", 60)
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	if len(s.DueEntries(at, at.Add(-time.Second))) != 1 {
		t.Error("entry at now should be due (interval closed on the right)")
	}
	if len(s.DueEntries(at.Add(time.Second), at)) != 0 {
		t.Error("entry at lastTick should not be due (interval open on the left)")
	}
}

func TestScheduleDueOrderAndLateTick(t *testing.T) {
	s := NewSchedule()
	late := mustCreate(t, s, "late", "2026-06-01", "09:02", 30)
	early := mustCreate(t, s, "early", "2026-06-01", "09:01", 30)
	mustCreate(t, s, "tomorrow", "2026-06-02", "09:01", 30)
	off := mustCreate(t, s, "off", "2026-06-01", "09:01:30", 30)
	if _, err := s.Toggle(off.ID); err != nil {
		t.Fatal(err)
	}

	// A tick that ran three minutes late still catches both.
	due := s.DueEntries(time.Date(2026, 6, 1, 9, 3, 0, 0, time.UTC), time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Errorf("order: got [%d %d], want [%d %d]", due[0].ID, due[1].ID, early.ID, late.ID)
	}
}

func TestScheduleToggleKeepsFiredMarker(t *testing.T) {
	s := NewSchedule()
	e := mustCreate(t, s, "x", "2026-06-01", "09:00", 60)
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s.MarkFired(e.ID, at, FireRan)

	e, _ = s.Toggle(e.ID)
	if e.Enabled {
		t.Fatal("toggle should disable")
	}
	e, _ = s.Toggle(e.ID)
	if !e.Enabled {
		t.Fatal("toggle should re-enable")
	}
	if _, ok := s.Fired(e.ID); !ok {
		t.Error("toggle must not clear the fired marker")
	}
	if due := s.DueEntries(at, at.Add(-time.Minute)); len(due) != 0 {
		t.Error("re-enabled fired entry must not fire retroactively")
	}
}

func TestScheduleUpdatePartial(t *testing.T) {
	s := NewSchedule()
	e := mustCreate(t, s, "x", "2026-06-01", "09:00", 60)
	s.MarkFired(e.ID, time.Now(), FireRan)

	got, err := s.Update(e.ID, EntryPatch{DurationSeconds: iptr(120), Enabled: bptr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "x" || got.Date != "2026-06-01" || got.Time != "09:00:00" {
		t.Errorf("unspecified fields changed: %+v", got)
	}
	if got.DurationSeconds != 120 || got.Enabled {
		t.Errorf("patched fields not applied: %+v", got)
	}
	if _, ok := s.Fired(e.ID); !ok {
		t.Error("update must keep the fired marker")
	}

	if _, err := s.Update(e.ID, EntryPatch{DurationSeconds: iptr(0)}); !errors.Is(err, ErrInvalidScheduleEntry) {
		t.Errorf("expected validation error, got %v", err)
	}
	if cur, _ := s.Get(e.ID); cur.DurationSeconds != 120 {
		t.Error("rejected update must not be partially applied")
	}
}

func TestScheduleNotFound(t *testing.T) {
	s := NewSchedule()
	if _, err := s.Update(9, EntryPatch{}); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("update: %v", err)
	}
	if _, err := s.Toggle(9); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("toggle: %v", err)
	}
	if err := s.Delete(9); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("delete: %v", err)
	}
}

func TestScheduleDeleteAndRestore(t *testing.T) {
	s := NewSchedule()
	a := mustCreate(t, s, "a", "2026-06-01", "09:00", 60)
	b := mustCreate(t, s, "b", "2026-06-01", "10:00", 60)
	s.MarkFired(a.ID, time.Now(), FireSkippedBudget)

	if err := s.Delete(b.ID); err != nil {
		t.Fatal(err)
	}

	r := RestoreSchedule(s.Entries(), s.FiredAll())
	if len(r.Entries()) != 1 {
		t.Fatalf("restored entries: %d", len(r.Entries()))
	}
	if f, ok := r.Fired(a.ID); !ok || f.Outcome != FireSkippedBudget {
		t.Errorf("fired marker not restored: %+v", f)
	}
	c := mustCreate(t, r, "c", "2026-06-02", "09:00", 60)
	if c.ID <= a.ID {
		t.Errorf("restored schedule reused an ID: %d", c.ID)
	}
}
