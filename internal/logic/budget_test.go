package logic

import (
	"math"
	"testing"
	"time"
)

func TestBudgetReserveRefusesOverCap(t *testing.T) {
	b := NewBudget(10 * 60)
	b.Record(9 * 60)

	if b.Reserve(90) {
		t.Error("9min used of 10min: a 90s automatic run must be refused")
	}
	if !b.Reserve(60) {
		t.Error("a 60s run fits exactly and should be allowed")
	}
	if b.Used() != 9*60 {
		t.Errorf("Reserve must not commit: used=%d", b.Used())
	}
}

func TestBudgetReserveHugeRequestDoesNotWrap(t *testing.T) {
	b := NewBudget(10 * 60)
	b.Record(60)

	if b.Reserve(math.MaxInt) {
		t.Error("a MaxInt reservation must be refused")
	}
	if b.Reserve(math.MaxInt - 30) {
		t.Error("a reservation that overflows used+seconds must be refused")
	}
}

func TestBudgetZeroCap(t *testing.T) {
	b := NewBudget(0)
	if b.Reserve(1) {
		t.Error("zero cap should refuse any automatic run")
	}
	if !b.Reserve(0) {
		t.Error("zero-length reservation fits a zero cap")
	}
}

func TestBudgetRecordNeverNegative(t *testing.T) {
	b := NewBudget(600)
	b.Record(-30)
	b.Record(0)
	if b.Used() != 0 {
		t.Errorf("negative or zero records must be ignored, used=%d", b.Used())
	}
	if b.Reserve(-1) {
		t.Error("negative reservation should be refused")
	}
}

func TestBudgetRemaining(t *testing.T) {
	b := NewBudget(600)
	b.Record(200)
	if b.Remaining() != 400 {
		t.Errorf("remaining: got %d, want 400", b.Remaining())
	}
	// manual runs may exceed the cap
	b.Record(1000)
	if b.Remaining() != 0 {
		t.Errorf("remaining past cap: got %d, want 0", b.Remaining())
	}
}

func TestBudgetRollIfNewDay(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	b := NewBudget(600)

	day1 := time.Date(2026, 6, 1, 23, 0, 0, 0, loc)
	if b.RollIfNewDay(day1) {
		t.Error("first roll only initialises the ledger day")
	}
	b.Record(300)

	// Same local day, called repeatedly.
	for i := 0; i < 3; i++ {
		if b.RollIfNewDay(day1.Add(time.Duration(i) * 10 * time.Minute)) {
			t.Fatalf("call %d: must be idempotent within the day", i)
		}
	}
	if b.Used() != 300 {
		t.Errorf("used: got %d, want 300", b.Used())
	}

	// 00:00:01 local next day is still 22:00 UTC the previous day.
	next := time.Date(2026, 6, 2, 0, 0, 1, 0, loc)
	if !b.RollIfNewDay(next) {
		t.Fatal("crossing local midnight should reset")
	}
	if b.Used() != 0 {
		t.Errorf("used after roll: got %d, want 0", b.Used())
	}
	if b.RollIfNewDay(next.Add(time.Hour)) {
		t.Error("second call on the new day must not reset again")
	}
}

func TestBudgetSetLimitKeepsConsumption(t *testing.T) {
	b := NewBudget(600)
	b.Record(500)
	b.SetLimit(1200)
	if b.Used() != 500 || b.Remaining() != 700 {
		t.Errorf("got used=%d remaining=%d", b.Used(), b.Remaining())
	}
}

func TestRestoreBudget(t *testing.T) {
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b := RestoreBudget(600, 240, day)
	if b.RollIfNewDay(day.Add(5 * time.Hour)) {
		t.Error("restored ledger for today should not roll")
	}
	if b.Used() != 240 {
		t.Errorf("used: got %d, want 240", b.Used())
	}
	if !b.RollIfNewDay(day.Add(30 * time.Hour)) {
		t.Error("restored ledger for yesterday should roll")
	}
}
